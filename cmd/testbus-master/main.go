// Command testbus-master runs the object graph and bus server described in
// spec.md §3/§9: the single process that holds the master's in-memory
// container tree and answers every agent and client call against it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/graph"
	"github.com/banksean/testbus/internal/muxproxy"
	"github.com/banksean/testbus/internal/sshtransport"
	"github.com/banksean/testbus/internal/tracing"
	"github.com/banksean/testbus/version"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Context struct {
	StateDir string
}

type CLI struct {
	LogFile      string `default:"" placeholder:"<log-file-path>" help:"log file path (empty logs to stderr)"`
	LogLevel     string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	LogMaxSizeMB int    `default:"100" help:"rotate the log file once it reaches this size, in megabytes"`
	StateDir     string `default:"~/.testbus-master" placeholder:"<dir>" help:"directory for persisted ssh CA/identity keys"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"run the master daemon"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Context) error {
	v := version.Get()
	fmt.Printf("git commit: %s\n", v.GitCommit)
	fmt.Printf("build time: %s\n", v.BuildTime)
	return nil
}

// ServeCmd is the master daemon: it binds the primary gRPC listener plus any
// configured alternate transports (spec.md §4.6) to the same bus.Server, so
// an agent behind an ssh jump host or a muxproxy tunnel is indistinguishable
// from one dialing the master directly.
type ServeCmd struct {
	Addr     string `default:":7913" help:"primary grpc listen address"`
	SSHAddr  string `default:"" help:"optional ssh-tunnel listen address for agents reachable only over ssh"`
	ProxyDir string `default:"" help:"optional directory for a muxproxy unix-socket listener, for agents behind a single constrained link"`
}

func (c *ServeCmd) Run(cctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "testbus-master")
	if err != nil {
		return fmt.Errorf("testbus-master: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(shutdownCtx)
	}()

	hub := bus.NewHub()
	g := graph.New(hub)

	// The graph only learns about a disconnect through the hub's
	// name-owner-changed watcher; without this, a host's agent bus name
	// would survive forever and its processes would never get reaped
	// (spec.md §3, §9 open question). DetachHostsOwnedBy is a separate path,
	// keyed by claiming container path rather than bus name, and fires when
	// the claiming container itself is deleted (see graph.Delete).
	hub.OnNameOwnerChanged(func(name string, connected bool) {
		if connected {
			return
		}
		g.ClearAgentName(name)
	})

	server := bus.NewGRPCServer(&bus.Server{Hub: hub, Handler: g.NewHandler()})

	primary, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("testbus-master: listening on %s: %w", c.Addr, err)
	}
	slog.Info("testbus-master: serving", "addr", c.Addr)
	go func() {
		if err := server.Serve(primary); err != nil {
			slog.Error("testbus-master: primary listener stopped", "error", err)
		}
	}()

	if c.SSHAddr != "" {
		if err := c.serveSSH(ctx, server, cctx.StateDir); err != nil {
			return err
		}
	}
	if c.ProxyDir != "" {
		if err := c.serveProxy(ctx, server); err != nil {
			return err
		}
	}

	<-ctx.Done()
	slog.Info("testbus-master: shutting down")
	server.GracefulStop()
	return nil
}

// serveSSH stands up the alternate ssh-tunneled transport of
// internal/sshtransport: a CA-backed listener whose every accepted tunnel
// channel is fed to the same gRPC server as a plain connection.
func (c *ServeCmd) serveSSH(ctx context.Context, server grpcServer, stateDir string) error {
	hostCA, err := sshtransport.LoadOrCreateCA(filepath.Join(stateDir, "host-ca"))
	if err != nil {
		return fmt.Errorf("testbus-master: host ca: %w", err)
	}
	agentCA, err := sshtransport.LoadOrCreateCA(filepath.Join(stateDir, "agent-ca"))
	if err != nil {
		return fmt.Errorf("testbus-master: agent ca: %w", err)
	}
	hostIdentity, err := sshtransport.LoadOrCreateIdentity(filepath.Join(stateDir, "host-identity"))
	if err != nil {
		return fmt.Errorf("testbus-master: host identity: %w", err)
	}
	hostCert, err := hostCA.IssueHostCertificate("testbus-master", hostIdentity.Public)
	if err != nil {
		return fmt.Errorf("testbus-master: issuing host certificate: %w", err)
	}

	ln, err := sshtransport.Listen(sshtransport.ListenConfig{
		Addr:             c.SSHAddr,
		HostIdentity:     hostIdentity,
		HostCert:         hostCert,
		AgentCAPublicKey: agentCA.PublicKey(),
	})
	if err != nil {
		return fmt.Errorf("testbus-master: ssh listen on %s: %w", c.SSHAddr, err)
	}
	slog.Info("testbus-master: serving ssh tunnel", "addr", c.SSHAddr)

	chl := bus.NewChanListener(ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
		chl.Close()
	}()
	go func() {
		for {
			conn, agentName, err := ln.Accept()
			if err != nil {
				slog.Warn("testbus-master: ssh listener stopped", "error", err)
				return
			}
			slog.Info("testbus-master: accepted ssh tunnel", "agent", agentName)
			chl.Push(bus.WrapConn(conn))
		}
	}()
	go func() {
		if err := server.Serve(chl); err != nil {
			slog.Warn("testbus-master: ssh-backed grpc listener stopped", "error", err)
		}
	}()
	return nil
}

// serveProxy stands up the muxproxy unix-socket daemon of spec.md §4.6: one
// underlying socket connection carries many multiplexed agent links, each of
// which is handed to the gRPC server as its own logical connection.
func (c *ServeCmd) serveProxy(ctx context.Context, server grpcServer) error {
	if err := os.MkdirAll(c.ProxyDir, 0o755); err != nil {
		return fmt.Errorf("testbus-master: proxy dir: %w", err)
	}
	chl := bus.NewChanListener(proxyAddr{})
	daemon := muxproxy.NewDaemon(c.ProxyDir, func(p *muxproxy.Proxy) {
		go func() {
			for {
				ch, err := p.Accept()
				if err != nil {
					return
				}
				chl.Push(bus.WrapConn(ch))
			}
		}()
	})
	go func() {
		<-ctx.Done()
		daemon.Shutdown()
		chl.Close()
	}()
	go func() {
		if err := daemon.Serve(ctx); err != nil {
			slog.Warn("testbus-master: muxproxy daemon stopped", "error", err)
		}
	}()
	go func() {
		if err := server.Serve(chl); err != nil {
			slog.Warn("testbus-master: proxy-backed grpc listener stopped", "error", err)
		}
	}()
	return nil
}

type proxyAddr struct{}

func (proxyAddr) Network() string { return "testbus-proxy" }
func (proxyAddr) String() string  { return "testbus-proxy" }

// grpcServer narrows *grpc.Server to the one method this file calls on it,
// so serveSSH/serveProxy don't need to import google.golang.org/grpc just to
// name the parameter type.
type grpcServer interface {
	Serve(net.Listener) error
}

func initSlog(cli *CLI) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cli.LogFile != "" {
		out = &lumberjack.Logger{
			Filename: cli.LogFile,
			MaxSize:  cli.LogMaxSizeMB,
			MaxAge:   28,
			Compress: true,
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/testbus-master.yaml", "~/.testbus-master.yaml"),
		kong.Description("testbus-master holds the object graph and answers agent and client calls against it."))

	initSlog(&cli)

	stateDir, err := homedir.Expand(cli.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testbus-master: resolving state dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "testbus-master: creating state dir: %v\n", err)
		os.Exit(1)
	}

	err = ctx.Run(&Context{StateDir: stateDir})
	ctx.FatalIfErrorf(err)
}
