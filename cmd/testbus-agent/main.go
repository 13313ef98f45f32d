// Command testbus-agent runs on a test host: it registers (or reconnects)
// with the master's HostList, waits for Host.processScheduled signals, and
// executes the scheduled commands locally (spec.md §4.2/§4.3).
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/banksean/testbus/internal/agentfs"
	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
	"github.com/banksean/testbus/internal/monitor"
	"github.com/banksean/testbus/internal/procexec"
	"github.com/banksean/testbus/internal/sshtransport"
	"github.com/banksean/testbus/internal/store"
	"github.com/banksean/testbus/internal/tracing"
	"github.com/banksean/testbus/version"
	homedir "github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/natefinch/lumberjack.v2"
)

// retrieveChunkSize mirrors internal/graph.MaxChunkSize: the agent never
// asks for more than this per Tmpfile.retrieve call, matching the cap the
// master enforces on the other end.
const retrieveChunkSize = 64 << 10

type Context struct {
	StateDir string
}

type CLI struct {
	LogFile      string `default:"" placeholder:"<log-file-path>" help:"log file path (empty logs to stderr)"`
	LogLevel     string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	LogMaxSizeMB int    `default:"100" help:"rotate the log file once it reaches this size, in megabytes"`
	StateDir     string `default:"~/.testbus-agent" placeholder:"<dir>" help:"directory for persisted state and cached file content"`

	Run     RunCmd     `cmd:"" default:"1" help:"register with the master and run scheduled commands"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Context) error {
	v := version.Get()
	fmt.Printf("git commit: %s\n", v.GitCommit)
	fmt.Printf("build time: %s\n", v.BuildTime)
	return nil
}

// RunCmd is the agent daemon.
type RunCmd struct {
	Addr string `default:":7913" help:"master grpc address"`
	Name string `default:"" help:"host name to register as (default: this machine's hostname)"`

	SSHAddr     string `default:"" help:"dial the master over an ssh tunnel at this address instead of dialing Addr directly"`
	SSHCertFile string `default:"" help:"this agent's ssh certificate, issued by the master operator's agent CA"`
	SSHKeyFile  string `default:"~/.testbus-agent/ssh-identity" help:"this agent's ssh private key (generated on first run if absent)"`
	SSHHostCA   string `default:"" help:"authorized_keys-format public key of the master's host certificate authority"`

	Watch map[string]string `help:"name=path file-tail monitors to run against this host's event log" mapsep:","`
}

func (c *RunCmd) Run(cctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "testbus-agent")
	if err != nil {
		return fmt.Errorf("testbus-agent: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(shutdownCtx)
	}()

	state, err := store.LoadOrCreateState(filepath.Join(cctx.StateDir, "state.xml"))
	if err != nil {
		return fmt.Errorf("testbus-agent: %w", err)
	}
	busName := state.Hostname
	if c.Name != "" {
		busName = c.Name
	}

	cache, err := store.OpenFileCache(filepath.Join(cctx.StateDir, "files.db"))
	if err != nil {
		return fmt.Errorf("testbus-agent: %w", err)
	}
	defer cache.Close()

	client, err := c.dial(ctx, busName)
	if err != nil {
		return fmt.Errorf("testbus-agent: %w", err)
	}
	defer client.Close()

	reply, err := client.Call(ctx, "/Host", "HostList", "reconnect", map[string]any{
		"name": busName,
		"uuid": state.UUID,
	})
	if err != nil {
		return fmt.Errorf("testbus-agent: reconnecting host %q: %w", busName, err)
	}
	hostPath, _ := reply["path"].(string)
	slog.Info("testbus-agent: registered", "host", busName, "path", hostPath, "uuid", state.UUID)

	a := &agent{client: client, cache: cache, stateDir: cctx.StateDir, hostPath: hostPath, fs: agentfs.NewOSFileOps()}
	client.Subscribe(hostPath, "Host", a.onHostSignal)
	client.SetHandler(a.handleAgentCall)

	if len(c.Watch) > 0 {
		if err := a.startMonitors(ctx, c.Watch); err != nil {
			slog.Error("testbus-agent: starting file-tail monitors", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
	}
	slog.Info("testbus-agent: shutting down")
	return nil
}

func (c *RunCmd) dial(ctx context.Context, busName string) (*bus.Client, error) {
	if c.SSHAddr == "" {
		return bus.Dial(ctx, c.Addr, busName, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return c.dialSSH(ctx, busName)
}

// dialSSH opens the alternate transport of spec.md §4.6: a single ssh
// connection to the master carrying one testbus-tunnel channel, which the
// grpc client then treats as its entire connection (bus.SingleUseDialer).
func (c *RunCmd) dialSSH(ctx context.Context, busName string) (*bus.Client, error) {
	keyPath, err := homedir.Expand(c.SSHKeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolving ssh key path: %w", err)
	}
	identity, err := sshtransport.LoadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading ssh identity: %w", err)
	}
	certBytes, err := os.ReadFile(c.SSHCertFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh certificate %s: %w", c.SSHCertFile, err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(certBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh certificate %s: %w", c.SSHCertFile, err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an ssh certificate", c.SSHCertFile)
	}
	hostCABytes, err := os.ReadFile(c.SSHHostCA)
	if err != nil {
		return nil, fmt.Errorf("reading host ca key %s: %w", c.SSHHostCA, err)
	}
	hostCAKey, _, _, _, err := ssh.ParseAuthorizedKey(hostCABytes)
	if err != nil {
		return nil, fmt.Errorf("parsing host ca key %s: %w", c.SSHHostCA, err)
	}

	conn, err := sshtransport.Dial(sshtransport.DialConfig{
		Addr:            c.SSHAddr,
		AgentIdentity:   identity,
		AgentCert:       cert,
		HostCAPublicKey: hostCAKey,
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing ssh tunnel %s: %w", c.SSHAddr, err)
	}

	return bus.Dial(ctx, "testbus-tunnel", busName,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(bus.SingleUseDialer(bus.WrapConn(conn))))
}

// agent holds the live state a scheduled process needs: the bus client to
// call back on, the local file cache, and this host's own object path.
type agent struct {
	client   *bus.Client
	cache    *store.FileCache
	stateDir string
	hostPath string
	fs       agentfs.FileOps

	mu sync.Mutex
}

// handleAgentCall answers calls the master initiates on this agent's own
// stream (bus.Client.SetHandler): currently just Agent.Filesystem, spec.md
// §4.4's master-mediated log-fetch/asset-deploy path.
func (a *agent) handleAgentCall(_ context.Context, _, _, iface, method string, args map[string]any) (map[string]any, error) {
	if iface != "Agent.Filesystem" {
		return nil, model.Errorf(model.MethodNotSupported, "bus.dispatch", "/Agent/Filesystem", "%s.%s has no handler", iface, method)
	}
	path, _ := args["path"].(string)
	if !filepath.IsAbs(path) {
		return nil, model.Errorf(model.InvalidArgs, iface+"."+method, path, "path must be absolute")
	}

	switch method {
	case "getInfo":
		fi, err := a.fs.Stat(path)
		if err != nil {
			return nil, model.Wrap(model.InvalidArgs, iface+".getInfo", path, err)
		}
		if !fi.Mode().IsRegular() {
			return nil, model.Errorf(model.NotCompatible, iface+".getInfo", path, "not a regular file")
		}
		return map[string]any{"info": map[string]any{
			"size":  fi.Size(),
			"mode":  uint32(fi.Mode().Perm()),
			"mtime": fi.ModTime().Unix(),
		}}, nil

	case "download":
		offset := toUint64(args["offset"])
		count := toUint32(args["count"])
		fi, err := a.fs.Stat(path)
		if err != nil {
			return nil, model.Wrap(model.InvalidArgs, iface+".download", path, err)
		}
		if !fi.Mode().IsRegular() {
			return nil, model.Errorf(model.NotCompatible, iface+".download", path, "not a regular file")
		}
		if offset >= uint64(fi.Size()) {
			return map[string]any{"bytes": []byte{}}, nil
		}
		n := uint64(count)
		if offset+n > uint64(fi.Size()) {
			n = uint64(fi.Size()) - offset
		}
		chunk, err := a.fs.ReadFileRange(path, int64(offset), int(n))
		if err != nil {
			return nil, model.Wrap(model.InvalidArgs, iface+".download", path, err)
		}
		return map[string]any{"bytes": chunk}, nil

	case "upload":
		offset := toUint64(args["offset"])
		data := toBytes(args["bytes"])
		if offset != 0 {
			return nil, model.Errorf(model.InvalidArgs, iface+".upload", path, "only offset 0 (whole-file write) is supported")
		}
		if fi, err := a.fs.Stat(path); err == nil && !fi.Mode().IsRegular() {
			return nil, model.Errorf(model.NotCompatible, iface+".upload", path, "not a regular file")
		}
		if err := a.fs.WriteFile(path, data, 0o644); err != nil {
			return nil, model.Wrap(model.InvalidArgs, iface+".upload", path, err)
		}
		return nil, nil

	default:
		return nil, model.Errorf(model.MethodNotSupported, "bus.dispatch", path, "%s.%s has no handler", iface, method)
	}
}

// startMonitors resolves this host's event log object and launches the
// file-tail monitors of spec.md §4.5 for every watched name=path pair,
// pushing their polled events to it in the background until ctx ends.
func (a *agent) startMonitors(ctx context.Context, watch map[string]string) error {
	reply, err := a.client.Call(ctx, a.hostPath, "Container", "getChildByName", map[string]any{"class": "EventLog", "name": "events"})
	if err != nil {
		return fmt.Errorf("resolving event log: %w", err)
	}
	eventLogPath := toString(reply["path"])

	runner := monitor.NewRunner(func(ctx context.Context, mon monitor.Monitor, events []monitor.Event) error {
		for _, e := range events {
			_, err := a.client.Call(ctx, eventLogPath, "Eventlog", "add", map[string]any{
				"class":   "file",
				"type":    e.Type,
				"payload": map[string]any{"name": mon.Name(), "data": base64.StdEncoding.EncodeToString(e.Data)},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	for name, path := range watch {
		runner.Register(monitor.NewFileTail(name, path, 5))
	}
	go runner.Run(ctx)
	return nil
}

func (a *agent) onHostSignal(env *bus.Envelope) {
	switch env.Method {
	case "processScheduled":
		go a.runScheduled(env.Args)
	case "shutdownRequested", "rebootRequested":
		// spec.md §4.2: "The agent decides whether to honor them
		// (configurable)." This agent only logs; an operator wiring actual
		// shutdown/reboot would replace this with a host-specific action.
		slog.Info("testbus-agent: received host signal", "method", env.Method)
	}
}

// runScheduled materializes every file the process needs, runs it, and
// reports the classified exit back to the master (spec.md §4.3 steps 4-6).
func (a *agent) runScheduled(args map[string]any) {
	ctx := context.Background()

	spec, _ := args["spec"].(map[string]any)
	files := toSlice(args["files"])

	argv := toStringSlice(spec["argv"])
	envMap := toStringMap(spec["env"])
	useTerminal, _ := spec["use-terminal"].(bool)
	processPath, _ := spec["object-path"].(string)

	outputs := make(map[string]string)    // name -> object-path, appended to after exec
	localFiles := make(map[string]string) // name -> materialized local path, for %{file:NAME}
	for _, raw := range files {
		fd, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := fd["name"].(string)
		mode := toUint8(fd["mode"])
		objectPath, _ := fd["object-path"].(string)

		const modeWrite = uint8(1 << 1)
		if mode&modeWrite != 0 {
			// An output-mode file has no content to fetch yet; the agent
			// appends to it once the process has produced output.
			outputs[name] = objectPath
			continue
		}

		localPath, err := a.materialize(ctx, fd)
		if err != nil {
			slog.Error("testbus-agent: materializing file", "name", name, "error", err)
			continue
		}
		envMap["testbus_file_"+name] = localPath
		localFiles[name] = localPath
	}

	// %{file:NAME} resolves to a materialized local path, which only exists
	// now — the master leaves these references untouched in argv since it
	// runs before any agent has downloaded anything (spec.md §4.3 step 4).
	argv = expandFileRefs(argv, localFiles)

	var stdin io.Reader
	if path, ok := localFiles["stdin"]; ok {
		f, err := os.Open(path)
		if err != nil {
			slog.Error("testbus-agent: opening stdin file", "path", path, "error", err)
		} else {
			defer f.Close()
			stdin = f
		}
	}

	slog.Info("testbus-agent: running process", "process", processPath, "argv", argv)
	ctx, span := tracing.StartProcess(ctx, a.hostPath, processPath, argv)
	defer span.End()
	proc, err := procexec.Start(ctx, procexec.Spec{Argv: argv, Env: envMap, UseTerminal: useTerminal, Stdin: stdin})
	if err != nil {
		a.reportExit(ctx, processPath, map[string]any{"how": "nonstarter", "error": err.Error()})
		return
	}
	<-proc.Done()

	if objectPath, ok := outputs["stdout"]; ok {
		a.uploadOutput(ctx, objectPath, proc.Stdout())
	}
	if objectPath, ok := outputs["stderr"]; ok {
		a.uploadOutput(ctx, objectPath, proc.Stderr())
	}

	a.reportExit(ctx, processPath, proc.ExitInfo())
}

// fileRefRE matches the %{file:NAME} form of internal/graph/substitute.go's
// substitutionRE; the agent is the only side that can resolve it, once
// materialization has given NAME a real path on this host.
var fileRefRE = regexp.MustCompile(`%\{file:([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandFileRefs(argv []string, files map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = fileRefRE.ReplaceAllStringFunc(a, func(m string) string {
			name := fileRefRE.FindStringSubmatch(m)[1]
			if p, ok := files[name]; ok {
				return p
			}
			return m
		})
	}
	return out
}

func (a *agent) reportExit(ctx context.Context, processPath string, info map[string]any) {
	if _, err := a.client.Call(ctx, processPath, "Process", "setExitInfo", map[string]any{"info": info}); err != nil {
		slog.Error("testbus-agent: reporting exit", "process", processPath, "error", err)
	}
}

// uploadOutput streams captured stdout/stderr to its Tmpfile object in
// chunks no larger than MaxChunkSize on the master side (internal/graph).
func (a *agent) uploadOutput(ctx context.Context, objectPath string, data []byte) {
	for offset := 0; offset < len(data); offset += retrieveChunkSize {
		end := offset + retrieveChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := base64.StdEncoding.EncodeToString(data[offset:end])
		if _, err := a.client.Call(ctx, objectPath, "Tmpfile", "append", map[string]any{"bytes": chunk}); err != nil {
			slog.Error("testbus-agent: uploading output", "path", objectPath, "error", err)
			return
		}
	}
}

// materialize fetches a file's content (if not already cached under its
// current inode/seq) and writes it to local disk, the same cache-or-download
// decision agent/files.c's process-attach path makes before exec.
func (a *agent) materialize(ctx context.Context, fd map[string]any) (string, error) {
	inode, _ := fd["inode"].(string)
	name, _ := fd["name"].(string)
	seq := toUint64(fd["iseq"])
	mode := toUint8(fd["mode"])
	objectPath, _ := fd["object-path"].(string)

	if entry, found, err := a.cache.Lookup(inode); err == nil && found && entry.Seq == seq {
		return entry.InstancePath, nil
	}

	var content []byte
	for offset := 0; ; offset += retrieveChunkSize {
		reply, err := a.client.Call(ctx, objectPath, "Tmpfile", "retrieve", map[string]any{
			"offset": offset,
			"count":  retrieveChunkSize,
		})
		if err != nil {
			return "", fmt.Errorf("retrieving %s: %w", objectPath, err)
		}
		encoded, _ := reply["bytes"].(string)
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("decoding %s: %w", objectPath, err)
		}
		content = append(content, chunk...)
		if len(chunk) < retrieveChunkSize {
			break
		}
	}

	localPath := filepath.Join(a.stateDir, "files", inode)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(localPath, content, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", localPath, err)
	}
	if err := a.cache.Put(store.CacheEntry{Inode: inode, Name: name, Seq: seq, Mode: mode, InstancePath: localPath}); err != nil {
		slog.Warn("testbus-agent: caching file", "inode", inode, "error", err)
	}
	return localPath, nil
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(v any) map[string]string {
	raw, _ := v.(map[string]any)
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toUint64(v any) uint64 {
	switch t := v.(type) {
	case float64:
		return uint64(t)
	case uint64:
		return t
	case int:
		return uint64(t)
	default:
		return 0
	}
}

func toUint8(v any) uint8 {
	switch t := v.(type) {
	case float64:
		return uint8(t)
	case int:
		return uint8(t)
	case uint8:
		return t
	default:
		return 0
	}
}

func toUint32(v any) uint32 {
	switch t := v.(type) {
	case float64:
		return uint32(t)
	case int:
		return uint32(t)
	case uint32:
		return t
	default:
		return 0
	}
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err == nil {
			return b
		}
		return []byte(t)
	default:
		return nil
	}
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
		kong.Configuration(kongyaml.Loader, "/etc/testbus-agent.yaml", "~/.testbus-agent.yaml"),
		kong.Description("testbus-agent registers with the master and executes commands scheduled on this host."))

	initSlog(&cli)

	stateDir, err := homedir.Expand(cli.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testbus-agent: resolving state dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "testbus-agent: creating state dir: %v\n", err)
		os.Exit(1)
	}

	err = ctx.Run(&Context{StateDir: stateDir})
	ctx.FatalIfErrorf(err)
}
