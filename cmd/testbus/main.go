// Command testbus is the thin client CLI of spec.md §6: every verb opens a
// short-lived bus connection, issues one or a few calls against the
// master's object graph, and exits with the status spec.md §6 assigns it.
package main

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/version"
	"github.com/google/uuid"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/mattn/go-isatty"
	"github.com/posener/complete"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Context struct {
	Addr string
}

type CLI struct {
	Addr     string `default:":7913" help:"master grpc address"`
	LogLevel string `default:"warn" placeholder:"<debug|info|warn|error>" help:"logging level" predictor:"log-level"`

	ShowXML         ShowXMLCmd         `cmd:"" help:"dump the known object tree as xml"`
	CreateHost      CreateHostCmd      `cmd:"" help:"create a new host object"`
	RemoveHost      RemoveHostCmd      `cmd:"" help:"destroy a host object"`
	CreateTest      CreateTestCmd      `cmd:"" help:"create a test container"`
	Delete          DeleteCmd          `cmd:"" help:"delete a container"`
	DownloadFile    DownloadFileCmd    `cmd:"" help:"download a Tmpfile object's content"`
	UploadFile      UploadFileCmd      `cmd:"" help:"create a file and upload local content to it"`
	ClaimHost       ClaimHostCmd       `cmd:"" help:"claim a host by name or capability"`
	CreateCommand   CreateCommandCmd   `cmd:"" help:"create a command object"`
	RunCommand      RunCommandCmd      `cmd:"" help:"run a command on a claimed host and wait for it to finish"`
	WaitCommand     WaitCommandCmd     `cmd:"" help:"wait for an already-running process to finish"`
	Setenv          SetenvCmd          `cmd:"" help:"set an environment variable on a container"`
	Getenv          GetenvCmd          `cmd:"" help:"read an environment variable from a container"`
	GetEvents       GetEventsCmd       `cmd:"" help:"read events from a host's event log"`
	FetchAgentFile  FetchAgentFileCmd  `cmd:"" help:"read a file straight off an agent's own filesystem"`
	DeployAgentFile DeployAgentFileCmd `cmd:"" help:"stage a local file straight onto an agent's own filesystem"`
	Shutdown        ShutdownCmd        `cmd:"" help:"broadcast shutdown to a host or the whole host list"`
	Reboot          RebootCmd          `cmd:"" help:"broadcast reboot to a host or the whole host list"`
	Version         VersionCmd         `cmd:"" help:"print version information"`

	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Context) error {
	v := version.Get()
	fmt.Printf("git commit: %s\n", v.GitCommit)
	fmt.Printf("build time: %s\n", v.BuildTime)
	return nil
}

// dial opens one bus connection under a freshly generated client name, for
// the lifetime of a single CLI invocation.
func dial(ctx context.Context, addr string) (*bus.Client, error) {
	return bus.Dial(ctx, addr, "client-"+uuid.New().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// ShowXMLCmd dumps what the client can see of the object graph. Full
// schema-driven introspection is explicitly out of scope for this system
// (spec.md §1's "deliberately out of scope" list), so this renders the one
// structural view the bus actually exposes: the live host list.
type ShowXMLCmd struct{}

type xmlHost struct {
	Path         string   `xml:"path,attr"`
	Name         string   `xml:"name,attr"`
	UUID         string   `xml:"uuid,attr"`
	Role         string   `xml:"role,attr,omitempty"`
	Owner        string   `xml:"owner,attr,omitempty"`
	AgentLive    bool     `xml:"agent-live,attr"`
	Ready        bool     `xml:"ready,attr"`
	Capabilities []string `xml:"capability"`
}

type xmlHostList struct {
	XMLName xml.Name  `xml:"HostList"`
	Hosts   []xmlHost `xml:"Host"`
}

func (c *ShowXMLCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Call(ctx, "/Host", "HostList", "list", nil)
	if err != nil {
		return err
	}
	out := xmlHostList{}
	for _, raw := range toSlice(reply["hosts"]) {
		h, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out.Hosts = append(out.Hosts, xmlHost{
			Path:         toString(h["path"]),
			Name:         toString(h["name"]),
			UUID:         toString(h["uuid"]),
			Role:         toString(h["role"]),
			Owner:        toString(h["owner"]),
			AgentLive:    toBool(h["agent-live"]),
			Ready:        toBool(h["ready"]),
			Capabilities: toStringSlice(h["capabilities"]),
		})
	}
	// A redirected pipe gets the compact form a downstream tool would want
	// to parse; an interactive terminal gets the indented form a human
	// reads more easily.
	var data []byte
	if isatty.IsTerminal(os.Stdout.Fd()) {
		data, err = xml.MarshalIndent(out, "", "  ")
	} else {
		data, err = xml.Marshal(out)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type CreateHostCmd struct {
	Name string `arg:"" help:"host name"`
}

func (c *CreateHostCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	reply, err := client.Call(ctx, "/Host", "HostList", "createHost", map[string]any{"name": c.Name})
	if err != nil {
		return err
	}
	fmt.Println(reply["path"])
	return nil
}

type RemoveHostCmd struct {
	Name string `arg:"" help:"host name"`
}

func (c *RemoveHostCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Call(ctx, "/Host", "HostList", "removeHost", map[string]any{"name": c.Name})
	return err
}

type CreateTestCmd struct {
	ContainerPath string `arg:"" help:"path of a container with a test set"`
	Name          string `arg:"" help:"test name"`
}

func (c *CreateTestCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	reply, err := client.Call(ctx, c.ContainerPath, "Testset", "createTest", map[string]any{"name": c.Name})
	if err != nil {
		return err
	}
	fmt.Println(reply["path"])
	return nil
}

type DeleteCmd struct {
	Path string `arg:"" help:"container path to delete"`
}

func (c *DeleteCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Call(ctx, c.Path, "Container", "delete", nil)
	return err
}

type DownloadFileCmd struct {
	Path string `arg:"" help:"Tmpfile object path"`
	Out  string `arg:"" help:"local path to write the content to"`
}

func (c *DownloadFileCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	const chunkSize = 64 << 10
	var content []byte
	for offset := 0; ; offset += chunkSize {
		reply, err := client.Call(ctx, c.Path, "Tmpfile", "retrieve", map[string]any{"offset": offset, "count": chunkSize})
		if err != nil {
			return err
		}
		chunk, err := base64.StdEncoding.DecodeString(toString(reply["bytes"]))
		if err != nil {
			return err
		}
		content = append(content, chunk...)
		if len(chunk) < chunkSize {
			break
		}
	}
	return os.WriteFile(c.Out, content, 0o644)
}

type UploadFileCmd struct {
	ContainerPath string `arg:"" help:"path of a container with a file set"`
	Name          string `arg:"" help:"name to give the new file"`
	Local         string `arg:"" help:"local file to upload"`
	Mode          uint8  `default:"1" help:"file mode bitmask (1=read 2=write 4=exec)"`
}

func (c *UploadFileCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	content, err := os.ReadFile(c.Local)
	if err != nil {
		return err
	}
	reply, err := client.Call(ctx, c.ContainerPath, "Fileset", "createFile", map[string]any{"name": c.Name, "mode": c.Mode})
	if err != nil {
		return err
	}
	path := toString(reply["path"])

	const chunkSize = 64 << 10
	for offset := 0; offset < len(content); offset += chunkSize {
		end := offset + chunkSize
		if end > len(content) {
			end = len(content)
		}
		chunk := base64.StdEncoding.EncodeToString(content[offset:end])
		if _, err := client.Call(ctx, path, "Tmpfile", "append", map[string]any{"bytes": chunk}); err != nil {
			return err
		}
	}
	fmt.Println(path)
	return nil
}

// ClaimHostCmd implements the client-side composite claim of spec.md §4.2,
// either by exact name or by scanning for a ready host with a capability.
type ClaimHostCmd struct {
	ContainerPath string        `arg:"" help:"container to attach the claimed host to"`
	Role          string        `arg:"" help:"role name to claim the host under"`
	Name          string        `default:"" help:"claim this exact host by name"`
	Capability    string        `default:"" help:"claim any ready host advertising this capability (\"any\" matches every host)"`
	Timeout       time.Duration `default:"0s" help:"how long to wait for a matching host to become ready (0 means don't wait)"`
}

func (c *ClaimHostCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout+c.Timeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	deadline := time.Now().Add(c.Timeout)
	const pollInterval = 500 * time.Millisecond
	for {
		reply, err := client.Call(ctx, "/Host", "HostList", "list", nil)
		if err != nil {
			return err
		}
		hosts := toSlice(reply["hosts"])

		var match map[string]any
		if c.Name != "" {
			for _, raw := range hosts {
				h, _ := raw.(map[string]any)
				if toString(h["name"]) == c.Name {
					match = h
					break
				}
			}
		} else {
			for _, raw := range hosts {
				h, _ := raw.(map[string]any)
				if hostMatchesCapability(h, c.Capability) {
					match = h
					break
				}
			}
		}

		if match != nil {
			if !toBool(match["agent-live"]) {
				return fmt.Errorf("testbus: host %q has no live agent", toString(match["name"]))
			}
			if toString(match["owner"]) != "" {
				return fmt.Errorf("testbus: host %q is already claimed", toString(match["name"]))
			}
			_, err := client.Call(ctx, c.ContainerPath, "Hostset", "addHost", map[string]any{"role": c.Role, "path": toString(match["path"])})
			if err == nil {
				fmt.Println(match["path"])
			}
			return err
		}

		if c.Timeout <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("testbus: no matching host found")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func hostMatchesCapability(h map[string]any, capability string) bool {
	if !toBool(h["agent-live"]) || !toBool(h["ready"]) || toString(h["owner"]) != "" {
		return false
	}
	if capability == "" || capability == "any" {
		return true
	}
	for _, cap := range toStringSlice(h["capabilities"]) {
		if cap == capability {
			return true
		}
	}
	return false
}

type CreateCommandCmd struct {
	ContainerPath string            `arg:"" help:"container with a command queue"`
	Argv          []string          `arg:"" help:"argv to run"`
	Env           map[string]string `help:"extra environment variables" mapsep:","`
}

func (c *CreateCommandCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Call(ctx, c.ContainerPath, "CommandQueue", "createCommand", map[string]any{"argv": c.Argv, "options": map[string]any{}})
	if err != nil {
		return err
	}
	path := toString(reply["path"])
	for k, v := range c.Env {
		if _, err := client.Call(ctx, path, "Environment", "setenv", map[string]any{"name": k, "value": v}); err != nil {
			return err
		}
	}
	fmt.Println(path)
	return nil
}

type RunCommandCmd struct {
	HostPath    string        `arg:"" help:"claimed host to run the command on"`
	CommandPath string        `arg:"" help:"command object to run"`
	Timeout     time.Duration `default:"0s" help:"how long to wait for the process to finish (0 means wait forever)"`
	Terminal    bool          `default:"false" help:"the command was created with use-terminal; put the local terminal in raw mode while waiting"`
}

func (c *RunCommandCmd) Run(cctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if c.Terminal && isatty.IsTerminal(os.Stdin.Fd()) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("testbus: entering raw terminal mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	callCtx, cancel := context.WithTimeout(ctx, bus.DefaultCallTimeout)
	reply, err := client.Call(callCtx, c.HostPath, "Host", "run", map[string]any{"commandPath": c.CommandPath})
	cancel()
	if err != nil {
		return err
	}
	processPath := toString(reply["processPath"])

	info, err := waitForExit(ctx, client, processPath, c.Timeout)
	if err != nil {
		return err
	}
	printExitInfo(processPath, info)
	os.Exit(exitCode(info))
	return nil
}

type WaitCommandCmd struct {
	ProcessPath string        `arg:"" help:"process object to wait on"`
	Timeout     time.Duration `default:"0s" help:"how long to wait (0 means wait forever)"`
}

func (c *WaitCommandCmd) Run(cctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := waitForExit(ctx, client, c.ProcessPath, c.Timeout)
	if err != nil {
		return err
	}
	printExitInfo(c.ProcessPath, info)
	os.Exit(exitCode(info))
	return nil
}

// waitForExit subscribes to Process.processExited and blocks until it
// fires, the ctx is cancelled, or timeout elapses.
func waitForExit(ctx context.Context, client *bus.Client, processPath string, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exited := make(chan map[string]any, 1)
	client.Subscribe(processPath, "Process", func(env *bus.Envelope) {
		if env.Method != "processExited" {
			return
		}
		info, _ := env.Args["info"].(map[string]any)
		select {
		case exited <- info:
		default:
		}
	})
	defer client.Unsubscribe(processPath, "Process")

	select {
	case info := <-exited:
		return info, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("testbus: waiting for %s: %w", processPath, ctx.Err())
	case <-client.Done():
		return nil, fmt.Errorf("testbus: connection to master lost while waiting for %s", processPath)
	}
}

func printExitInfo(processPath string, info map[string]any) {
	parts := make([]string, 0, len(info))
	for k, v := range info {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	slog.Info("testbus: process exited", "path", processPath, "info", strings.Join(parts, " "))
}

// exitCode implements spec.md §6's "for run-command, the exit code is the
// child's exit code if the child exited normally, otherwise 1."
func exitCode(info map[string]any) int {
	if code, ok := info["exit-code"]; ok {
		return int(toInt(code))
	}
	return 1
}

type SetenvCmd struct {
	Path  string `arg:"" help:"container path"`
	Name  string `arg:"" help:"variable name"`
	Value string `arg:"" help:"variable value"`
}

func (c *SetenvCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Call(ctx, c.Path, "Environment", "setenv", map[string]any{"name": c.Name, "value": c.Value})
	return err
}

type GetenvCmd struct {
	Path string `arg:"" help:"container path"`
	Name string `arg:"" help:"variable name"`
}

func (c *GetenvCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	reply, err := client.Call(ctx, c.Path, "Environment", "getenv", map[string]any{"name": c.Name})
	if err != nil {
		return err
	}
	fmt.Println(toString(reply["value"]))
	return nil
}

type GetEventsCmd struct {
	Path  string `arg:"" help:"event log object path"`
	Since uint64 `default:"0" help:"only return events with a sequence number greater than this"`
	Purge bool   `default:"false" help:"purge every returned event after printing it"`
}

func (c *GetEventsCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Call(ctx, c.Path, "Eventlog", "getEvents", map[string]any{"since": c.Since})
	if err != nil {
		return err
	}
	var lastSeq uint64
	for _, raw := range toSlice(reply["events"]) {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		seq := toUint64(e["iseq"])
		if seq > lastSeq {
			lastSeq = seq
		}
		fmt.Printf("%d %s.%s %v\n", seq, toString(e["class"]), toString(e["type"]), e["payload"])
	}
	if c.Purge && lastSeq > 0 {
		_, err = client.Call(ctx, c.Path, "Eventlog", "purge", map[string]any{"uptoSeq": lastSeq})
	}
	return err
}

// FetchAgentFileCmd implements the master-mediated Agent.Filesystem.download
// proxy of spec.md §4.4: reads a file straight off the agent's own
// filesystem (e.g. a log outside anything a Tmpfile ever captured), as
// opposed to DownloadFileCmd which reads a Tmpfile object's buffered content.
type FetchAgentFileCmd struct {
	HostPath string `arg:"" help:"Host object path"`
	Remote   string `arg:"" help:"absolute path of the file on the agent's filesystem"`
	Out      string `arg:"" help:"local path to write the content to"`
}

func (c *FetchAgentFileCmd) Run(cctx *Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, bus.DefaultCallTimeout)
	defer dialCancel()
	client, err := dial(dialCtx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	infoCtx, infoCancel := context.WithTimeout(ctx, bus.DefaultCallTimeout)
	info, err := client.Call(infoCtx, c.HostPath, "Host", "agentFileInfo", map[string]any{"path": c.Remote})
	infoCancel()
	if err != nil {
		return err
	}
	infoMap, _ := info["info"].(map[string]any)
	size := toUint64(infoMap["size"])

	const chunkSize = 64 << 10
	var content []byte
	for uint64(len(content)) < size {
		callCtx, cancel := context.WithTimeout(ctx, bus.DefaultCallTimeout)
		reply, err := client.Call(callCtx, c.HostPath, "Host", "agentFileDownload", map[string]any{
			"path": c.Remote, "offset": uint64(len(content)), "count": uint32(chunkSize),
		})
		cancel()
		if err != nil {
			return err
		}
		chunk, err := base64.StdEncoding.DecodeString(toString(reply["bytes"]))
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		content = append(content, chunk...)
	}
	return os.WriteFile(c.Out, content, 0o644)
}

// DeployAgentFileCmd implements the master-mediated Agent.Filesystem.upload
// proxy of spec.md §4.4: stages a local test asset straight onto the
// agent's filesystem, outside the Fileset/Tmpfile object graph entirely.
type DeployAgentFileCmd struct {
	HostPath string `arg:"" help:"Host object path"`
	Local    string `arg:"" help:"local file to upload"`
	Remote   string `arg:"" help:"absolute destination path on the agent's filesystem"`
}

func (c *DeployAgentFileCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	content, err := os.ReadFile(c.Local)
	if err != nil {
		return err
	}
	_, err = client.Call(ctx, c.HostPath, "Host", "agentFileUpload", map[string]any{
		"path": c.Remote, "offset": uint64(0), "bytes": content,
	})
	return err
}

type ShutdownCmd struct {
	Path string `arg:"" optional:"" default:"/Host" help:"Host or HostList path to shut down"`
}

func (c *ShutdownCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	iface := "Host"
	if c.Path == "/Host" {
		iface = "HostList"
	}
	_, err = client.Call(ctx, c.Path, iface, "shutdown", nil)
	return err
}

type RebootCmd struct {
	Path string `arg:"" optional:"" default:"/Host" help:"Host or HostList path to reboot"`
}

func (c *RebootCmd) Run(cctx *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultCallTimeout)
	defer cancel()
	client, err := dial(ctx, cctx.Addr)
	if err != nil {
		return err
	}
	defer client.Close()
	iface := "Host"
	if c.Path == "/Host" {
		iface = "HostList"
	}
	_, err = client.Call(ctx, c.Path, iface, "reboot", nil)
	return err
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toStringSlice(v any) []string {
	raw := toSlice(v)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
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
	default:
		return 0
	}
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

func initSlog(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/testbus.yaml", "~/.testbus.yaml"),
		kong.Description("testbus drives the master's object graph from the command line."))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("log-level", complete.PredictSet("debug", "info", "warn", "error")))

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	initSlog(cli.LogLevel)

	ctx.FatalIfErrorf(ctx.Run(&Context{Addr: cli.Addr}, parser))
}
