package graph

import (
	"log/slog"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
)

// ProcessState is the per-process state machine of spec.md §4.3:
// created -> scheduled -> running -> {exited | crashed | transcended | timed_out}.
type ProcessState string

const (
	StateCreated     ProcessState = "created"
	StateScheduled   ProcessState = "scheduled"
	StateRunning     ProcessState = "running"
	StateExited      ProcessState = "exited"
	StateCrashed     ProcessState = "crashed"
	StateTranscended ProcessState = "transcended"
	StateTimedOut    ProcessState = "timed_out"
)

func isTerminal(s ProcessState) bool {
	switch s {
	case StateExited, StateCrashed, StateTranscended, StateTimedOut:
		return true
	default:
		return false
	}
}

// CommandData is the Command-class extension: argv plus the use-terminal
// option (spec.md §4.3 step 1).
type CommandData struct {
	Argv        []string
	UseTerminal bool
}

// ProcessData is the Process-class extension: which command it runs, on
// which host, and its current lifecycle state / exit classification.
type ProcessData struct {
	CommandPath string
	HostPath    string
	State       ProcessState
	ExitInfo    map[string]any
}

// CreateCommand implements CommandQueue.createCommand (spec.md §4.3 step 1):
// any container carrying a command queue can create one; it inherits the
// container's environment and file set by virtue of being its child (the
// upward merge walk picks that up at run time, see effectiveEnvAndFiles).
func (g *Graph) CreateCommand(containerPath string, argv []string, options map[string]any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent := g.container(containerPath)
	if parent == nil || !parent.Features().Has(model.FeatureCommands) {
		return "", model.Errorf(model.NotCompatible, "CommandQueue.createCommand", containerPath, "not a command-bearing container")
	}
	if len(argv) == 0 {
		return "", model.Errorf(model.InvalidArgs, "CommandQueue.createCommand", containerPath, "argv must not be empty")
	}

	c, err := g.createChildLocked(containerPath, model.ClassCommand, "", model.FeatureEnv|model.FeatureFiles)
	if err != nil {
		return "", err
	}
	useTerminal, _ := options["use-terminal"].(bool)
	g.commands[c.path] = &CommandData{Argv: append([]string{}, argv...), UseTerminal: useTerminal}
	return c.path, nil
}

// Files on a command are created through (*Graph).CreateFile in file.go;
// Command is simply a Fileset-carrying container like any other.

// Run implements Host.run (spec.md §4.3 step 3): creates a Process
// container parented to the host and owned by the command, computes its
// merged environment and file set, clones output-mode files per-process,
// and emits processScheduled on the host path.
func (g *Graph) Run(hostPath, commandPath string) (string, error) {
	g.mu.Lock()

	hc := g.container(hostPath)
	hd, ok := g.hosts[hostPath]
	if hc == nil || !ok {
		g.mu.Unlock()
		return "", model.Errorf(model.NotCompatible, "Host.run", hostPath, "not a host")
	}
	if hd.AgentBusName == "" || !g.hub.IsLive(hd.AgentBusName) {
		g.mu.Unlock()
		return "", model.Errorf(model.AgentOffline, "Host.run", hostPath, "host has no live agent")
	}
	cd, ok := g.commands[commandPath]
	if !ok {
		g.mu.Unlock()
		return "", model.Errorf(model.NameUnknown, "Host.run", commandPath, "no such command")
	}

	pc, err := g.createChildLocked(hostPath, model.ClassProcess, "", model.FeatureEnv|model.FeatureFiles)
	if err != nil {
		g.mu.Unlock()
		return "", err
	}
	pc.setOwner(commandPath)
	g.processes[pc.path] = &ProcessData{CommandPath: commandPath, HostPath: hostPath, State: StateCreated}

	env := g.effectiveEnvLocked(commandPath, hostPath)
	files := g.effectiveFilesLocked(commandPath, hostPath)

	// Clone every output-mode (WRITE) file inherited from the command into
	// a fresh per-process File, so concurrent executions of the same
	// command do not collide (spec.md §3, scenario 3).
	fileDescs := make([]map[string]any, 0, len(files))
	for name, srcPath := range files {
		fd := g.files[srcPath]
		if fd == nil {
			continue
		}
		targetPath := srcPath
		if fd.Mode&ModeWrite != 0 {
			clonePath, err := g.createFileLocked(pc.path, name, fd.Mode)
			if err == nil {
				targetPath = clonePath
			}
		}
		cfd := g.files[targetPath]
		fileDescs = append(fileDescs, map[string]any{
			"name":        name,
			"inode":       cfd.Inode,
			"iseq":        cfd.Seq,
			"mode":        uint32(cfd.Mode),
			"object-path": targetPath,
		})
	}

	argv := expandArgv(cd.Argv, env)
	pd := g.processes[pc.path]
	pd.State = StateScheduled
	agentName := hd.AgentBusName
	processPath := pc.path

	g.mu.Unlock()

	spec := map[string]any{
		"argv":        argv,
		"env":         RewriteReserved(env),
		"object-path": processPath,
		"use-terminal": cd.UseTerminal,
	}
	slog.Info("graph.Run", "host", hostPath, "command", commandPath, "process", processPath)
	if err := g.hub.Send(agentName, &bus.Envelope{
		Kind: bus.KindSignal, Path: hostPath, Interface: "Host", Method: "processScheduled",
		Args: map[string]any{"spec": spec, "files": fileDescs},
	}); err != nil {
		return "", model.Wrap(model.AgentOffline, "Host.run", hostPath, err)
	}
	return processPath, nil
}

func (g *Graph) effectiveEnvLocked(commandPath, hostPath string) map[string]string {
	cmdContainer := g.container(commandPath)
	hostContainer := g.container(hostPath)
	chain := []*envStore{cmdContainer.env, hostContainer.env}
	chain = append(chain, g.MergeEnvChain(cmdContainer.parentPath)...)
	return MergeEnv(chain...)
}

func (g *Graph) effectiveFilesLocked(commandPath, hostPath string) map[string]string {
	result := make(map[string]string)
	cmdContainer := g.container(commandPath)
	hostContainer := g.container(hostPath)
	for name, p := range cmdContainer.fileChildren {
		result[name] = p
	}
	for name, p := range hostContainer.fileChildren {
		if _, exists := result[name]; !exists {
			result[name] = p
		}
	}
	for name, p := range g.MergeFiles(cmdContainer.parentPath) {
		if _, exists := result[name]; !exists {
			result[name] = p
		}
	}
	return result
}

// SetExitInfo implements Process.setExitInfo (spec.md §4.3 step 6):
// advances the process to a terminal state and emits processExited.
func (g *Graph) SetExitInfo(path string, info map[string]any) error {
	g.mu.Lock()
	pd, ok := g.processes[path]
	if !ok {
		g.mu.Unlock()
		return model.Errorf(model.NameUnknown, "Process.setExitInfo", path, "no such process")
	}
	pd.State = classifyExit(info)
	pd.ExitInfo = info
	hostPath := pd.HostPath
	state := pd.State
	g.mu.Unlock()

	_ = hostPath
	slog.Info("graph.SetExitInfo", "path", path, "state", state)
	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Process", Method: "processExited", Args: map[string]any{"info": info}})
	return nil
}

func classifyExit(info map[string]any) ProcessState {
	if how, ok := info["how"].(string); ok && how == "timed_out" {
		return StateTimedOut
	}
	if _, ok := info["exit-code"]; ok {
		return StateExited
	}
	if _, ok := info["exit-signal"]; ok {
		return StateCrashed
	}
	return StateTranscended
}

// ProcessInfo is a read-only snapshot for the CLI / wait-command path.
type ProcessInfo struct {
	Path        string
	CommandPath string
	HostPath    string
	State       ProcessState
	ExitInfo    map[string]any
}

func (g *Graph) ProcessSnapshot(path string) (ProcessInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pd, ok := g.processes[path]
	if !ok {
		return ProcessInfo{}, model.Errorf(model.NameUnknown, "Process", path, "no such process")
	}
	return ProcessInfo{Path: path, CommandPath: pd.CommandPath, HostPath: pd.HostPath, State: pd.State, ExitInfo: pd.ExitInfo}, nil
}
