package graph

import (
	"log/slog"
	"sort"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
	"github.com/banksean/testbus/internal/namegen"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// HostData is the Host-class extension of spec.md §3: uuid, capability set,
// the bus name of the owning agent connection, role, and ready state.
// "Claimed by" lives on the host's Container (OwnerPath), per spec.md's
// "H.owner == K" invariant (§8).
type HostData struct {
	UUID         string
	Capabilities map[string]bool
	AgentBusName string
	Role         string
	Ready        bool
	EventLogPath string
}

// CreateHost implements HostList.createHost (spec.md §4.2): a fresh host
// with a freshly generated uuid, owned (in the agent-connection sense) by
// the calling bus peer.
func (g *Graph) CreateHost(callerBusName, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createHostLocked(callerBusName, name, uuid.New().String())
}

func (g *Graph) createHostLocked(callerBusName, name, hostUUID string) (string, error) {
	if name == "" {
		name = namegen.Generate()
	}
	c, err := g.createChildLocked(g.hostListPath, model.ClassHost, name,
		model.FeatureEnv|model.FeatureCommands|model.FeatureProcesses|model.FeatureFiles)
	if err != nil {
		return "", err
	}
	hd := &HostData{
		UUID:         hostUUID,
		Capabilities: make(map[string]bool),
		AgentBusName: callerBusName,
	}
	g.hosts[c.path] = hd
	hd.EventLogPath = g.createEventLogLocked(c.path)

	slog.Info("graph.CreateHost", "path", c.path, "name", name, "agent", callerBusName)
	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: c.path, Interface: "Host", Method: "connected"})
	return c.path, nil
}

// Reconnect implements HostList.reconnect (spec.md §4.2 and the resolved
// open question in spec.md §9): unknown name -> first registration adopting
// the supplied uuid; matching name+uuid with no live owner -> reattach;
// uuid mismatch or a still-live owner -> NAME_EXISTS.
func (g *Graph) Reconnect(callerBusName, name string, hostUUID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path, ok := g.hostListContainer().childPath(model.ClassHost, name)
	if !ok {
		return g.createHostLocked(callerBusName, name, hostUUID)
	}

	hd := g.hosts[path]
	if hd.UUID != hostUUID {
		return "", model.Errorf(model.NameExists, "HostList.reconnect", path, "host %q uuid mismatch", name)
	}
	if hd.AgentBusName != "" && g.hub.IsLive(hd.AgentBusName) {
		return "", model.Errorf(model.NameExists, "HostList.reconnect", path, "host %q already owned by a live agent", name)
	}
	hd.AgentBusName = callerBusName
	slog.Info("graph.Reconnect", "path", path, "name", name, "agent", callerBusName)
	g.reaper.CancelHost(path)
	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Host", Method: "connected"})
	return path, nil
}

func (g *Graph) hostListContainer() *Container { return g.container(g.hostListPath) }

// RemoveHost implements HostList.removeHost.
func (g *Graph) RemoveHost(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	path, ok := g.hostListContainer().childPath(model.ClassHost, name)
	if !ok {
		return model.Errorf(model.NameUnknown, "HostList.removeHost", "", "no such host %q", name)
	}
	return g.deleteLocked(path)
}

// AddCapability implements Host.addCapability (idempotent append).
func (g *Graph) AddCapability(path, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	hd, ok := g.hosts[path]
	if !ok {
		return model.Errorf(model.NameUnknown, "Host.addCapability", path, "no such host")
	}
	if err := model.ValidateIdentifier("Host.addCapability", name); err != nil {
		return err
	}
	hd.Capabilities[name] = true
	return nil
}

// Capabilities returns a sorted snapshot of a host's capability set.
func (g *Graph) Capabilities(path string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	hd, ok := g.hosts[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(hd.Capabilities))
	for c := range hd.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SetReady marks a host ready and fires the ready() signal (spec.md §6).
// Claiming by capability reads the Ready flag by polling HostList.list; it
// does not wait on this signal.
func (g *Graph) SetReady(path string, ready bool) error {
	g.mu.Lock()
	hd, ok := g.hosts[path]
	if !ok {
		g.mu.Unlock()
		return model.Errorf(model.NameUnknown, "Host.ready", path, "no such host")
	}
	hd.Ready = ready
	g.mu.Unlock()
	if ready {
		g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Host", Method: "ready"})
	}
	return nil
}

// HostInfo is a read-only snapshot used by claiming and the CLI.
type HostInfo struct {
	Path         string
	Name         string
	UUID         string
	Capabilities []string
	AgentLive    bool
	Ready        bool
	Role         string
	Owner        string
}

func (g *Graph) hostInfoLocked(path string) HostInfo {
	c := g.container(path)
	hd := g.hosts[path]
	caps := make([]string, 0, len(hd.Capabilities))
	for capName := range hd.Capabilities {
		caps = append(caps, capName)
	}
	sort.Strings(caps)
	return HostInfo{
		Path:         path,
		Name:         c.name,
		UUID:         hd.UUID,
		Capabilities: caps,
		AgentLive:    hd.AgentBusName != "" && g.hub.IsLive(hd.AgentBusName),
		Ready:        hd.Ready,
		Role:         hd.Role,
		Owner:        c.OwnerPath(),
	}
}

// ListHosts returns every host under /Host.
func (g *Graph) ListHosts() []HostInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]HostInfo, 0, len(g.hosts))
	for path := range g.hosts {
		out = append(out, g.hostInfoLocked(path))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HostShutdown / HostReboot emit the per-host signals of spec.md §4.2
// ("The agent decides whether to honor them (configurable)").
func (g *Graph) HostShutdown(path string) error {
	return g.emitHostSignal(path, "shutdownRequested")
}

func (g *Graph) HostReboot(path string) error {
	return g.emitHostSignal(path, "rebootRequested")
}

func (g *Graph) emitHostSignal(path, method string) error {
	g.mu.Lock()
	hd, ok := g.hosts[path]
	g.mu.Unlock()
	if !ok {
		return model.Errorf(model.NameUnknown, "Host."+method, path, "no such host")
	}
	if hd.AgentBusName == "" || !g.hub.IsLive(hd.AgentBusName) {
		return model.Errorf(model.AgentOffline, "Host."+method, path, "host has no live agent")
	}
	return g.hub.Send(hd.AgentBusName, &bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Host", Method: method})
}

// BroadcastShutdown / BroadcastReboot implement HostList.shutdown/reboot
// (spec.md §4.2: "broadcast to every child host"), aggregating independent
// per-host failures with go-multierror rather than stopping at the first.
func (g *Graph) BroadcastShutdown() error { return g.broadcastToHosts("shutdownRequested") }
func (g *Graph) BroadcastReboot() error   { return g.broadcastToHosts("rebootRequested") }

func (g *Graph) broadcastToHosts(method string) error {
	g.mu.Lock()
	paths := make([]string, 0, len(g.hosts))
	for p := range g.hosts {
		paths = append(paths, p)
	}
	g.mu.Unlock()

	var errs *multierror.Error
	for _, p := range paths {
		if err := g.emitHostSignal(p, method); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// AddHost implements Hostset.addHost (spec.md §4.2): attach an existing host
// to container at containerPath under role, failing if the role is taken in
// that container or the host is already claimed elsewhere.
func (g *Graph) AddHost(containerPath, role, hostPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	container := g.container(containerPath)
	if container == nil || !container.Features().Has(model.FeatureHosts) {
		return model.Errorf(model.NotCompatible, "Hostset.addHost", containerPath, "not a host-bearing container")
	}
	hc := g.container(hostPath)
	hd, ok := g.hosts[hostPath]
	if hc == nil || !ok {
		return model.Errorf(model.NotCompatible, "Hostset.addHost", hostPath, "not a host")
	}

	if role == "" {
		if hc.OwnerPath() != containerPath {
			return model.Errorf(model.NotCompatible, "Hostset.addHost", hostPath, "not claimed by %s", containerPath)
		}
		hd.Role = ""
		hc.setOwner("")
		container.removeChildName(model.ClassHost, hc.name)
		return nil
	}

	if hd.Role == role && hc.OwnerPath() == containerPath {
		return nil // idempotent re-claim by the same owner, spec.md §3
	}
	if hd.Role != "" {
		return model.Errorf(model.InUse, "Hostset.addHost", hostPath, "host already claimed under role %q", hd.Role)
	}
	for _, hp := range g.rolesOf(containerPath) {
		if hp.role == role {
			return model.Errorf(model.InUse, "Hostset.addHost", containerPath, "role %q already in use", role)
		}
	}

	hd.Role = role
	hc.setOwner(containerPath)
	container.addChildName(model.ClassHost, hc.name, hostPath)
	return nil
}

type roleEntry struct {
	role string
	path string
}

func (g *Graph) rolesOf(containerPath string) []roleEntry {
	var out []roleEntry
	for path, hd := range g.hosts {
		hc := g.container(path)
		if hc != nil && hc.OwnerPath() == containerPath && hd.Role != "" {
			out = append(out, roleEntry{role: hd.Role, path: path})
		}
	}
	return out
}
