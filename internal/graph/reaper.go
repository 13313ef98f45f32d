package graph

import (
	"log/slog"
	"sync"
	"time"

	"github.com/banksean/testbus/internal/bus"
)

// DefaultReaperDelay is the policy-determined grace period spec.md §4.3/§9
// leaves unresolved in the original source: how long a scheduled process
// may sit without an agent to resolve it before the master gives up and
// marks it timed_out.
const DefaultReaperDelay = 5 * time.Minute

// Reaper implements the open question from spec.md §9 ("Pending processes
// on an agent that disconnects have no explicit timeout or cleanup path in
// the source... implementers should add a policy-driven reaper"). One timer
// is armed per host whenever its agent disconnects; when it fires, every
// process on the host still in the created/scheduled/running state is
// marked timed_out. Reconnecting before the timer fires cancels it
// (Reconnect calls CancelHost).
type Reaper struct {
	g     *Graph
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // hostPath -> timer
}

func NewReaper(g *Graph) *Reaper {
	return &Reaper{g: g, delay: DefaultReaperDelay, timers: make(map[string]*time.Timer)}
}

// ArmHost schedules a timed_out sweep for every not-yet-terminal process on
// hostPath, to fire after r.delay unless CancelHost is called first.
func (r *Reaper) ArmHost(hostPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timers[hostPath]; exists {
		return
	}
	r.timers[hostPath] = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		delete(r.timers, hostPath)
		r.mu.Unlock()
		r.sweep(hostPath)
	})
}

// CancelHost disarms a pending sweep, called when the host's agent
// reconnects and takes responsibility for resolving its own processes.
func (r *Reaper) CancelHost(hostPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[hostPath]; ok {
		t.Stop()
		delete(r.timers, hostPath)
	}
}

func (r *Reaper) sweep(hostPath string) {
	g := r.g
	g.mu.Lock()
	var toMark []string
	for path, pd := range g.processes {
		if pd.HostPath != hostPath {
			continue
		}
		if pd.State == StateScheduled || pd.State == StateRunning || pd.State == StateCreated {
			toMark = append(toMark, path)
		}
	}
	g.mu.Unlock()

	for _, path := range toMark {
		g.mu.Lock()
		pd, ok := g.processes[path]
		if !ok || isTerminal(pd.State) {
			g.mu.Unlock()
			continue
		}
		pd.State = StateTimedOut
		pd.ExitInfo = map[string]any{"how": "timed_out"}
		exitInfo := pd.ExitInfo
		g.mu.Unlock()
		slog.Warn("graph.Reaper: marking orphaned process timed_out", "path", path, "host", hostPath)
		g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Process", Method: "processExited", Args: map[string]any{"info": exitInfo}})
	}
}
