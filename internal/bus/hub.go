package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banksean/testbus/internal/model"
)

// Sender is anything that can push one Envelope to a connected peer. Both
// the server-side wrapper (around a grpc.ServerStream) and the client-side
// wrapper (around a grpc.ClientStream) implement it identically, matching
// the teacher's preference for small, function-shaped interfaces
// (container_ops.go's ContainerOps is the same idiom).
type Sender interface {
	Send(env *Envelope) error
}

// Hub is the master's name-owner registry: every connected peer (agent or
// client) is known by its bus name, the dbus-equivalent of a "unique
// connection name" from spec.md §3 ("Lifecycle" — agent disconnect is
// observed via bus name-owner-changed).
type Hub struct {
	mu       sync.Mutex
	peers    map[string]Sender
	watchers []func(name string, connected bool)

	calloutMu  sync.Mutex
	nextCallID uint64
	callouts   map[uint64]callout
}

// callout is one in-flight Hub.Call, tracked by target peer so Unregister
// can fail it immediately on disconnect instead of leaving the caller to
// block out its own context deadline.
type callout struct {
	peerName string
	ch       chan *Envelope
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]Sender)}
}

// Register associates a bus name with its live connection. A second
// registration under the same name replaces the first (a reconnecting
// agent), matching spec.md §4.2's reconnect-by-uuid flow at a layer above
// this one.
func (h *Hub) Register(name string, s Sender) {
	h.mu.Lock()
	h.peers[name] = s
	watchers := append([]func(string, bool){}, h.watchers...)
	h.mu.Unlock()
	for _, w := range watchers {
		w(name, true)
	}
}

// Unregister drops a peer, firing name-owner-changed watchers so the graph
// layer can clear the agent bus name on any hosts it owned (spec.md §3),
// and fails any Hub.Call currently in flight to that peer with AgentOffline
// rather than leaving the caller blocked until its own context deadline.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	delete(h.peers, name)
	watchers := append([]func(string, bool){}, h.watchers...)
	h.mu.Unlock()

	h.calloutMu.Lock()
	var stale []chan *Envelope
	for id, co := range h.callouts {
		if co.peerName == name {
			stale = append(stale, co.ch)
			delete(h.callouts, id)
		}
	}
	h.calloutMu.Unlock()
	for _, ch := range stale {
		ch <- &Envelope{ErrKind: string(model.AgentOffline), ErrMsg: fmt.Sprintf("peer %q disconnected", name)}
	}

	for _, w := range watchers {
		w(name, false)
	}
}

// OnNameOwnerChanged registers a callback invoked whenever a peer connects
// or disconnects.
func (h *Hub) OnNameOwnerChanged(fn func(name string, connected bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers = append(h.watchers, fn)
}

// Send delivers an envelope to a single named peer (used for signals
// addressed to one host, and for call replies).
func (h *Hub) Send(name string, env *Envelope) error {
	h.mu.Lock()
	s, ok := h.peers[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: no peer named %q", name)
	}
	return s.Send(env)
}

// IsLive reports whether name currently has a connected peer (used by
// host-claiming's "has a live agent" check, spec.md §4.2).
func (h *Hub) IsLive(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[name]
	return ok
}

// Call issues a synchronous call onto a named peer's own stream
// (master-to-agent, the reverse of the usual client/agent -> master Call)
// and blocks for its reply or ctx's deadline. This is how the master's
// Agent.Filesystem methods (spec.md §4.4) reach an agent's own
// bus.Client.SetHandler callback rather than the graph's dispatch.
func (h *Hub) Call(ctx context.Context, peerName, path, iface, method string, args map[string]any) (map[string]any, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := atomic.AddUint64(&h.nextCallID, 1)
	ch := make(chan *Envelope, 1)

	h.calloutMu.Lock()
	if h.callouts == nil {
		h.callouts = make(map[uint64]callout)
	}
	h.callouts[id] = callout{peerName: peerName, ch: ch}
	h.calloutMu.Unlock()

	call := &Envelope{Kind: KindCall, CallID: id, Path: path, Interface: iface, Method: method, Args: args}
	if err := h.Send(peerName, call); err != nil {
		h.calloutMu.Lock()
		delete(h.callouts, id)
		h.calloutMu.Unlock()
		return nil, model.Wrap(model.AgentOffline, method, path, err)
	}

	select {
	case reply := <-ch:
		if reply.ErrKind != "" {
			return nil, &model.Error{Kind: model.Kind(reply.ErrKind), Op: method, Path: path, Msg: reply.ErrMsg}
		}
		return reply.Reply, nil
	case <-ctx.Done():
		h.calloutMu.Lock()
		delete(h.callouts, id)
		h.calloutMu.Unlock()
		return nil, model.Errorf(model.MethodCallTimedOut, method, path, "%v", ctx.Err())
	}
}

func (h *Hub) resolveCallout(env *Envelope) {
	h.calloutMu.Lock()
	co, ok := h.callouts[env.CallID]
	delete(h.callouts, env.CallID)
	h.calloutMu.Unlock()
	if ok {
		co.ch <- env
	}
}

// Broadcast delivers an envelope to every connected peer; used for signals
// whose subscribers are not individually tracked at this layer (e.g.
// clients subscribing to processExited, which may arrive before they are
// known — see the spurious-signal handling in client.go).
func (h *Hub) Broadcast(env *Envelope) {
	h.mu.Lock()
	peers := make([]Sender, 0, len(h.peers))
	for _, s := range h.peers {
		peers = append(peers, s)
	}
	h.mu.Unlock()
	for _, s := range peers {
		_ = s.Send(env)
	}
}
