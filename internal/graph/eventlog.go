package graph

import (
	"log/slog"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
)

// Event is one entry appended to a host's event log (spec.md §4.5): a
// monotonically increasing sequence number, a class/type pair describing
// what produced it (e.g. a file-tail monitor), and an opaque payload.
type Event struct {
	Seq     uint64
	Class   string
	Type    string
	Payload map[string]any
}

// EventLogData is the Eventlog-class extension: every host gets exactly one,
// created alongside the host itself (spec.md §4.5: "each host carries a
// single event log; monitors attached to that host all append to it").
type EventLogData struct {
	Events  []Event
	LastSeq uint64
	// consumed is the watermark set by the last purge(seq): everything up
	// to and including this sequence number may be dropped from Events on
	// the next compaction pass.
	Consumed uint64
}

// createEventLogLocked builds the singleton Eventlog child of a newly
// created host and returns its path. Caller must hold g.mu.
func (g *Graph) createEventLogLocked(hostPath string) string {
	c, err := g.createChildLocked(hostPath, model.ClassEvent, "events", 0)
	if err != nil {
		// Hosts are created with no prior "events" child, so this can only
		// fail on an internal bug; surface it loudly rather than silently
		// leaving the host without a log.
		slog.Error("graph: failed to create event log", "host", hostPath, "err", err)
		return ""
	}
	g.eventlogs[c.path] = &EventLogData{}
	return c.path
}

// AddEvent implements Eventlog.add (spec.md §4.5): appends one event and
// broadcasts eventsAdded so subscribers waiting on the log wake up.
func (g *Graph) AddEvent(path, class, typ string, payload map[string]any) (uint64, error) {
	g.mu.Lock()
	el, ok := g.eventlogs[path]
	if !ok {
		g.mu.Unlock()
		return 0, model.Errorf(model.NameUnknown, "Eventlog.add", path, "no such event log")
	}
	el.LastSeq++
	seq := el.LastSeq
	el.Events = append(el.Events, Event{Seq: seq, Class: class, Type: typ, Payload: payload})
	g.mu.Unlock()

	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Eventlog", Method: "eventsAdded", Args: map[string]any{"lastSeq": seq}})
	return seq, nil
}

// Events returns every event with Seq > since, in order — the read side a
// waiting client polls after eventsAdded fires.
func (g *Graph) Events(path string, since uint64) ([]Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.eventlogs[path]
	if !ok {
		return nil, model.Errorf(model.NameUnknown, "Eventlog.events", path, "no such event log")
	}
	var out []Event
	for _, e := range el.Events {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastSeq returns the event log's high-water mark: the highest sequence
// number ever assigned, independent of what Events currently returns (a
// purge can empty Events without resetting this).
func (g *Graph) LastSeq(path string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.eventlogs[path]
	if !ok {
		return 0, model.Errorf(model.NameUnknown, "Eventlog.getEvents", path, "no such event log")
	}
	return el.LastSeq, nil
}

// PurgeUpTo implements the purge(seq) form of Eventlog.purge: everything up
// to and including seq is marked consumed and may be compacted away. PurgeAll
// implements the purge(0) form ("flush everything retained so far") — kept as
// two named helpers rather than one ambiguous purge(n) per the source's own
// overloaded semantics (resolved open question, see DESIGN.md).
func (g *Graph) PurgeUpTo(path string, seq uint64) error {
	return g.purgeLocked(path, seq)
}

func (g *Graph) PurgeAll(path string) error {
	return g.purgeLocked(path, 0)
}

func (g *Graph) purgeLocked(path string, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.eventlogs[path]
	if !ok {
		return model.Errorf(model.NameUnknown, "Eventlog.purge", path, "no such event log")
	}
	watermark := seq
	if seq == 0 {
		watermark = el.LastSeq
	}
	if watermark > el.Consumed {
		el.Consumed = watermark
	}
	kept := el.Events[:0]
	for _, e := range el.Events {
		if e.Seq > el.Consumed {
			kept = append(kept, e)
		}
	}
	el.Events = kept
	return nil
}
