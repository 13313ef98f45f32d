// Package monitor is the agent-side poller of spec.md §4.5: a monitor is
// polymorphic over {poll() -> produced new events, close()}, carries a
// typed event class, and the agent runs a single timer at the minimum of
// every registered monitor's interval, flushing newly queued events to the
// master's event log after each round.
package monitor

import (
	"fmt"
	"io"
	"os"
)

// Event is one entry a Monitor has queued for its owning Runner to push,
// mirroring dborb/monitor.c's ni_monitor_add_event payload shape.
type Event struct {
	Type string // e.g. "data", "truncate" for a FileTail
	Data []byte
}

// Monitor is the capability set spec.md §4.5 describes: Poll reports
// whether it produced new events (Events then drains them), Close releases
// whatever resource it was watching.
type Monitor interface {
	Name() string
	Interval() int // seconds; 0 means "use the runner's default"
	Poll() (bool, error)
	Events() []Event
	Close() error
}

// FileTail is the file-tail monitor class of spec.md §4.5: it keeps an open
// fd and a stat snapshot, emits a "data" event with appended bytes on
// growth, and a "truncate" marker (then reopens) on shrink or replacement.
type FileTail struct {
	name     string
	interval int
	path     string

	f         *os.File
	size      int64
	dev, ino  uint64
	statValid bool

	events []Event
}

// NewFileTail builds a monitor over path, polled every intervalSeconds (the
// teacher's ni_file_monitor_new default is 5).
func NewFileTail(name, path string, intervalSeconds int) *FileTail {
	return &FileTail{name: name, path: path, interval: intervalSeconds}
}

func (m *FileTail) Name() string  { return m.name }
func (m *FileTail) Interval() int { return m.interval }

func (m *FileTail) Events() []Event {
	out := m.events
	m.events = nil
	return out
}

func (m *FileTail) Close() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	m.statValid = false
	return err
}

// Poll mirrors ni_filemon_check_for_events: (re)open the file if it isn't
// open yet, log any bytes appended since the last stat snapshot, then check
// whether the path itself now points at a different file (removed,
// truncated, or replaced) and reopen if so.
func (m *FileTail) Poll() (bool, error) {
	if m.f == nil {
		if err := m.open(); err != nil {
			return false, nil // matches the teacher: a missing file is not an error, just nothing to report yet
		}
		if m.size > 0 {
			if err := m.logData(0, m.size); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	info, err := m.f.Stat()
	if err != nil {
		m.Close()
		return false, fmt.Errorf("monitor: %s: stat: %w", m.path, err)
	}
	if m.statValid && info.Size() < m.size {
		// shrunk in place: mark truncated, reopen, log what is there now
		m.events = append(m.events, Event{Type: "truncate"})
		m.Close()
		if err := m.open(); err == nil && m.size > 0 {
			m.logData(0, m.size)
		}
		return true, nil
	}
	produced := false
	if m.statValid && m.size < info.Size() {
		if err := m.logData(m.size, info.Size()); err != nil {
			return false, err
		}
		produced = true
	}
	m.size = info.Size()
	m.statValid = true

	dev, ino, ok := deviceInode(info)
	pathInfo, statErr := os.Stat(m.path)
	switch {
	case statErr != nil:
		// the file went away: flush what's left, mark truncated, close
		m.events = append(m.events, Event{Type: "truncate"})
		m.Close()
		return true, nil
	case ok:
		pdev, pino, pok := deviceInode(pathInfo)
		if pok && (pdev != dev || pino != ino) {
			m.events = append(m.events, Event{Type: "truncate"})
			m.Close()
			if err := m.open(); err == nil && m.size > 0 {
				m.logData(0, m.size)
			}
			return true, nil
		}
	}
	return produced, nil
}

func (m *FileTail) open() error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	m.f = f
	m.size = info.Size()
	m.statValid = true
	if dev, ino, ok := deviceInode(info); ok {
		m.dev, m.ino = dev, ino
	}
	return nil
}

func (m *FileTail) logData(from, to int64) error {
	if _, err := m.f.Seek(from, io.SeekStart); err != nil {
		return fmt.Errorf("monitor: %s: seek: %w", m.path, err)
	}
	buf := make([]byte, to-from)
	if _, err := io.ReadFull(m.f, buf); err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("monitor: %s: read: %w", m.path, err)
	}
	m.events = append(m.events, Event{Type: "data", Data: buf})
	return nil
}
