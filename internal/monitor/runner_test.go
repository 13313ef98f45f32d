package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeMonitor struct {
	name     string
	interval int
	produced []bool
	events   []Event
	closed   bool
	polls    int
}

func (m *fakeMonitor) Name() string  { return m.name }
func (m *fakeMonitor) Interval() int { return m.interval }

func (m *fakeMonitor) Poll() (bool, error) {
	defer func() { m.polls++ }()
	if m.polls >= len(m.produced) {
		return false, nil
	}
	return m.produced[m.polls], nil
}

func (m *fakeMonitor) Events() []Event {
	out := m.events
	m.events = nil
	return out
}

func (m *fakeMonitor) Close() error {
	m.closed = true
	return nil
}

func TestRunnerMinInterval(t *testing.T) {
	tests := map[string]struct {
		intervals []int
		want      time.Duration
	}{
		"none registered falls back to default": {
			intervals: nil,
			want:      defaultIntervalSeconds * time.Second,
		},
		"single monitor": {
			intervals: []int{10},
			want:      10 * time.Second,
		},
		"picks the smallest": {
			intervals: []int{10, 2, 30},
			want:      2 * time.Second,
		},
		"zero interval treated as default": {
			intervals: []int{0, 20},
			want:      defaultIntervalSeconds * time.Second,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewRunner(nil)
			for i, iv := range tc.intervals {
				r.Register(&fakeMonitor{name: fmt.Sprintf("m%d", i), interval: iv})
			}
			if got := r.minInterval(); got != tc.want {
				t.Errorf("minInterval() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunnerPollOncePushesProducedEvents(t *testing.T) {
	var mu sync.Mutex
	pushed := map[string][]Event{}

	r := NewRunner(func(ctx context.Context, mon Monitor, events []Event) error {
		mu.Lock()
		defer mu.Unlock()
		pushed[mon.Name()] = events
		return nil
	})

	quiet := &fakeMonitor{name: "quiet", produced: []bool{false}}
	noisy := &fakeMonitor{name: "noisy", produced: []bool{true}, events: []Event{{Type: "data", Data: []byte("x")}}}
	r.Register(quiet)
	r.Register(noisy)

	r.pollOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if _, ok := pushed["quiet"]; ok {
		t.Error("monitor that produced no events should not be pushed")
	}
	got, ok := pushed["noisy"]
	if !ok || len(got) != 1 || got[0].Type != "data" {
		t.Errorf("expected noisy monitor's event to be pushed, got %+v (ok=%v)", got, ok)
	}
}

func TestRunnerRunClosesMonitorsOnContextDone(t *testing.T) {
	r := NewRunner(func(ctx context.Context, mon Monitor, events []Event) error { return nil })
	mon := &fakeMonitor{name: "m", interval: 1}
	r.Register(mon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if !mon.closed {
		t.Error("expected monitor to be closed when Run exits")
	}
}
