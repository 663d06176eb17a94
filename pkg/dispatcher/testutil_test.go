package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"corral/pkg/driver/drivertest"
	"corral/pkg/poller"
	"corral/pkg/reaper"
	"corral/pkg/registry"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) RecordEvent(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// indexOf returns the position of the first event of typ for worker, or -1.
func (s *recordingSink) indexOf(typ, worker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.Type == typ && e.WorkerID == worker {
			return i
		}
	}
	return -1
}

type harness struct {
	fake  *drivertest.Fake
	reg   *registry.Registry
	clock *fakeClock
	sink  *recordingSink
	d     *Dispatcher
}

// newHarness wires a dispatcher over a scripted driver with virtual time:
// poll interval 1s, poll timeout 30s, stability threshold 3, settle 1s.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fake:  drivertest.New(),
		reg:   registry.New(),
		clock: &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		sink:  &recordingSink{},
	}
	h.d = h.dispatcherFor(h.reg)
	return h
}

// dispatcherFor builds a dispatcher over the shared driver but its own
// registry, standing in for a separate supervisor process.
func (h *harness) dispatcherFor(reg *registry.Registry) *Dispatcher {
	p := poller.New(h.fake, reg,
		poller.WithSettings(poller.Settings{Interval: time.Second, Timeout: 30 * time.Second, StabilityThreshold: 3}),
		poller.WithClock(h.clock.Now, h.clock.Sleep),
	)
	r := reaper.New(h.fake, reg, reaper.WithSleep(h.clock.Sleep))
	return New(h.fake, reg, p, r,
		WithConfig(Config{SpawnSettle: time.Second}),
		WithEventSink(h.sink),
		WithClock(h.clock.Now, h.clock.Sleep),
	)
}

func outcomes(run *Run) []Outcome {
	out := make([]Outcome, len(run.Entries))
	for i, e := range run.Entries {
		out[i] = e.Outcome
	}
	return out
}
