// Package poller drives one worker through repeated output reads until it
// goes idle, reports an error, stops changing, or runs out of time.
package poller

import (
	"context"
	"errors"
	"time"

	"corral/pkg/driver"
	"corral/pkg/idle"
	"corral/pkg/registry"
)

// Outcome is how a poll cycle ended.
type Outcome string

// Poll outcomes. Idle, Error, StabilityExhausted and TimedOut are terminal.
// Busy is only returned by a single Step.
const (
	OutcomeIdle               Outcome = "idle"
	OutcomeError              Outcome = "error"
	OutcomeStabilityExhausted Outcome = "stability_exhausted"
	OutcomeTimedOut           Outcome = "timed_out"
	OutcomeBusy               Outcome = "busy"
)

// Terminal reports whether the outcome ends a poll cycle.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeIdle, OutcomeError, OutcomeStabilityExhausted, OutcomeTimedOut:
		return true
	default:
		return false
	}
}

// Success reports whether the outcome counts as the worker having finished.
// StabilityExhausted is a success with a caveat: nothing recognised the
// prompt, but the output stopped moving.
func (o Outcome) Success() bool {
	return o == OutcomeIdle || o == OutcomeStabilityExhausted
}

// Defaults applied to zero Settings fields.
const (
	DefaultInterval           = time.Second
	DefaultTimeout            = 5 * time.Minute
	DefaultStabilityThreshold = 3
)

// Settings tunes one poll cycle. Zero fields fall back to the poller's own
// settings, then to the package defaults.
type Settings struct {
	Interval           time.Duration
	Timeout            time.Duration
	StabilityThreshold int
}

// Merge returns s with zero fields filled from fallback.
func (s Settings) Merge(fallback Settings) Settings {
	if s.Interval <= 0 {
		s.Interval = fallback.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = fallback.Timeout
	}
	if s.StabilityThreshold <= 0 {
		s.StabilityThreshold = fallback.StabilityThreshold
	}
	return s
}

func (s Settings) withDefaults() Settings {
	return s.Merge(Settings{
		Interval:           DefaultInterval,
		Timeout:            DefaultTimeout,
		StabilityThreshold: DefaultStabilityThreshold,
	})
}

// Result is the outcome of a poll cycle with the last output observed. For
// TimedOut the output is whatever partial text was captured.
type Result struct {
	Outcome   Outcome
	Output    string
	Elapsed   time.Duration
	Stability int
}

// Reader is the slice of the driver contract the poller needs.
type Reader interface {
	ReadOutput(ctx context.Context, id string) (string, error)
}

// Poller reads and classifies worker output.
type Poller struct {
	reader     Reader
	registry   *registry.Registry
	classifier idle.Classifier
	settings   Settings

	// sleep and nowFunc are swapped in tests.
	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithSettings sets the poller-wide defaults used for zero per-call fields.
func WithSettings(s Settings) Option {
	return func(p *Poller) { p.settings = s.withDefaults() }
}

// WithClassifier replaces the default idle classifier.
func WithClassifier(c idle.Classifier) Option {
	return func(p *Poller) { p.classifier = c }
}

// WithClock overrides the time source and sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if now != nil {
			p.nowFunc = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// New creates a Poller over a driver and the registry holding its workers.
func New(reader Reader, reg *registry.Registry, opts ...Option) *Poller {
	p := &Poller{
		reader:     reader,
		registry:   reg,
		classifier: idle.Default(),
		settings:   Settings{}.withDefaults(),
		sleep:      sleepContext,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Settings returns the poller-wide defaults.
func (p *Poller) Settings() Settings { return p.settings }

// Poll runs one poll cycle for a worker. It returns once the worker reaches
// a terminal outcome or the cycle's timeout elapses; it never returns later
// than timeout plus one interval. A driver read failure is returned at once,
// wrapped as a *driver.ReadError, together with the last output seen.
func (p *Poller) Poll(ctx context.Context, id string, s Settings) (Result, error) {
	s = s.Merge(p.settings)
	start := p.nowFunc()
	deadline := start.Add(s.Timeout)

	var last Result
	for {
		step, err := p.Step(ctx, id, s.StabilityThreshold)
		if err != nil {
			last.Elapsed = p.nowFunc().Sub(start)
			return last, err
		}
		last = step
		last.Elapsed = p.nowFunc().Sub(start)
		if step.Outcome.Terminal() {
			return last, nil
		}

		remaining := deadline.Sub(p.nowFunc())
		if remaining <= 0 {
			last.Outcome = OutcomeTimedOut
			return last, nil
		}
		if err := p.sleep(ctx, min(s.Interval, remaining)); err != nil {
			last.Outcome = OutcomeTimedOut
			last.Elapsed = p.nowFunc().Sub(start)
			return last, err
		}
	}
}

// Step performs a single read, classification and stability check. It
// returns Busy when the worker is neither finished nor stable yet, and
// applies the matching registry transition for every verdict.
func (p *Poller) Step(ctx context.Context, id string, threshold int) (Result, error) {
	if threshold <= 0 {
		threshold = p.settings.StabilityThreshold
	}

	output, err := p.reader.ReadOutput(ctx, id)
	if err != nil {
		var readErr *driver.ReadError
		if errors.As(err, &readErr) {
			return Result{}, err
		}
		return Result{}, &driver.ReadError{WorkerID: id, Err: err}
	}

	w, err := p.registry.RecordPoll(id, output)
	if err != nil {
		return Result{Output: output}, &driver.ReadError{WorkerID: id, Err: err}
	}
	res := Result{Output: output, Stability: w.StabilityCount}

	switch p.classifier.Classify(output) {
	case idle.Idle:
		res.Outcome = OutcomeIdle
		return res, p.settle(id, registry.StateIdle)
	case idle.Error:
		res.Outcome = OutcomeError
		return res, p.settle(id, registry.StateError)
	}

	if w.StabilityCount >= threshold {
		res.Outcome = OutcomeStabilityExhausted
		return res, p.settle(id, registry.StateIdle)
	}
	res.Outcome = OutcomeBusy
	return res, p.settle(id, registry.StateRunning)
}

// settle records the verdict in the registry. A worker torn down mid-poll
// shows up here as an unknown or terminated worker; that is reported like a
// read failure so the caller treats it as a vanished session. A worker
// already marked Error keeps that state.
func (p *Poller) settle(id string, to registry.State) error {
	_, err := p.registry.Transition(id, to)
	if err == nil {
		return nil
	}
	var invalid *registry.InvalidTransitionError
	if errors.As(err, &invalid) && invalid.From == registry.StateError {
		return nil
	}
	return &driver.ReadError{WorkerID: id, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
