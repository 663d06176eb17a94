// Package dispatcher coordinates groups of workers toward one goal. Every
// strategy runs on the same engine: spawn a worker, let it settle, send it a
// task, poll it to a terminal outcome, and reap it. The strategies differ
// only in concurrency shape (all at once or one after another) and in
// whether the engine waits for the worker at all.
package dispatcher

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"corral/pkg/driver"
	"corral/pkg/poller"
	"corral/pkg/reaper"
	"corral/pkg/registry"

	"github.com/google/uuid"
)

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	SpawnSettle  time.Duration // Delay between spawn and first send (default 2s).
	CheckTimeout time.Duration // Poll cycle bound for Check; 0 means a single read.
	MaxWorkers   int           // Concurrent workers per run (default 8).
	ForceClose   bool          // Skip the exit text when reaping.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SpawnSettle == 0 {
		out.SpawnSettle = 2 * time.Second
	}
	if out.SpawnSettle < 0 {
		out.SpawnSettle = 0
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 8
	}
	return out
}

// Options tune a single strategy call. Zero fields fall back to Config and
// the poller's own settings. A negative SpawnSettle skips the settle delay.
type Options struct {
	Settings    poller.Settings
	SpawnSettle time.Duration
	Graceful    *bool
}

// --- Events ---

// Lifecycle event types.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"
	EventSpawned     = "worker_spawned"
	EventSpawnFailed = "spawn_failed"
	EventSent        = "task_sent"
	EventSendFailed  = "send_failed"
	EventPolled      = "poll_finished"
	EventReaped      = "worker_reaped"
	EventReapFailed  = "reap_failed"
)

// Event is one lifecycle record.
type Event struct {
	Type     string
	RunID    string
	WorkerID string
	Detail   string
}

// EventSink receives lifecycle events. Implementations must not block for
// long; they are called inline from worker goroutines.
type EventSink interface {
	RecordEvent(ctx context.Context, e Event)
}

type discardSink struct{}

func (discardSink) RecordEvent(context.Context, Event) {}

// --- Dispatcher ---

// Dispatcher runs strategies. Safe for concurrent use; concurrent runs never
// share a worker id.
type Dispatcher struct {
	driver   driver.Driver
	registry *registry.Registry
	poller   *poller.Poller
	reaper   *reaper.Reaper
	cfg      Config
	sink     EventSink
	logger   *slog.Logger

	// nowFunc and sleep are swapped in tests.
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets the dispatcher configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg.withDefaults() }
}

// WithEventSink routes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source and the spawn-settle sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.nowFunc = now
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// New creates a Dispatcher. The poller and reaper must share reg with it.
func New(drv driver.Driver, reg *registry.Registry, p *poller.Poller, r *reaper.Reaper, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		driver:   drv,
		registry: reg,
		poller:   p,
		reaper:   r,
		cfg:      (&Config{}).withDefaults(),
		sink:     discardSink{},
		logger:   slog.New(slog.DiscardHandler),
		nowFunc:  time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher records workers in.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Parallel sends each task to its own worker, polls all of them
// concurrently and reaps every one. A failing worker never holds up or
// aborts the others; its failure is recorded in its entry.
func (d *Dispatcher) Parallel(ctx context.Context, tasks []Task, o Options) (*Run, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	return d.execute(ctx, policy{kind: KindParallel}, taskSteps(tasks), o)
}

// Redundant sends distinct variants of one goal to separate workers and
// returns once every variant has finished or timed out. Choosing between the
// results is left to the caller.
func (d *Dispatcher) Redundant(ctx context.Context, variants []Task, o Options) (*Run, error) {
	if len(variants) == 0 {
		return nil, ErrNoTasks
	}
	if len(variants) < 2 {
		return nil, ErrTooFewVariants
	}
	return d.execute(ctx, policy{kind: KindRedundant}, taskSteps(variants), o)
}

// Pipeline runs stages one after another. A stage's worker is spawned only
// after the previous stage finished successfully, and is reaped as soon as
// its result is captured. Any failure halts the pipeline; the run then
// holds exactly the stages attempted and the error is a *StageError.
func (d *Dispatcher) Pipeline(ctx context.Context, stages []Stage, o Options) (*Run, error) {
	if len(stages) == 0 {
		return nil, ErrNoTasks
	}
	steps := make([]step, len(stages))
	for i, st := range stages {
		steps[i] = step{label: labelOr(st.Label, i), dir: st.Dir, compose: stageComposer(st)}
	}
	run, err := d.execute(ctx, policy{kind: KindPipeline, sequential: true}, steps, o)
	if err != nil {
		return run, err
	}
	if n := len(run.Entries); n > 0 {
		last := run.Entries[n-1]
		if !last.Outcome.Success() {
			return run, &StageError{Index: last.Index, Label: last.Label, Outcome: last.Outcome, Err: last.Err}
		}
	}
	return run, nil
}

func taskSteps(tasks []Task) []step {
	steps := make([]step, len(tasks))
	for i, t := range tasks {
		text := t.Text
		steps[i] = step{
			label:   labelOr(t.Label, i),
			dir:     t.Dir,
			compose: func(poller.Result) (string, error) { return text, nil },
		}
	}
	return steps
}

func stageComposer(st Stage) func(poller.Result) (string, error) {
	if st.Compose != nil {
		return st.Compose
	}
	text := st.Task
	return func(poller.Result) (string, error) { return text, nil }
}

func labelOr(label string, i int) string {
	if label != "" {
		return label
	}
	return strconv.Itoa(i + 1)
}

func newRunID() string { return uuid.NewString() }

func (d *Dispatcher) emit(ctx context.Context, typ, runID, workerID, detail string) {
	d.sink.RecordEvent(ctx, Event{Type: typ, RunID: runID, WorkerID: workerID, Detail: detail})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
