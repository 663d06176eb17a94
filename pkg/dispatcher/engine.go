package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corral/pkg/driver"
	"corral/pkg/poller"
	"corral/pkg/registry"

	"golang.org/x/sync/errgroup"
)

// policy is what distinguishes one strategy from another.
type policy struct {
	kind       Kind
	sequential bool // run steps one at a time, feeding each result forward
	detach     bool // return after the send, leaving the worker alive
}

// step is one worker's share of a run. compose produces the task text from
// the previous step's result (zero for the first or for concurrent steps).
type step struct {
	label   string
	dir     string
	compose func(prev poller.Result) (string, error)
}

type resolved struct {
	settings poller.Settings
	settle   time.Duration
	graceful bool
}

func (d *Dispatcher) resolve(o Options) resolved {
	r := resolved{
		settings: o.Settings,
		settle:   d.cfg.SpawnSettle,
		graceful: !d.cfg.ForceClose,
	}
	switch {
	case o.SpawnSettle > 0:
		r.settle = o.SpawnSettle
	case o.SpawnSettle < 0:
		r.settle = 0
	}
	if o.Graceful != nil {
		r.graceful = *o.Graceful
	}
	return r
}

// execute is the engine behind every strategy.
func (d *Dispatcher) execute(ctx context.Context, pol policy, steps []step, o Options) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := d.resolve(o)
	run := &Run{
		ID:        newRunID(),
		Kind:      pol.kind,
		Entries:   make([]Entry, len(steps)),
		Results:   make(map[string]poller.Result),
		StartedAt: d.nowFunc(),
	}
	d.emit(ctx, EventRunStarted, run.ID, "", fmt.Sprintf("%s, %d task(s)", pol.kind, len(steps)))
	d.logger.Info("run started", "run", run.ID, "kind", pol.kind, "tasks", len(steps))

	results := make([]poller.Result, len(steps))
	polled := make([]bool, len(steps))

	if pol.sequential {
		var prev poller.Result
		attempted := 0
		for i, st := range steps {
			run.Entries[i], results[i], polled[i] = d.attempt(ctx, run.ID, i, st, prev, pol, rs)
			attempted = i + 1
			if !run.Entries[i].Outcome.Success() {
				break
			}
			prev = results[i]
		}
		run.Entries = run.Entries[:attempted]
	} else {
		var g errgroup.Group
		g.SetLimit(d.cfg.MaxWorkers)
		for i, st := range steps {
			g.Go(func() error {
				run.Entries[i], results[i], polled[i] = d.attempt(ctx, run.ID, i, st, poller.Result{}, pol, rs)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, e := range run.Entries {
		if e.WorkerID == "" {
			continue
		}
		run.WorkerIDs = append(run.WorkerIDs, e.WorkerID)
		if polled[i] {
			run.Results[e.WorkerID] = results[i]
		}
	}
	run.FinishedAt = d.nowFunc()

	failed := len(run.Failures())
	if pol.detach {
		failed = 0
		for _, e := range run.Entries {
			if e.Outcome != OutcomeBusy {
				failed++
			}
		}
	}
	d.emit(ctx, EventRunFinished, run.ID, "", fmt.Sprintf("%d of %d entries failed", failed, len(run.Entries)))
	d.logger.Info("run finished", "run", run.ID, "kind", pol.kind, "entries", len(run.Entries), "failed", failed)
	return run, nil
}

// attempt drives one worker through compose, spawn, settle, send and poll.
// Every worker it spawns is reaped before it returns, except a detached
// worker whose task was delivered.
func (d *Dispatcher) attempt(ctx context.Context, runID string, i int, st step, prev poller.Result, pol policy, rs resolved) (e Entry, res poller.Result, polled bool) {
	e = Entry{Index: i, Label: st.label}
	start := d.nowFunc()

	text, err := st.compose(prev)
	if err != nil {
		e.Outcome = OutcomeComposeFailure
		e.Err = fmt.Errorf("compose task %s: %w", st.label, err)
		return e, res, false
	}

	id, err := d.spawn(ctx, runID, st.dir)
	if err != nil {
		e.Outcome = OutcomeSpawnFailure
		e.Err = err
		e.Elapsed = d.nowFunc().Sub(start)
		return e, res, false
	}
	e.WorkerID = id

	reap := true
	defer func() {
		if reap {
			d.reap(ctx, runID, id, rs.graceful)
		}
	}()

	if err := d.sleep(ctx, rs.settle); err != nil {
		e.Outcome = OutcomeTimedOut
		e.Err = err
		e.Elapsed = d.nowFunc().Sub(start)
		return e, res, false
	}

	if err := d.send(ctx, runID, id, text); err != nil {
		e.Outcome = OutcomeSendFailure
		e.Err = err
		e.Elapsed = d.nowFunc().Sub(start)
		return e, res, false
	}

	if pol.detach {
		reap = false
		e.Outcome = OutcomeBusy
		e.Elapsed = d.nowFunc().Sub(start)
		return e, res, false
	}

	res, err = d.poller.Poll(ctx, id, rs.settings)
	e.Output = res.Output
	e.Elapsed = res.Elapsed
	e.Outcome = Outcome(res.Outcome)
	if err != nil {
		e.Err = err
		var readErr *driver.ReadError
		if errors.As(err, &readErr) {
			e.Outcome = OutcomeReadFailure
		} else {
			e.Outcome = OutcomeTimedOut
		}
		d.logger.Warn("poll failed", "run", runID, "worker", id, "err", err)
	}
	d.emit(ctx, EventPolled, runID, id, string(e.Outcome))
	return e, res, true
}

func (d *Dispatcher) spawn(ctx context.Context, runID, dir string) (string, error) {
	id, err := d.driver.Spawn(ctx, dir)
	if err != nil {
		var spawnErr *driver.SpawnError
		if !errors.As(err, &spawnErr) {
			err = &driver.SpawnError{Dir: dir, Err: err}
		}
		d.emit(ctx, EventSpawnFailed, runID, "", err.Error())
		d.logger.Warn("spawn failed", "run", runID, "dir", dir, "err", err)
		return "", err
	}
	if _, err := d.registry.Register(id, dir, runID); err != nil {
		// The id belongs to a live worker of some other run; its session
		// is not ours to close.
		d.emit(ctx, EventSpawnFailed, runID, id, err.Error())
		d.logger.Warn("spawned worker id already registered", "run", runID, "worker", id, "err", err)
		return "", &driver.SpawnError{Dir: dir, Err: err}
	}
	d.emit(ctx, EventSpawned, runID, id, dir)
	d.logger.Debug("worker spawned", "run", runID, "worker", id, "dir", dir)
	return id, nil
}

// send delivers a task. A worker that cannot be reached is marked Error.
func (d *Dispatcher) send(ctx context.Context, runID, id, text string) error {
	if err := d.registry.ResetStability(id); err != nil {
		return &driver.SendError{WorkerID: id, Err: err}
	}
	if err := d.driver.Send(ctx, id, text); err != nil {
		var sendErr *driver.SendError
		if !errors.As(err, &sendErr) {
			err = &driver.SendError{WorkerID: id, Err: err}
		}
		if _, terr := d.registry.Transition(id, registry.StateError); terr != nil {
			d.logger.Debug("mark worker error", "worker", id, "err", terr)
		}
		d.emit(ctx, EventSendFailed, runID, id, err.Error())
		d.logger.Warn("send failed", "run", runID, "worker", id, "err", err)
		return err
	}
	if _, err := d.registry.Transition(id, registry.StateRunning); err != nil {
		return &driver.SendError{WorkerID: id, Err: err}
	}
	d.emit(ctx, EventSent, runID, id, truncate(text, 200))
	return nil
}

func (d *Dispatcher) reap(ctx context.Context, runID, id string, graceful bool) {
	if err := d.reaper.Terminate(ctx, id, graceful); err != nil {
		d.emit(ctx, EventReapFailed, runID, id, err.Error())
		d.logger.Warn("reap failed", "run", runID, "worker", id, "err", err)
		return
	}
	d.emit(ctx, EventReaped, runID, id, "")
	d.logger.Debug("worker reaped", "run", runID, "worker", id)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
