package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"corral/pkg/driver"
	"corral/pkg/poller"
	"corral/pkg/registry"
)

// Background spawns a worker, sends it the task and returns without
// waiting. The worker stays alive until Terminate is called with the
// returned handle.
func (d *Dispatcher) Background(ctx context.Context, t Task, o Options) (Handle, error) {
	run, err := d.execute(ctx, policy{kind: KindBackground, detach: true}, taskSteps([]Task{t}), o)
	if err != nil {
		return Handle{}, err
	}
	e := run.Entries[0]
	if e.Outcome != OutcomeBusy {
		if e.Err != nil {
			return Handle{}, fmt.Errorf("start background task: %s: %w", e.Outcome, e.Err)
		}
		return Handle{}, fmt.Errorf("start background task: %s", e.Outcome)
	}
	return Handle{
		RunID:     run.ID,
		WorkerID:  e.WorkerID,
		Dir:       t.Dir,
		Task:      t.Text,
		StartedAt: run.StartedAt,
	}, nil
}

// Check runs one poll cycle against a background worker and reports where
// it stands. The cycle is bounded by s.Timeout, or the configured check
// timeout; when both are zero it is a single read. A cycle that runs out of
// time reports Busy. The worker is never terminated by Check.
func (d *Dispatcher) Check(ctx context.Context, h Handle, s poller.Settings) (Report, error) {
	rep := Report{Handle: h}
	if _, err := d.registry.Get(h.WorkerID); err != nil {
		return rep, err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CheckTimeout
	}

	var (
		res poller.Result
		err error
	)
	if timeout <= 0 {
		res, err = d.poller.Step(ctx, h.WorkerID, s.StabilityThreshold)
	} else {
		s.Timeout = timeout
		res, err = d.poller.Poll(ctx, h.WorkerID, s)
	}

	rep.Outcome = Outcome(res.Outcome)
	rep.Output = res.Output
	rep.Elapsed = res.Elapsed
	rep.Stability = res.Stability
	if err != nil {
		var readErr *driver.ReadError
		if errors.As(err, &readErr) {
			rep.Outcome = OutcomeReadFailure
		} else {
			rep.Outcome = OutcomeBusy
		}
		return rep, err
	}
	if rep.Outcome == OutcomeTimedOut {
		rep.Outcome = OutcomeBusy
	}
	d.emit(ctx, EventPolled, h.RunID, h.WorkerID, string(rep.Outcome))
	return rep, nil
}

// Terminate reaps a background worker.
func (d *Dispatcher) Terminate(ctx context.Context, h Handle, graceful bool) error {
	if err := d.reaper.Terminate(ctx, h.WorkerID, graceful); err != nil {
		d.emit(ctx, EventReapFailed, h.RunID, h.WorkerID, err.Error())
		return err
	}
	d.emit(ctx, EventReaped, h.RunID, h.WorkerID, "")
	return nil
}

// Adopt registers a handle's worker with this dispatcher's registry, in
// state Running, so a process that did not spawn it can Check and Terminate
// it. Adopting a worker the registry already holds live is a no-op.
func (d *Dispatcher) Adopt(h Handle) error {
	if w, err := d.registry.Get(h.WorkerID); err == nil && w.State.Live() {
		return nil
	}
	if _, err := d.registry.Register(h.WorkerID, h.Dir, h.RunID); err != nil {
		return fmt.Errorf("adopt worker %s: %w", h.WorkerID, err)
	}
	if _, err := d.registry.Transition(h.WorkerID, registry.StateRunning); err != nil {
		return fmt.Errorf("adopt worker %s: %w", h.WorkerID, err)
	}
	return nil
}
