// Package reaper tears workers down. Every worker a strategy spawns leaves
// through Terminate, whatever path the strategy took.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"corral/pkg/driver"
	"corral/pkg/registry"

	"golang.org/x/sync/errgroup"
)

// Defaults applied when no option overrides them.
const (
	DefaultGrace    = 2 * time.Second
	DefaultExitText = "/exit"

	// maxConcurrentCloses bounds TerminateAll and Sweep fan-out.
	maxConcurrentCloses = 8
)

// Host is the slice of the driver contract the reaper uses.
type Host interface {
	Send(ctx context.Context, id, text string) error
	Close(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]string, error)
}

// Reaper closes worker sessions and retires their registry entries.
type Reaper struct {
	host     Host
	registry *registry.Registry
	grace    time.Duration
	exitText string
	logger   *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithGrace sets how long a graceful terminate waits after the exit text.
func WithGrace(d time.Duration) Option {
	return func(r *Reaper) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithExitText sets the instruction sent on graceful terminate.
func WithExitText(text string) Option {
	return func(r *Reaper) {
		if text != "" {
			r.exitText = text
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep overrides the grace-period sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Reaper) { r.sleep = sleep }
}

// New creates a Reaper.
func New(host Host, reg *registry.Registry, opts ...Option) *Reaper {
	r := &Reaper{
		host:     host,
		registry: reg,
		grace:    DefaultGrace,
		exitText: DefaultExitText,
		logger:   slog.New(slog.DiscardHandler),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Terminate ends one worker. A graceful terminate sends the exit text, waits
// the grace period and then closes the session whether or not the worker
// obeyed. Either way the registry entry moves to Terminated and is removed.
//
// An id the registry no longer holds counts as already reaped, so racing
// Terminate calls for one worker are harmless. A close failure is returned
// as a *driver.CloseError after the entry has been retired.
func (r *Reaper) Terminate(ctx context.Context, id string, graceful bool) error {
	w, err := r.registry.Get(id)
	if err != nil {
		var unknown *registry.UnknownWorkerError
		if errors.As(err, &unknown) {
			return nil
		}
		return err
	}

	// The session must be closed even when the caller's context is done.
	closeCtx := context.WithoutCancel(ctx)

	if graceful && w.State.Live() {
		if err := r.host.Send(ctx, id, r.exitText); err != nil {
			r.logger.Debug("exit text not delivered", "worker", id, "err", err)
		} else if r.grace > 0 {
			if err := r.sleep(ctx, r.grace); err != nil {
				r.logger.Debug("grace period cut short", "worker", id, "err", err)
			}
		}
	}

	var closeErr error
	if err := r.host.Close(closeCtx, id); err != nil {
		closeErr = asCloseError(id, err)
		r.logger.Warn("close worker", "worker", id, "err", err)
	}

	if err := r.retire(id); err != nil {
		return errors.Join(closeErr, err)
	}
	r.logger.Debug("worker reaped", "worker", id, "graceful", graceful)
	return closeErr
}

// retire moves the entry to Terminated and removes it. Losing a race with
// another Terminate of the same id is not an error.
func (r *Reaper) retire(id string) error {
	var unknown *registry.UnknownWorkerError
	if _, err := r.registry.Transition(id, registry.StateTerminated); err != nil {
		if errors.As(err, &unknown) {
			return nil
		}
		return fmt.Errorf("retire worker %s: %w", id, err)
	}
	if err := r.registry.Remove(id); err != nil && !errors.As(err, &unknown) {
		return fmt.Errorf("retire worker %s: %w", id, err)
	}
	return nil
}

// TerminateAll terminates the given workers concurrently and returns every
// failure joined.
func (r *Reaper) TerminateAll(ctx context.Context, ids []string, graceful bool) error {
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentCloses)
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = r.Terminate(ctx, id, graceful)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Sweep closes host sessions left behind by a supervisor that died without
// reaping. Only sessions the owns predicate claims and the registry does not
// hold as live are closed. It returns the ids it closed successfully.
func (r *Reaper) Sweep(ctx context.Context, owns func(id string) bool) ([]string, error) {
	ids, err := r.host.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worker sessions: %w", err)
	}

	var orphans []string
	for _, id := range ids {
		if owns != nil && !owns(id) {
			continue
		}
		if w, err := r.registry.Get(id); err == nil && w.State.Live() {
			continue
		}
		orphans = append(orphans, id)
	}

	closed := make([]bool, len(orphans))
	errs := make([]error, len(orphans))
	var g errgroup.Group
	g.SetLimit(maxConcurrentCloses)
	for i, id := range orphans {
		g.Go(func() error {
			if err := r.host.Close(ctx, id); err != nil {
				errs[i] = asCloseError(id, err)
				return nil
			}
			closed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, id := range orphans {
		if closed[i] {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		r.logger.Info("swept orphan workers", "count", len(out))
	}
	return out, errors.Join(errs...)
}

func asCloseError(id string, err error) error {
	var ce *driver.CloseError
	if errors.As(err, &ce) {
		return err
	}
	return &driver.CloseError{WorkerID: id, Err: err}
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
