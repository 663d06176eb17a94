// Package registry is the process-wide table of known workers. It is the
// single source of truth for "who is alive" and the only place worker state
// changes: every transition is validated against the lifecycle state machine
// and serialized under one mutex, so concurrent pollers never race on the
// same worker.
package registry

import (
	"sort"
	"sync"
	"time"
)

// State is a worker's lifecycle state.
type State string

// Worker lifecycle states.
const (
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StateIdle       State = "idle"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// transitions lists the legal moves out of each state. Terminated has none.
var transitions = map[State][]State{ //nolint:gochecknoglobals // static state machine
	StateSpawning: {StateRunning, StateError, StateTerminated},
	StateRunning:  {StateIdle, StateError, StateTerminated},
	StateIdle:     {StateRunning, StateError, StateTerminated},
	StateError:    {StateTerminated},
}

// CanTransition reports whether from → to is a legal move. Re-applying the
// current state is always accepted as a no-op.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether a worker in this state still holds host resources.
func (s State) Live() bool { return s != StateTerminated }

// Worker is a snapshot of one worker session. Callers always receive copies;
// mutating one has no effect on the registry.
type Worker struct {
	ID             string
	RunID          string
	Dir            string
	State          State
	CreatedAt      time.Time
	LastPolledAt   time.Time
	LastOutput     string
	HasOutput      bool
	StabilityCount int
}

// Observer is notified after every applied state change. It is called
// outside the registry lock.
type Observer interface {
	WorkerTransition(w Worker, from State)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// WithObserver registers an Observer for state changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry tracks workers by id. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	workers  map[string]*Worker
	observer Observer
	nowFunc  func() time.Time
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]*Worker),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a freshly spawned worker in state Spawning. A host may
// reuse an id once its session is closed, so a Terminated leftover with the
// same id is replaced; a live one is a DuplicateWorkerError.
func (r *Registry) Register(id, dir, runID string) (Worker, error) {
	r.mu.Lock()
	if existing, ok := r.workers[id]; ok && existing.State.Live() {
		r.mu.Unlock()
		return Worker{}, &DuplicateWorkerError{WorkerID: id, State: existing.State}
	}
	w := &Worker{
		ID:        id,
		RunID:     runID,
		Dir:       dir,
		State:     StateSpawning,
		CreatedAt: r.nowFunc(),
	}
	r.workers[id] = w
	snapshot := *w
	r.mu.Unlock()

	r.notify(snapshot, "")
	return snapshot, nil
}

// Transition moves a worker to a new state.
func (r *Registry) Transition(id string, to State) (Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return Worker{}, &UnknownWorkerError{WorkerID: id}
	}
	from := w.State
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return Worker{}, &InvalidTransitionError{WorkerID: id, From: from, To: to}
	}
	w.State = to
	snapshot := *w
	r.mu.Unlock()

	if from != to {
		r.notify(snapshot, from)
	}
	return snapshot, nil
}

// RecordPoll stores an output snapshot and updates the stability counter:
// identical to the previous snapshot increments it, anything else resets it
// to zero. The first snapshot of a worker never counts as unchanged.
func (r *Registry) RecordPoll(id, output string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &UnknownWorkerError{WorkerID: id}
	}
	if w.State == StateTerminated {
		return Worker{}, &InvalidTransitionError{WorkerID: id, From: w.State, To: w.State}
	}
	if w.HasOutput && w.LastOutput == output {
		w.StabilityCount++
	} else {
		w.StabilityCount = 0
	}
	w.LastOutput = output
	w.HasOutput = true
	w.LastPolledAt = r.nowFunc()
	return *w, nil
}

// ResetStability forgets the previous snapshot, typically because a new task
// was just sent and stale output must not count towards stability.
func (r *Registry) ResetStability(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return &UnknownWorkerError{WorkerID: id}
	}
	w.StabilityCount = 0
	w.HasOutput = false
	w.LastOutput = ""
	return nil
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &UnknownWorkerError{WorkerID: id}
	}
	return *w, nil
}

// List returns snapshots of every entry, oldest first.
func (r *Registry) List() []Worker {
	r.mu.Lock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live returns the entries that are not Terminated.
func (r *Registry) Live() []Worker {
	all := r.List()
	live := all[:0]
	for _, w := range all {
		if w.State.Live() {
			live = append(live, w)
		}
	}
	return live
}

// Remove deletes a Terminated entry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return &UnknownWorkerError{WorkerID: id}
	}
	if w.State != StateTerminated {
		return &WorkerStillLiveError{WorkerID: id, State: w.State}
	}
	delete(r.workers, id)
	return nil
}

func (r *Registry) notify(w Worker, from State) {
	if r.observer != nil {
		r.observer.WorkerTransition(w, from)
	}
}
