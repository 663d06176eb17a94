package registry

import "fmt"

// DuplicateWorkerError is returned by Register when the id already denotes a
// live worker.
type DuplicateWorkerError struct {
	WorkerID string
	State    State
}

func (e *DuplicateWorkerError) Error() string {
	return fmt.Sprintf("worker %s already registered (state %s)", e.WorkerID, e.State)
}

// UnknownWorkerError is returned for any operation on an id the registry
// does not hold.
type UnknownWorkerError struct {
	WorkerID string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("worker %s not registered", e.WorkerID)
}

// InvalidTransitionError is returned when a state change violates the
// lifecycle state machine.
type InvalidTransitionError struct {
	WorkerID string
	From     State
	To       State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("worker %s: invalid transition %s -> %s", e.WorkerID, e.From, e.To)
}

// WorkerStillLiveError is returned by Remove for a worker that has not been
// terminated.
type WorkerStillLiveError struct {
	WorkerID string
	State    State
}

func (e *WorkerStillLiveError) Error() string {
	return fmt.Sprintf("worker %s still live (state %s)", e.WorkerID, e.State)
}
