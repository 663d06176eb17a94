// Package driver defines the contract between the orchestration core and
// whatever host environment actually runs workers (a tmux server, a local
// pseudo-terminal, a container runtime). The core only ever talks to a
// Driver; it never assumes how sessions are created or how text moves.
package driver

import (
	"context"
	"fmt"
)

// Driver is the set of primitives the core needs from a worker host.
//
// Send is best-effort: a nil error means the text was handed to the host,
// not that the worker acted on it. ReadOutput returns a snapshot of
// everything currently visible for the worker. Implementations must be safe
// for concurrent use across different worker ids; Close may race a
// ReadOutput of the same id, in which case the read returns an error.
type Driver interface {
	Spawn(ctx context.Context, dir string) (string, error)
	Send(ctx context.Context, id, text string) error
	ReadOutput(ctx context.Context, id string) (string, error)
	Close(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]string, error)
}

// Focuser is implemented by drivers that can bring a worker's session to the
// foreground for a human to watch.
type Focuser interface {
	Focus(ctx context.Context, id string) error
}

// SpawnError reports that the host could not create a worker.
type SpawnError struct {
	Dir string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker in %s: %v", e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SendError reports that text could not be delivered to a worker, usually
// because the session vanished.
type SendError struct {
	WorkerID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to worker %s: %v", e.WorkerID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReadError reports a failed output snapshot.
type ReadError struct {
	WorkerID string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read worker %s: %v", e.WorkerID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// CloseError reports that a worker session could not be closed.
type CloseError struct {
	WorkerID string
	Err      error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close worker %s: %v", e.WorkerID, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
