package dispatcher

import (
	"errors"
	"fmt"
)

// ErrNoTasks is returned when a strategy is called with nothing to do.
var ErrNoTasks = errors.New("no tasks given")

// ErrTooFewVariants is returned by Redundant with fewer than two variants.
var ErrTooFewVariants = errors.New("redundant run needs at least two task variants")

// StageError reports the pipeline stage that halted a Pipeline run.
type StageError struct {
	Index   int
	Label   string
	Outcome Outcome
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline halted at stage %d (%s): %s: %v", e.Index, e.Label, e.Outcome, e.Err)
	}
	return fmt.Sprintf("pipeline halted at stage %d (%s): %s", e.Index, e.Label, e.Outcome)
}

func (e *StageError) Unwrap() error { return e.Err }
