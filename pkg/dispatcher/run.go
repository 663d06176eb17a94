package dispatcher

import (
	"time"

	"corral/pkg/poller"
)

// Kind names a dispatch strategy.
type Kind string

// Strategy kinds.
const (
	KindParallel   Kind = "parallel"
	KindBackground Kind = "background"
	KindRedundant  Kind = "redundant"
	KindPipeline   Kind = "pipeline"
)

// Outcome is how one task or stage ended. It extends the poller's terminal
// outcomes with the failures that stop a worker before or during polling.
type Outcome string

// Entry outcomes.
const (
	OutcomeIdle               = Outcome(poller.OutcomeIdle)
	OutcomeError              = Outcome(poller.OutcomeError)
	OutcomeStabilityExhausted = Outcome(poller.OutcomeStabilityExhausted)
	OutcomeTimedOut           = Outcome(poller.OutcomeTimedOut)
	OutcomeBusy               = Outcome(poller.OutcomeBusy)

	OutcomeSpawnFailure   Outcome = "spawn_failure"
	OutcomeSendFailure    Outcome = "send_failure"
	OutcomeReadFailure    Outcome = "read_failure"
	OutcomeComposeFailure Outcome = "compose_failure"
)

// Success reports whether the worker finished its task. StabilityExhausted
// counts: the output stopped moving even though no prompt was recognised.
func (o Outcome) Success() bool {
	return o == OutcomeIdle || o == OutcomeStabilityExhausted
}

// Task is one unit of work for a Parallel, Redundant or Background run.
type Task struct {
	Label string // display name; defaults to the task index
	Dir   string // working directory for the worker
	Text  string // sent verbatim
}

// Stage is one step of a Pipeline. Compose builds the text for this stage
// from the previous stage's result; when nil, Task is sent as is. The first
// stage's Compose receives a zero Result.
type Stage struct {
	Label   string
	Dir     string
	Task    string
	Compose func(prev poller.Result) (string, error)
}

// Entry records what happened to one task or stage.
type Entry struct {
	Index    int
	Label    string
	WorkerID string // empty when no worker was spawned
	Outcome  Outcome
	Output   string // final or partial output
	Elapsed  time.Duration
	Err      error
}

// Run is the record of one strategy invocation.
type Run struct {
	ID         string
	Kind       Kind
	WorkerIDs  []string // spawned workers, in task order
	Entries    []Entry  // one per task or attempted stage, in order
	Results    map[string]poller.Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether every entry finished successfully. A run with any
// timed-out, errored or failed entry is not OK.
func (r *Run) OK() bool {
	return len(r.Failures()) == 0
}

// Failures returns the entries that did not end Idle or StabilityExhausted.
func (r *Run) Failures() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if !e.Outcome.Success() {
			out = append(out, e)
		}
	}
	return out
}

// Handle identifies a Background run's worker. The caller keeps it and
// presents it again to Check and Terminate.
type Handle struct {
	RunID     string    `json:"run_id"`
	WorkerID  string    `json:"worker_id"`
	Dir       string    `json:"dir"`
	Task      string    `json:"task"`
	StartedAt time.Time `json:"started_at"`
}

// Report is the result of one Check.
type Report struct {
	Handle    Handle
	Outcome   Outcome
	Output    string
	Elapsed   time.Duration
	Stability int
}

// Done reports whether the worker has stopped working on its task, for
// better or worse.
func (r Report) Done() bool {
	return r.Outcome.Success() || r.Outcome == OutcomeError
}
