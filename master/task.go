package master

import (
	"errors"
	"fmt"
	"time"

	"clusterd/cluster"
)

var (
	// ErrNoLongerMaster is the error of an OutcomeNoLongerMaster result.
	// Callers that still want the change should resubmit through the
	// current master.
	ErrNoLongerMaster = errors.New("no longer master")

	// ErrTimeout is wrapped by the error of an OutcomeTimedOut result.
	ErrTimeout = errors.New("timed out waiting to be processed")

	// ErrNotMaster is returned (wrapped) by a Publisher that finds the local
	// node is not allowed to publish.
	ErrNotMaster = errors.New("not master")

	// ErrCommitFailed is matched by *FailedToCommitError.
	ErrCommitFailed = errors.New("failed to commit cluster state")

	// ErrStopped fails tasks still queued when the service stops.
	ErrStopped = errors.New("master service stopped")
)

// FailedToCommitError is the failure of every task of a batch whose
// candidate state could not be committed. The candidate may or may not have
// become visible anywhere.
type FailedToCommitError struct {
	Version int64
	Err     error
}

func (e *FailedToCommitError) Error() string {
	return fmt.Sprintf("failed to commit cluster state version [%d]: %v", e.Version, e.Err)
}

func (e *FailedToCommitError) Unwrap() error {
	return e.Err
}

func (e *FailedToCommitError) Is(target error) bool {
	return target == ErrCommitFailed
}

// Task is what an Executor sees of a queued request.
type Task struct {
	Source  string
	Payload any
}

// BatchResult is the outcome of executing one batch. Failures maps a task's
// index in the batch to its individual failure; tasks without an entry
// succeeded.
type BatchResult struct {
	State    *cluster.State
	Failures map[int]error
}

// Executor computes the next state for a batch of tasks. Executors must not
// have side effects other than logging, and must return the current state
// pointer when nothing changes. Executor values are the batching key and
// must be comparable; in practice they are pointers.
type Executor interface {
	Execute(current *cluster.State, tasks []Task) (BatchResult, error)
}

// Describer is implemented by executors that summarise their batches for
// logs.
type Describer interface {
	Describe(tasks []Task) string
}

// UpdateFunc is a single-task state transition.
type UpdateFunc func(current *cluster.State) (*cluster.State, error)

type updateExecutor struct {
	fn UpdateFunc
}

func (u *updateExecutor) Execute(current *cluster.State, tasks []Task) (BatchResult, error) {
	next, err := u.fn(current)
	if err != nil {
		return BatchResult{}, err
	}
	return BatchResult{State: next}, nil
}

// Request is a state change submitted to the master service.
type Request struct {
	Source   string
	Priority Priority
	// Timeout is measured from submission. Zero means no timeout.
	Timeout  time.Duration
	Executor Executor
	Payload  any
	// OnResult, when set, is invoked exactly once with the task's result.
	OnResult func(Result)
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeNoLongerMaster
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeNoLongerMaster:
		return "no_longer_master"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the single terminal value produced for every submitted task.
// Previous and State are set on success; Previous == State when the batch
// did not change anything. Err is set for every other outcome.
type Result struct {
	Outcome  Outcome
	Previous *cluster.State
	State    *cluster.State
	Err      error
}

func successResult(prev, next *cluster.State) Result {
	return Result{Outcome: OutcomeSuccess, Previous: prev, State: next}
}

func failureResult(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

func noLongerMasterResult() Result {
	return Result{Outcome: OutcomeNoLongerMaster, Err: ErrNoLongerMaster}
}

func timedOutResult(source string, timeout time.Duration) Result {
	return Result{Outcome: OutcomeTimedOut, Err: fmt.Errorf("task [%s] %w after [%s]", source, ErrTimeout, timeout)}
}
