package engine

import (
	"fmt"
	"time"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every item converged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the run finished with missing or non-updated items left.
	RunStatusPartial RunStatus = "partial"

	// RunStatusNoChanges indicates there was nothing to reconcile.
	RunStatusNoChanges RunStatus = "no_changes"

	// RunStatusFailed indicates the run aborted with a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusNoChanges, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Operation names a reconciliation operation.
type Operation string

const (
	// OperationAggregate adds projects found on disk to the manifest.
	OperationAggregate Operation = "aggregate"

	// OperationRetarget sets the framework moniker of every member project.
	OperationRetarget Operation = "retarget"
)

// Run is the history record of one reconciliation run.
type Run struct {
	ID          string        `json:"id" yaml:"id"`
	Operation   Operation     `json:"operation" yaml:"operation"`
	Solution    string        `json:"solution" yaml:"solution"`
	Target      string        `json:"target,omitempty" yaml:"target,omitempty"`
	Status      RunStatus     `json:"status" yaml:"status"`
	Passes      int           `json:"passes" yaml:"passes"`
	Remaining   int           `json:"remaining" yaml:"remaining"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// finish stamps the terminal fields of the run.
func (r *Run) finish(status RunStatus, err error) {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	r.Duration = now.Sub(r.StartedAt)
	if err != nil {
		r.Error = err.Error()
	}
}
