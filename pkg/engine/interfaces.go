package engine

import (
	"context"
	"time"
)

// LogSink receives human-readable progress lines from the engine.
// Implementations must not block: the engine calls Log from inside retries
// and from concurrent per-project units.
type LogSink interface {
	Log(format string, args ...any)
}

// LogSinkFunc adapts a function to the LogSink interface.
type LogSinkFunc func(format string, args ...any)

// Log calls f(format, args...).
func (f LogSinkFunc) Log(format string, args ...any) {
	f(format, args...)
}

type discardSink struct{}

func (discardSink) Log(string, ...any) {}

// RunRecorder persists run history.
// Recording errors are logged by the engine and never fail a run.
type RunRecorder interface {
	// RunStarted records the start of a run.
	RunStarted(ctx context.Context, run *Run) error

	// RecordOutcome records the outcome of one project.
	RecordOutcome(ctx context.Context, runID string, outcome ProjectOutcome) error

	// RunFinished records the terminal state of a run.
	RunFinished(ctx context.Context, run *Run) error
}

// Observer receives metric callbacks.
type Observer interface {
	// SessionCall is called after every attempt of a retried session call.
	SessionCall(op string, err error, elapsed time.Duration)

	// Retry is called before sleeping between attempts.
	Retry(op string, busy bool)

	// Pass is called at the end of each outer pass with the number of items left.
	Pass(operation Operation, pass int, remaining int)

	// Outcome is called once per resolved project.
	Outcome(operation Operation, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) SessionCall(string, error, time.Duration) {}
func (nopObserver) Retry(string, bool)                       {}
func (nopObserver) Pass(Operation, int, int)                 {}
func (nopObserver) Outcome(Operation, Outcome)               {}

// GuardInput is the document a RetargetGuard decides on.
type GuardInput struct {
	Project ProjectView `json:"project"`
	Current string      `json:"current"`
	Target  string      `json:"target"`
}

// GuardDecision is the verdict of a RetargetGuard.
type GuardDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// RetargetGuard decides whether a project may be moved from its current
// moniker to the target moniker.
type RetargetGuard interface {
	Check(ctx context.Context, in GuardInput) (GuardDecision, error)
}

// MonikerHook overrides the target moniker per project.
// Returning def leaves the default unchanged.
type MonikerHook interface {
	TargetMoniker(ctx context.Context, project ProjectView, def string) (string, error)
}
