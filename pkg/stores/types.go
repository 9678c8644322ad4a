package stores

import (
	"context"
	"time"

	"github.com/projup/projup/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// OutcomeRecord is a stored project outcome.
type OutcomeRecord struct {
	ID         int64     `json:"id" yaml:"id"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`

	engine.ProjectOutcome `yaml:",inline"`
}

// Event represents an append-only log event. RunID is nil for lines logged
// outside a run.
type Event struct {
	ID        int64      `json:"id" yaml:"id"`
	RunID     *string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Level     EventLevel `json:"level" yaml:"level"`
	Message   string     `json:"message" yaml:"message"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
}

// RunDetail is a run with everything recorded for it.
type RunDetail struct {
	Run      *engine.Run      `json:"run" yaml:"run"`
	Outcomes []*OutcomeRecord `json:"outcomes" yaml:"outcomes"`
	Events   []*Event         `json:"events" yaml:"events"`
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *engine.Run) error
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	UpdateRun(ctx context.Context, run *engine.Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Outcome operations
	AppendOutcome(ctx context.Context, runID string, outcome engine.ProjectOutcome) error
	ListOutcomes(ctx context.Context, runID string) ([]*OutcomeRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
