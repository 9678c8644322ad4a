package policy

import (
	"time"

	"github.com/projup/projup/pkg/engine"
)

// Severity of a violation. Only errors block a retarget; the others are
// logged.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Blocks() bool { return s == SeverityError }

// Policy is a Rego module whose package defines a deny set. Severity applies
// to deny elements that do not carry their own.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	// Source is the file the policy came from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Project  string   `json:"project,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy for one project.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document bound to input in Rego.
type Input struct {
	Project engine.ProjectView `json:"project"`
	Current string             `json:"current"`
	Target  string             `json:"target"`
	Context Context            `json:"context"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
