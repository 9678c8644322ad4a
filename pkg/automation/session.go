// Package automation defines the capability surface of the external automation
// session through which a solution manifest and its projects are mutated.
//
// The session is stateful and not safe for concurrent structural calls. Callers
// that fan out work should wrap it with Serialize so that every call is executed
// by a single owner goroutine.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BusyMarker is the error text the automation server uses to reject a call
// while it is busy.
const BusyMarker = "RPC_E_SERVERCALL_RETRYLATER"

// TargetFrameworkProperty is the project property that carries the framework moniker.
const TargetFrameworkProperty = "TargetFrameworkMoniker"

// Operation names of the session surface. They double as host protocol commands.
const (
	OpOpen        = "session.open"
	OpSaveAs      = "session.save_as"
	OpClose       = "session.close"
	OpQuit        = "session.quit"
	OpAddProject  = "project.add"
	OpListProjs   = "project.list"
	OpChildren    = "project.children"
	OpGetProperty = "property.get"
	OpSetProperty = "property.set"
	OpReload      = "project.reload"
)

// ProjectKind classifies an entry of the session's project registry.
type ProjectKind string

const (
	// KindProject is a regular, retargetable project.
	KindProject ProjectKind = "project"

	// KindSolutionFolder is a virtual folder holding nested projects.
	KindSolutionFolder ProjectKind = "solution-folder"

	// KindMiscFiles is the miscellaneous-files pseudo project.
	KindMiscFiles ProjectKind = "misc-files"

	// KindUnknown is reported when the session cannot classify an entry.
	KindUnknown ProjectKind = "unknown"
)

// IsContainer reports whether the kind holds sub-projects instead of being one.
func (k ProjectKind) IsContainer() bool {
	return k == KindSolutionFolder || k == KindMiscFiles
}

// ProjectRef is an index into the session's project registry.
// It is a value: sessions may renumber entries at any time, after which the
// ref must be re-resolved through Session.ReloadProject.
type ProjectRef struct {
	Index    int         `json:"index"`
	FullName string      `json:"full_name"`
	Name     string      `json:"name"`
	Kind     ProjectKind `json:"kind"`
}

func (r ProjectRef) String() string {
	if r.FullName != "" {
		return r.FullName
	}
	return fmt.Sprintf("%s#%d", r.Name, r.Index)
}

// Session is the automation capability surface the reconciliation engine needs.
type Session interface {
	// Open loads the manifest at path.
	Open(ctx context.Context, path string) error

	// SaveAs writes the current manifest to path, creating it if needed.
	SaveAs(ctx context.Context, path string) error

	// Close closes the open manifest.
	Close(ctx context.Context) error

	// Quit terminates the automation session.
	Quit(ctx context.Context) error

	// AddProjectFromFile registers the project file at path in the manifest.
	AddProjectFromFile(ctx context.Context, path string) (ProjectRef, error)

	// EnumerateProjects lists the top-level entries of the manifest.
	EnumerateProjects(ctx context.Context) ([]ProjectRef, error)

	// EnumerateSubProjects lists the entries nested in a container.
	EnumerateSubProjects(ctx context.Context, container ProjectRef) ([]ProjectRef, error)

	// GetProperty reads a named configuration property of a project.
	GetProperty(ctx context.Context, ref ProjectRef, name string) (string, error)

	// SetProperty writes a named configuration property of a project.
	SetProperty(ctx context.Context, ref ProjectRef, name, value string) error

	// ReloadProject re-resolves ref against the session's active project list.
	ReloadProject(ctx context.Context, ref ProjectRef) (ProjectRef, error)
}

// Connector creates a fresh session. Each reconciliation run uses its own session
// because closing a run quits the session.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

// ErrBusy is a sentinel sessions may wrap to signal contention explicitly.
var ErrBusy = errors.New("automation server busy (" + BusyMarker + ")")

// IsBusy reports whether err is the automation server's busy signal.
// Session errors are untyped text, so the check is a substring match.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	return strings.Contains(err.Error(), BusyMarker)
}
