package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/projup/projup/pkg/automation"
)

// ProjectFileCandidate is a project file found on disk during one discovery pass.
type ProjectFileCandidate struct {
	// Path is the absolute, cleaned path of the file.
	Path string `json:"path" yaml:"path"`

	// Name is the file name including extension.
	Name string `json:"name" yaml:"name"`

	// Ext is the file extension including the leading dot.
	Ext string `json:"ext" yaml:"ext"`
}

// NewProjectFileCandidate builds a candidate from a file path.
func NewProjectFileCandidate(path string) ProjectFileCandidate {
	clean := filepath.Clean(path)
	return ProjectFileCandidate{
		Path: clean,
		Name: filepath.Base(clean),
		Ext:  filepath.Ext(clean),
	}
}

// ProjectHandleDescriptor wraps one live project ref of the automation session.
// Descriptors are owned by the engine and never handed out; callers see ProjectView.
type ProjectHandleDescriptor struct {
	FullName string
	Name     string
	Dir      string
	Special  bool
	Ref      automation.ProjectRef

	// stale is set when a property read fails and cleared by a reload.
	stale bool
}

func newDescriptor(ref automation.ProjectRef) *ProjectHandleDescriptor {
	name := ref.Name
	if name == "" && ref.FullName != "" {
		name = strings.TrimSuffix(filepath.Base(ref.FullName), filepath.Ext(ref.FullName))
	}
	dir := ""
	if ref.FullName != "" {
		dir = filepath.Dir(ref.FullName)
	}
	return &ProjectHandleDescriptor{
		FullName: ref.FullName,
		Name:     name,
		Dir:      dir,
		Special:  ref.Kind.IsContainer(),
		Ref:      ref,
	}
}

// key identifies a descriptor within one run.
func (d *ProjectHandleDescriptor) key() string {
	if d.FullName != "" {
		return pathKey(d.FullName)
	}
	return fmt.Sprintf("%s#%d", d.Name, d.Ref.Index)
}

// View returns a read-only copy of the descriptor.
func (d *ProjectHandleDescriptor) View() ProjectView {
	return ProjectView{
		FullName: d.FullName,
		Name:     d.Name,
		Dir:      d.Dir,
		Special:  d.Special,
		Kind:     d.Ref.Kind,
	}
}

// ProjectView is the read-only view of a descriptor exposed to callers.
type ProjectView struct {
	FullName string                 `json:"full_name" yaml:"full_name"`
	Name     string                 `json:"name" yaml:"name"`
	Dir      string                 `json:"dir" yaml:"dir"`
	Special  bool                   `json:"special" yaml:"special"`
	Kind     automation.ProjectKind `json:"kind" yaml:"kind"`
}

// Project is the tagged variant produced by manifest enumeration:
// either a Leaf holding a descriptor or a Container holding nested projects.
type Project interface {
	isProject()
}

// Leaf is a retargetable project, or a container whose children could not be listed.
type Leaf struct {
	Descriptor *ProjectHandleDescriptor
}

// Container is a solution folder or misc-files entry holding nested projects.
type Container struct {
	Ref      automation.ProjectRef
	Children []Project
}

func (Leaf) isProject()      {}
func (Container) isProject() {}

// Flatten walks the variant tree depth first and returns every leaf descriptor.
func Flatten(projects []Project) []*ProjectHandleDescriptor {
	var out []*ProjectHandleDescriptor
	var walk func([]Project)
	walk = func(ps []Project) {
		for _, p := range ps {
			switch v := p.(type) {
			case Leaf:
				if v.Descriptor != nil {
					out = append(out, v.Descriptor)
				}
			case Container:
				walk(v.Children)
			}
		}
	}
	walk(projects)
	return out
}

// Outcome is the per-project result of a reconciliation operation.
type Outcome string

const (
	// OutcomeAdded means the project was added to the manifest.
	OutcomeAdded Outcome = "added"

	// OutcomeMissing means the project is still absent from the manifest.
	OutcomeMissing Outcome = "missing"

	// OutcomeRetargeted means the property was rewritten.
	OutcomeRetargeted Outcome = "retargeted"

	// OutcomeUnchanged means the property already matched the target.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeIgnored means the project targets an incompatible platform and was left alone.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeDenied means a retarget policy refused the change.
	OutcomeDenied Outcome = "denied"

	// OutcomeSpecial means the entry is a container and is never retargeted.
	OutcomeSpecial Outcome = "special"

	// OutcomeNonUpdated means the project did not converge within the pass bound.
	OutcomeNonUpdated Outcome = "non_updated"
)

// Resolved reports whether the outcome removes a project from the non-updated set.
func (o Outcome) Resolved() bool {
	switch o {
	case OutcomeRetargeted, OutcomeUnchanged, OutcomeIgnored, OutcomeDenied, OutcomeSpecial:
		return true
	}
	return false
}

// ProjectOutcome pairs a project with its outcome.
type ProjectOutcome struct {
	Project string  `json:"project" yaml:"project"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Before  string  `json:"before,omitempty" yaml:"before,omitempty"`
	After   string  `json:"after,omitempty" yaml:"after,omitempty"`
	Detail  string  `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// AggregateResult is the result of AggregateProjects.
type AggregateResult struct {
	RunID      string                 `json:"run_id" yaml:"run_id"`
	Solution   string                 `json:"solution" yaml:"solution"`
	Aggregated bool                   `json:"aggregated" yaml:"aggregated"`
	Added      []ProjectFileCandidate `json:"added,omitempty" yaml:"added,omitempty"`
	Missing    []ProjectFileCandidate `json:"missing,omitempty" yaml:"missing,omitempty"`
	Passes     int                    `json:"passes" yaml:"passes"`
	Duration   time.Duration          `json:"duration" yaml:"duration"`
}

// RetargetResult is the result of UpdateTargetFrameworkForProjects.
type RetargetResult struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Solution   string           `json:"solution" yaml:"solution"`
	Target     string           `json:"target" yaml:"target"`
	Passes     int              `json:"passes" yaml:"passes"`
	Outcomes   []ProjectOutcome `json:"outcomes" yaml:"outcomes"`
	NonUpdated []ProjectView    `json:"non_updated,omitempty" yaml:"non_updated,omitempty"`
	Duration   time.Duration    `json:"duration" yaml:"duration"`
}

// Converged reports whether every non-special project reached the target.
func (r *RetargetResult) Converged() bool {
	return len(r.NonUpdated) == 0
}

// pathKey normalizes a path for identity comparisons. Relative paths are
// made absolute so scanner output and session full names compare equal.
func pathKey(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
