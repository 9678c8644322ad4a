// Package solutionfile implements an automation session directly on solution
// text and MSBuild project files, without an IDE.
//
// Registry indexes are the entry positions in the solution, so refs stay valid
// until the session is closed. The TargetFrameworkMoniker property is mapped
// onto the TargetFrameworkVersion, TargetFrameworkProfile and
// TargetFrameworkIdentifier elements of the project file. Any other property
// name reads or writes the element of that name.
package solutionfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/projup/projup/pkg/automation"
)

// ErrNotOpen is returned by calls that need an open solution.
var ErrNotOpen = errors.New("no solution is open")

// ErrQuit is returned by every call after Quit.
var ErrQuit = errors.New("automation session has quit")

// Session is an automation.Session over a solution file.
type Session struct {
	mu   sync.Mutex
	doc  *Document
	path string
	quit bool
}

var _ automation.Session = (*Session)(nil)

// New creates a session with no solution open.
func New() *Session {
	return &Session{}
}

// Connector returns a connector that creates a fresh Session per connect.
func Connector() automation.Connector {
	return automation.ConnectorFunc(func(context.Context) (automation.Session, error) {
		return New(), nil
	})
}

func (s *Session) check(ctx context.Context, needDoc bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.quit {
		return ErrQuit
	}
	if needDoc && s.doc == nil {
		return ErrNotOpen
	}
	return nil
}

// Open implements automation.Session.
func (s *Session) Open(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, false); err != nil {
		return err
	}
	doc, err := Load(path)
	if err != nil {
		return err
	}
	s.doc, s.path = doc, path
	log.Debug().Str("solution", path).Int("entries", len(doc.Entries)).Msg("Solution opened")
	return nil
}

// SaveAs implements automation.Session. Without an open solution it writes
// an empty one.
func (s *Session) SaveAs(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, false); err != nil {
		return err
	}
	doc := s.doc
	if doc == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		doc = NewDocument(filepath.Dir(abs))
	}
	return doc.Save(path)
}

// Close implements automation.Session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quit {
		return ErrQuit
	}
	s.doc, s.path = nil, ""
	return nil
}

// Quit implements automation.Session.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quit = true
	s.doc = nil
	return nil
}

// AddProjectFromFile implements automation.Session.
func (s *Session) AddProjectFromFile(ctx context.Context, path string) (automation.ProjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, true); err != nil {
		return automation.ProjectRef{}, err
	}
	if _, err := LoadProjectFile(path); err != nil {
		return automation.ProjectRef{}, err
	}
	e, err := s.doc.Add(path)
	if err != nil {
		return automation.ProjectRef{}, err
	}
	return s.ref(e), nil
}

// EnumerateProjects implements automation.Session.
func (s *Session) EnumerateProjects(ctx context.Context) ([]automation.ProjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, true); err != nil {
		return nil, err
	}
	return s.refs(s.doc.TopLevel()), nil
}

// EnumerateSubProjects implements automation.Session.
func (s *Session) EnumerateSubProjects(ctx context.Context, container automation.ProjectRef) ([]automation.ProjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, true); err != nil {
		return nil, err
	}
	e, err := s.resolve(container)
	if err != nil {
		return nil, err
	}
	return s.refs(s.doc.Children(e)), nil
}

// GetProperty implements automation.Session.
func (s *Session) GetProperty(ctx context.Context, ref automation.ProjectRef, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pf, err := s.projectFile(ctx, ref)
	if err != nil {
		return "", err
	}
	if name == automation.TargetFrameworkProperty {
		return pf.Moniker()
	}
	v, ok := pf.Property(name)
	if !ok {
		return "", fmt.Errorf("property %s not found on %s", name, ref)
	}
	return v, nil
}

// SetProperty implements automation.Session. The project file is written
// immediately.
func (s *Session) SetProperty(ctx context.Context, ref automation.ProjectRef, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pf, err := s.projectFile(ctx, ref)
	if err != nil {
		return err
	}
	if name == automation.TargetFrameworkProperty {
		err = pf.SetMoniker(value)
	} else {
		err = pf.SetProperty(name, value)
	}
	if err != nil {
		return err
	}
	return pf.Save()
}

// ReloadProject implements automation.Session.
func (s *Session) ReloadProject(ctx context.Context, ref automation.ProjectRef) (automation.ProjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, true); err != nil {
		return automation.ProjectRef{}, err
	}
	if ref.FullName != "" {
		if e := s.doc.FindByPath(ref.FullName); e != nil {
			return s.ref(e), nil
		}
	}
	for _, e := range s.doc.Entries {
		if e.Name == ref.Name && e.Kind() == ref.Kind {
			return s.ref(e), nil
		}
	}
	return automation.ProjectRef{}, fmt.Errorf("project %s not found in the active project list", ref)
}

func (s *Session) projectFile(ctx context.Context, ref automation.ProjectRef) (*ProjectFile, error) {
	if err := s.check(ctx, true); err != nil {
		return nil, err
	}
	e, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	if e.Kind() != automation.KindProject {
		return nil, fmt.Errorf("%s has no configuration properties", e.Name)
	}
	return LoadProjectFile(e.FullName())
}

func (s *Session) resolve(ref automation.ProjectRef) (*Entry, error) {
	i := ref.Index - 1
	if i < 0 || i >= len(s.doc.Entries) || s.doc.Entries[i].Name != ref.Name {
		return nil, fmt.Errorf("project %s is not in the solution", ref)
	}
	return s.doc.Entries[i], nil
}

func (s *Session) ref(e *Entry) automation.ProjectRef {
	for i, candidate := range s.doc.Entries {
		if candidate == e {
			return automation.ProjectRef{Index: i + 1, FullName: e.FullName(), Name: e.Name, Kind: e.Kind()}
		}
	}
	return automation.ProjectRef{FullName: e.FullName(), Name: e.Name, Kind: e.Kind()}
}

func (s *Session) refs(entries []*Entry) []automation.ProjectRef {
	out := make([]automation.ProjectRef, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.ref(e))
	}
	return out
}
