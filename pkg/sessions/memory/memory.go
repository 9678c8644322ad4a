// Package memory provides a deterministic in-memory automation session.
//
// The session keeps a registry of projects and containers addressed by index,
// and can inject busy rejections, scripted failures and renumbering of the
// registry after writes. It backs the engine tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/projup/projup/pkg/automation"
)

// DefaultMoniker is the property value of projects added without one.
const DefaultMoniker = ".NETFramework,Version=v4.0"

// ErrStaleRef is returned when a ref no longer points at the entry it was issued for.
var ErrStaleRef = errors.New("project handle is no longer valid")

// busyError mimics the text the automation server returns while busy.
func busyError(op string) error {
	return fmt.Errorf("%s: call was rejected by callee (%s)", op, automation.BusyMarker)
}

type entry struct {
	index    int
	fullName string
	name     string
	kind     automation.ProjectKind
	props    map[string]string
	children []*entry
}

func (e *entry) ref() automation.ProjectRef {
	return automation.ProjectRef{Index: e.index, FullName: e.fullName, Name: e.name, Kind: e.kind}
}

// Session is an in-memory automation session. It is safe for concurrent use
// and reports whether calls ever overlapped.
type Session struct {
	// BusyEvery rejects every n-th call with the busy signal when positive.
	BusyEvery int

	// RenumberOnWrite renumbers the whole registry after every property write,
	// invalidating every outstanding ref.
	RenumberOnWrite bool

	// WriteOnSave writes a solution text listing the registered projects on SaveAs.
	WriteOnSave bool

	mu        sync.Mutex
	top       []*entry
	byIndex   map[int]*entry
	nextIndex int
	opened    string
	closed    bool
	quit      bool

	calls     int
	counts    map[string]int
	writes    map[string]int
	scripted  map[string][]error
	always    map[string]error
	addErrors map[string]error

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

// New creates an empty session.
func New() *Session {
	return &Session{
		byIndex:   make(map[int]*entry),
		counts:    make(map[string]int),
		writes:    make(map[string]int),
		scripted:  make(map[string][]error),
		always:    make(map[string]error),
		addErrors: make(map[string]error),
	}
}

// Connector returns a connector that hands out s on every connect.
func (s *Session) Connector() automation.Connector {
	return automation.ConnectorFunc(func(context.Context) (automation.Session, error) {
		s.mu.Lock()
		s.closed, s.quit = false, false
		s.mu.Unlock()
		return s, nil
	})
}

// AddProject registers a top-level project with the given moniker.
func (s *Session) AddProject(fullName, moniker string) automation.ProjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.newProject(fullName, moniker)
	s.top = append(s.top, e)
	return e.ref()
}

// AddContainer registers a top-level container.
func (s *Session) AddContainer(name string, kind automation.ProjectKind) automation.ProjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.register(&entry{name: name, kind: kind})
	s.top = append(s.top, e)
	return e.ref()
}

// AddNested registers a project inside container. It panics if container is unknown.
func (s *Session) AddNested(container automation.ProjectRef, fullName, moniker string) automation.ProjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.byIndex[container.Index]
	if !ok {
		panic(fmt.Sprintf("memory: unknown container %s", container))
	}
	e := s.newProject(fullName, moniker)
	parent.children = append(parent.children, e)
	return e.ref()
}

// AddNestedContainer registers a container inside container.
func (s *Session) AddNestedContainer(container automation.ProjectRef, name string, kind automation.ProjectKind) automation.ProjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.byIndex[container.Index]
	if !ok {
		panic(fmt.Sprintf("memory: unknown container %s", container))
	}
	e := s.register(&entry{name: name, kind: kind})
	parent.children = append(parent.children, e)
	return e.ref()
}

// FailNext makes the next calls of op fail with errs, in order.
func (s *Session) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[op] = append(s.scripted[op], errs...)
}

// FailAlways makes every call of op fail with err. A nil err clears it.
func (s *Session) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.always, op)
		return
	}
	s.always[op] = err
}

// FailAdd makes every add of the project file at path fail with err.
func (s *Session) FailAdd(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addErrors[filepath.Clean(path)] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Session) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Writes returns how many property writes reached the project at fullName.
func (s *Session) Writes(fullName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[filepath.Clean(fullName)]
}

// Property returns a property of the project at fullName.
func (s *Session) Property(fullName, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findByName(fullName, "")
	if e == nil {
		return "", false
	}
	v, ok := e.props[name]
	return v, ok
}

// Projects returns the refs of every non-container entry, depth first.
func (s *Session) Projects() []automation.ProjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []automation.ProjectRef
	walk(s.top, func(e *entry) {
		if !e.kind.IsContainer() {
			out = append(out, e.ref())
		}
	})
	return out
}

// Overlapped reports whether two calls were ever in flight at the same time.
func (s *Session) Overlapped() bool {
	return s.overlapped.Load()
}

// Closed reports whether the session was closed and quit since the last connect.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.quit
}

// enter counts the call, tracks overlap and returns an injected failure, if any.
// The caller must hold s.mu after enter returns and release it with leave.
func (s *Session) enter(op string) error {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	s.mu.Lock()
	s.calls++
	s.counts[op]++

	if q := s.scripted[op]; len(q) > 0 {
		s.scripted[op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	if err, ok := s.always[op]; ok {
		return err
	}
	if s.BusyEvery > 0 && s.calls%s.BusyEvery == 0 {
		return busyError(op)
	}
	return nil
}

func (s *Session) leave() {
	s.mu.Unlock()
	s.inFlight.Add(-1)
}

// Open implements automation.Session.
func (s *Session) Open(ctx context.Context, path string) error {
	if err := s.enter(automation.OpOpen); err != nil {
		s.leave()
		return err
	}
	defer s.leave()
	s.opened = path
	s.closed = false
	return nil
}

// SaveAs implements automation.Session.
func (s *Session) SaveAs(ctx context.Context, path string) error {
	if err := s.enter(automation.OpSaveAs); err != nil {
		s.leave()
		return err
	}
	defer s.leave()
	if !s.WriteOnSave {
		return nil
	}
	return os.WriteFile(path, []byte(s.render(path)), 0o644)
}

// Close implements automation.Session.
func (s *Session) Close(ctx context.Context) error {
	if err := s.enter(automation.OpClose); err != nil {
		s.leave()
		return err
	}
	defer s.leave()
	s.closed = true
	s.opened = ""
	return nil
}

// Quit implements automation.Session.
func (s *Session) Quit(ctx context.Context) error {
	if err := s.enter(automation.OpQuit); err != nil {
		s.leave()
		return err
	}
	defer s.leave()
	s.quit = true
	return nil
}

// AddProjectFromFile implements automation.Session.
func (s *Session) AddProjectFromFile(ctx context.Context, path string) (automation.ProjectRef, error) {
	if err := s.enter(automation.OpAddProject); err != nil {
		s.leave()
		return automation.ProjectRef{}, err
	}
	defer s.leave()

	clean := filepath.Clean(path)
	if err, ok := s.addErrors[clean]; ok {
		return automation.ProjectRef{}, err
	}
	if e := s.findByName(clean, ""); e != nil {
		return e.ref(), nil
	}
	e := s.newProject(clean, DefaultMoniker)
	s.top = append(s.top, e)
	return e.ref(), nil
}

// EnumerateProjects implements automation.Session.
func (s *Session) EnumerateProjects(ctx context.Context) ([]automation.ProjectRef, error) {
	if err := s.enter(automation.OpListProjs); err != nil {
		s.leave()
		return nil, err
	}
	defer s.leave()
	return refs(s.top), nil
}

// EnumerateSubProjects implements automation.Session.
func (s *Session) EnumerateSubProjects(ctx context.Context, container automation.ProjectRef) ([]automation.ProjectRef, error) {
	if err := s.enter(automation.OpChildren); err != nil {
		s.leave()
		return nil, err
	}
	defer s.leave()
	e, err := s.resolve(container)
	if err != nil {
		return nil, err
	}
	return refs(e.children), nil
}

// GetProperty implements automation.Session.
func (s *Session) GetProperty(ctx context.Context, ref automation.ProjectRef, name string) (string, error) {
	if err := s.enter(automation.OpGetProperty); err != nil {
		s.leave()
		return "", err
	}
	defer s.leave()
	e, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	v, ok := e.props[name]
	if !ok {
		return "", fmt.Errorf("property %s not found on %s", name, e.name)
	}
	return v, nil
}

// SetProperty implements automation.Session.
func (s *Session) SetProperty(ctx context.Context, ref automation.ProjectRef, name, value string) error {
	if err := s.enter(automation.OpSetProperty); err != nil {
		s.leave()
		return err
	}
	defer s.leave()
	e, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if e.kind.IsContainer() {
		return fmt.Errorf("%s has no configuration properties", e.name)
	}
	e.props[name] = value
	s.writes[e.fullName]++
	if s.RenumberOnWrite {
		s.renumber()
	}
	return nil
}

// ReloadProject implements automation.Session.
func (s *Session) ReloadProject(ctx context.Context, ref automation.ProjectRef) (automation.ProjectRef, error) {
	if err := s.enter(automation.OpReload); err != nil {
		s.leave()
		return automation.ProjectRef{}, err
	}
	defer s.leave()
	e := s.findByName(ref.FullName, ref.Name)
	if e == nil {
		return automation.ProjectRef{}, fmt.Errorf("project %s not found in the active project list", ref)
	}
	return e.ref(), nil
}

func (s *Session) register(e *entry) *entry {
	s.nextIndex++
	e.index = s.nextIndex
	s.byIndex[e.index] = e
	return e
}

func (s *Session) newProject(fullName, moniker string) *entry {
	clean := filepath.Clean(fullName)
	e := &entry{
		fullName: clean,
		name:     strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean)),
		kind:     automation.KindProject,
		props:    map[string]string{automation.TargetFrameworkProperty: moniker},
	}
	return s.register(e)
}

// resolve maps a ref to its entry, rejecting refs issued before a renumbering.
func (s *Session) resolve(ref automation.ProjectRef) (*entry, error) {
	e, ok := s.byIndex[ref.Index]
	if !ok || e.name != ref.Name || (ref.FullName != "" && e.fullName != filepath.Clean(ref.FullName)) {
		return nil, fmt.Errorf("%s: %w", ref, ErrStaleRef)
	}
	return e, nil
}

func (s *Session) findByName(fullName, name string) *entry {
	var found *entry
	clean := ""
	if fullName != "" {
		clean = filepath.Clean(fullName)
	}
	walk(s.top, func(e *entry) {
		if found != nil {
			return
		}
		if clean != "" && e.fullName == clean {
			found = e
		} else if clean == "" && name != "" && e.name == name {
			found = e
		}
	})
	return found
}

// renumber assigns fresh indexes to every entry.
func (s *Session) renumber() {
	s.byIndex = make(map[int]*entry, len(s.byIndex))
	walk(s.top, func(e *entry) {
		s.register(e)
	})
}

// render produces solution text for the registered projects.
func (s *Session) render(path string) string {
	var b strings.Builder
	b.WriteString("Microsoft Visual Studio Solution File, Format Version 12.00\n")
	dir := filepath.Dir(path)
	walk(s.top, func(e *entry) {
		if e.kind.IsContainer() {
			return
		}
		rel, err := filepath.Rel(dir, e.fullName)
		if err != nil {
			rel = e.fullName
		}
		rel = strings.ReplaceAll(rel, "/", `\`)
		fmt.Fprintf(&b, "Project(\"{FAE04EC0-301F-11D3-BF4B-00C04F79EFBC}\") = \"%s\", \"%s\", \"{%s}\"\nEndProject\n",
			e.name, rel, strings.ToUpper(uuid.NewString()))
	})
	return b.String()
}

func walk(entries []*entry, fn func(*entry)) {
	for _, e := range entries {
		fn(e)
		walk(e.children, fn)
	}
}

func refs(entries []*entry) []automation.ProjectRef {
	out := make([]automation.ProjectRef, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ref())
	}
	return out
}

var _ automation.Session = (*Session)(nil)
