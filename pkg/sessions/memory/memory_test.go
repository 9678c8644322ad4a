package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/projup/projup/pkg/automation"
)

func TestSession_EnumerateNested(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddProject("/w/A/A.csproj", DefaultMoniker)
	folder := s.AddContainer("Libs", automation.KindSolutionFolder)
	s.AddNested(folder, "/w/Libs/B.csproj", DefaultMoniker)

	top, err := s.EnumerateProjects(ctx)
	if err != nil {
		t.Fatalf("EnumerateProjects: %v", err)
	}
	if len(top) != 2 || top[1].Kind != automation.KindSolutionFolder {
		t.Fatalf("expected project and folder, got %v", top)
	}

	children, err := s.EnumerateSubProjects(ctx, top[1])
	if err != nil {
		t.Fatalf("EnumerateSubProjects: %v", err)
	}
	if len(children) != 1 || children[0].Name != "B" {
		t.Errorf("expected nested B, got %v", children)
	}

	if n := len(s.Projects()); n != 2 {
		t.Errorf("expected 2 non-container projects, got %d", n)
	}
}

func TestSession_PropertyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := s.AddProject("/w/A/A.csproj", DefaultMoniker)

	if err := s.SetProperty(ctx, ref, automation.TargetFrameworkProperty, ".NETFramework,Version=v4.5"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	got, err := s.GetProperty(ctx, ref, automation.TargetFrameworkProperty)
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if got != ".NETFramework,Version=v4.5" {
		t.Errorf("expected v4.5, got %s", got)
	}
	if s.Writes("/w/A/A.csproj") != 1 {
		t.Errorf("expected 1 write, got %d", s.Writes("/w/A/A.csproj"))
	}
	if _, err := s.GetProperty(ctx, ref, "Missing"); err == nil {
		t.Error("expected an error for an unknown property")
	}
}

func TestSession_RenumberInvalidatesRefs(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.RenumberOnWrite = true
	a := s.AddProject("/w/A/A.csproj", DefaultMoniker)
	b := s.AddProject("/w/B/B.csproj", DefaultMoniker)

	if err := s.SetProperty(ctx, a, automation.TargetFrameworkProperty, "x"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}

	_, err := s.GetProperty(ctx, b, automation.TargetFrameworkProperty)
	if !errors.Is(err, ErrStaleRef) {
		t.Fatalf("expected ErrStaleRef, got %v", err)
	}

	fresh, err := s.ReloadProject(ctx, b)
	if err != nil {
		t.Fatalf("ReloadProject: %v", err)
	}
	if fresh.Index == b.Index {
		t.Errorf("expected a new index after renumbering, got %d", fresh.Index)
	}
	if _, err := s.GetProperty(ctx, fresh, automation.TargetFrameworkProperty); err != nil {
		t.Errorf("expected reloaded ref to resolve, got %v", err)
	}
}

func TestSession_BusyEvery(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.BusyEvery = 2

	if _, err := s.EnumerateProjects(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := s.EnumerateProjects(ctx)
	if !automation.IsBusy(err) {
		t.Fatalf("expected busy on second call, got %v", err)
	}
	if s.Calls(automation.OpListProjs) != 2 {
		t.Errorf("expected 2 counted calls, got %d", s.Calls(automation.OpListProjs))
	}
}

func TestSession_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.FailNext(automation.OpOpen, boom, nil)
	s.FailAlways(automation.OpQuit, boom)

	if err := s.Open(ctx, "S.sln"); !errors.Is(err, boom) {
		t.Errorf("expected scripted failure, got %v", err)
	}
	if err := s.Open(ctx, "S.sln"); err != nil {
		t.Errorf("expected nil scripted entry to pass, got %v", err)
	}
	if err := s.Quit(ctx); !errors.Is(err, boom) {
		t.Errorf("expected persistent failure, got %v", err)
	}
	s.FailAlways(automation.OpQuit, nil)
	if err := s.Quit(ctx); err != nil {
		t.Errorf("expected cleared failure, got %v", err)
	}
}

func TestSession_AddProjectFromFile(t *testing.T) {
	ctx := context.Background()
	s := New()
	path := filepath.Join("/w", "B", "B.csproj")

	first, err := s.AddProjectFromFile(ctx, path)
	if err != nil {
		t.Fatalf("AddProjectFromFile: %v", err)
	}
	second, err := s.AddProjectFromFile(ctx, path)
	if err != nil {
		t.Fatalf("AddProjectFromFile: %v", err)
	}
	if first.Index != second.Index {
		t.Errorf("expected adding twice to return the same entry, got %d and %d", first.Index, second.Index)
	}

	s.FailAdd(filepath.Join("/w", "C", "C.csproj"), errors.New("unsupported project type"))
	if _, err := s.AddProjectFromFile(ctx, filepath.Join("/w", "C", "C.csproj")); err == nil {
		t.Error("expected add failure")
	}
}

func TestSession_WriteOnSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New()
	s.WriteOnSave = true
	s.AddProject(filepath.Join(dir, "A", "A.csproj"), DefaultMoniker)
	s.AddContainer("Folder", automation.KindSolutionFolder)

	sln := filepath.Join(dir, "S.sln")
	if err := s.SaveAs(ctx, sln); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	data, err := os.ReadFile(sln)
	if err != nil {
		t.Fatalf("read solution: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"A", "A\A.csproj"`) {
		t.Errorf("expected relative backslash path, got %s", text)
	}
	if strings.Contains(text, "Folder") {
		t.Errorf("expected containers to be omitted, got %s", text)
	}
}

func TestSession_CloseAndReconnect(t *testing.T) {
	ctx := context.Background()
	s := New()
	conn := s.Connector()

	sess, err := conn.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close(ctx)
	_ = sess.Quit(ctx)
	if !s.Closed() {
		t.Error("expected session closed")
	}

	if _, err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.Closed() {
		t.Error("expected reconnect to reset closed state")
	}
}
