package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/sessions/memory"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(id string, startedAt time.Time) *engine.Run {
	return &engine.Run{
		ID:        id,
		Operation: engine.OperationRetarget,
		Solution:  `C:\w\S.sln`,
		Target:    ".NETFramework,Version=v4.5",
		Status:    engine.RunStatusRunning,
		StartedAt: startedAt,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an empty path to be rejected")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "project_outcomes", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestRunCRUD tests run operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := newRun("run-001", time.Now())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Operation != engine.OperationRetarget || retrieved.Target != run.Target || retrieved.Status != engine.RunStatusRunning {
		t.Errorf("unexpected run %+v", retrieved)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be empty for a running run")
	}
	if !retrieved.StartedAt.Equal(run.StartedAt) {
		t.Errorf("expected StartedAt %v, got %v", run.StartedAt, retrieved.StartedAt)
	}

	completed := run.StartedAt.Add(2 * time.Second)
	run.Status = engine.RunStatusPartial
	run.Passes = 3
	run.Remaining = 1
	run.Error = "1 project did not converge"
	run.CompletedAt = &completed
	run.Duration = 2 * time.Second
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != engine.RunStatusPartial || updated.Passes != 3 || updated.Remaining != 1 {
		t.Errorf("unexpected updated run %+v", updated)
	}
	if updated.Error != run.Error || updated.Duration != 2*time.Second {
		t.Errorf("unexpected error or duration %+v", updated)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(completed) {
		t.Errorf("expected CompletedAt %v, got %v", completed, updated.CompletedAt)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateRun(ctx, run); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("expected newest first, got %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Errorf("expected run-a on the second page, got %v", runIDs(runs))
	}
}

func runIDs(runs []*engine.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestOutcomesAndEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := newRun("run-002", time.Now())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	outcomes := []engine.ProjectOutcome{
		{Project: `C:\w\A\A.csproj`, Outcome: engine.OutcomeRetargeted, Before: ".NETFramework,Version=v4.0", After: run.Target},
		{Project: `C:\w\B\B.csproj`, Outcome: engine.OutcomeDenied, Before: ".NETFramework,Version=v4.6", After: ".NETFramework,Version=v4.6", Detail: "[no-downgrade: B]"},
	}
	for _, o := range outcomes {
		if err := store.AppendOutcome(ctx, run.ID, o); err != nil {
			t.Fatalf("failed to append outcome: %v", err)
		}
	}
	if err := store.AppendOutcome(ctx, "no-such-run", outcomes[0]); err == nil {
		t.Error("expected foreign key violation for an unknown run")
	}

	event := &Event{RunID: &run.ID, Level: EventLevelWarning, Message: "Solution busy", Timestamp: time.Now()}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if event.ID == 0 {
		t.Error("expected event ID to be assigned")
	}
	if err := store.AppendEvent(ctx, &Event{Level: EventLevelInfo, Message: "unattached", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	detail, err := store.RunDetail(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to load run detail: %v", err)
	}
	if len(detail.Outcomes) != 2 || detail.Outcomes[1].Outcome != engine.OutcomeDenied || detail.Outcomes[1].Detail != "[no-downgrade: B]" {
		t.Errorf("unexpected outcomes %+v", detail.Outcomes)
	}
	if len(detail.Events) != 1 || detail.Events[0].Message != "Solution busy" {
		t.Errorf("unexpected events %+v", detail.Events)
	}

	warn := EventLevelWarning
	events, err := store.GetEvents(ctx, nil, &warn, 10, 0)
	if err != nil || len(events) != 1 {
		t.Errorf("expected one warning event, got %d (%v)", len(events), err)
	}
	all, err := store.GetEvents(ctx, nil, nil, -1, 0)
	if err != nil || len(all) != 2 {
		t.Errorf("expected two events in total, got %d (%v)", len(all), err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	remaining, err := store.ListOutcomes(ctx, run.ID)
	if err != nil || len(remaining) != 0 {
		t.Errorf("expected outcomes to be deleted with the run, got %d (%v)", len(remaining), err)
	}
}

func TestAppendLog_AttachesToRunInProgress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	start := time.Now()
	run := newRun("run-003", start)
	if err := store.RunStarted(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLog(ctx, "before", start.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLog(ctx, "during", start.Add(time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	end := start.Add(time.Second)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &end
	if err := store.RunFinished(ctx, run); err != nil {
		t.Fatal(err)
	}

	// Drained after the run finished but logged while it was running.
	if err := store.AppendLog(ctx, "late", start.Add(500*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLog(ctx, "after", end.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	events, err := store.GetEvents(ctx, &run.ID, nil, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Message != "during" || events[1].Message != "late" {
		t.Errorf("expected [during late] on the run, got %+v", events)
	}
}

func TestRecorder_EngineRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mem := memory.New()
	mem.AddProject(`C:\w\A\A.csproj`, memory.DefaultMoniker)
	mem.AddProject(`C:\w\B\B.csproj`, ".NETFramework,Version=v4.5")

	e := engine.New(mem.Connector(), `C:\w\S.sln`, engine.Options{
		RetryDelay: time.Millisecond,
		Recorder:   store,
	})
	result, err := e.UpdateTargetFrameworkForProjects(ctx, engine.TargetFramework{Version: engine.Framework45}, 0)
	if err != nil {
		t.Fatalf("retarget failed: %v", err)
	}

	run, err := store.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("run was not recorded: %v", err)
	}
	if run.Status != engine.RunStatusSucceeded || run.CompletedAt == nil {
		t.Errorf("expected a finished successful run, got %+v", run)
	}

	outcomes, err := store.ListOutcomes(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", outcomes)
	}
	got := map[string]engine.Outcome{}
	for _, o := range outcomes {
		got[o.Project] = o.Outcome
	}
	if got[`C:\w\A\A.csproj`] != engine.OutcomeRetargeted || got[`C:\w\B\B.csproj`] != engine.OutcomeUnchanged {
		t.Errorf("unexpected outcomes %v", got)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".projup", "history.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.CreateRun(context.Background(), newRun("run-file", time.Now())); err != nil {
		t.Fatalf("failed to write to file store: %v", err)
	}
}
