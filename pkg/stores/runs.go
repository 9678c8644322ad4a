package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/projup/projup/pkg/engine"
)

const selectRun = `SELECT id, operation, solution, target, status, passes, remaining,
	error, started_at, completed_at, duration_ms FROM runs`

func scanRun(row scanner) (*engine.Run, error) {
	var (
		r         engine.Run
		errText   sql.NullString
		completed sql.NullTime
		ms        int64
	)
	err := row.Scan(&r.ID, &r.Operation, &r.Solution, &r.Target, &r.Status, &r.Passes,
		&r.Remaining, &errText, &r.StartedAt, &completed, &ms)
	if err != nil {
		return nil, err
	}
	r.Error = errText.String
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return &r, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, operation, solution, target, status, passes, remaining,
			error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Operation, run.Solution, run.Target, run.Status, run.Passes, run.Remaining,
		nullable(run.Error), run.StartedAt.UTC(), utc(run.CompletedAt), run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun writes the fields that change once a run ends.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *engine.Run) error {
	err := s.execOne(ctx, run.ID,
		`UPDATE runs SET status = ?, passes = ?, remaining = ?, error = ?,
			completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		run.Status, run.Passes, run.Remaining, nullable(run.Error),
		utc(run.CompletedAt), run.Duration.Milliseconds(), run.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns pages through runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs, err := collect(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run; its outcomes and events go with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	err := s.execOne(ctx, id, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	return err
}

func (s *SQLiteStore) AppendOutcome(ctx context.Context, runID string, o engine.ProjectOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_outcomes (run_id, project, outcome, before, after, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, o.Project, o.Outcome, o.Before, o.After, o.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording outcome of %s: %w", o.Project, err)
	}
	return nil
}

// ListOutcomes returns the outcomes of a run in the order they were recorded.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, project, outcome, before, after, detail, recorded_at
		 FROM project_outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes of %s: %w", runID, err)
	}
	out, err := collect(rows, func(row scanner) (*OutcomeRecord, error) {
		var rec OutcomeRecord
		err := row.Scan(&rec.ID, &rec.RunID, &rec.Project, &rec.Outcome,
			&rec.Before, &rec.After, &rec.Detail, &rec.RecordedAt)
		return &rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing outcomes of %s: %w", runID, err)
	}
	return out, nil
}

// RunDetail loads a run with its outcomes and every line logged during it.
func (s *SQLiteStore) RunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &RunDetail{Run: run}
	if d.Outcomes, err = s.ListOutcomes(ctx, id); err != nil {
		return nil, err
	}
	if d.Events, err = s.GetEvents(ctx, &id, nil, -1, 0); err != nil {
		return nil, err
	}
	return d, nil
}

// RunStarted, RecordOutcome and RunFinished make the store an
// engine.RunRecorder.

func (s *SQLiteStore) RunStarted(ctx context.Context, run *engine.Run) error {
	return s.CreateRun(ctx, run)
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, o engine.ProjectOutcome) error {
	return s.AppendOutcome(ctx, runID, o)
}

func (s *SQLiteStore) RunFinished(ctx context.Context, run *engine.Run) error {
	return s.UpdateRun(ctx, run)
}
