package stores

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		ev.RunID, ev.Level, ev.Message, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// GetEvents pages through events in insertion order. Nil filters match
// everything; a negative limit returns all rows.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, level, message, timestamp FROM events
		 WHERE (? IS NULL OR run_id = ?) AND (? IS NULL OR level = ?)
		 ORDER BY id LIMIT ? OFFSET ?`,
		runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	events, err := collect(rows, func(row scanner) (*Event, error) {
		var ev Event
		err := row.Scan(&ev.ID, &ev.RunID, &ev.Level, &ev.Message, &ev.Timestamp)
		return &ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

// AppendLog stores a progress line against the most recent run whose window
// contains at. Lines drained from the sink after their run finished still
// land on it; lines outside any run are stored with a null run.
func (s *SQLiteStore) AppendLog(ctx context.Context, line string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, level, message, timestamp)
		 VALUES ((SELECT id FROM runs
		          WHERE started_at <= ? AND (completed_at IS NULL OR completed_at >= ?)
		          ORDER BY started_at DESC LIMIT 1), ?, ?, ?)`,
		at, at, EventLevelInfo, line, at)
	if err != nil {
		return fmt.Errorf("appending log line: %w", err)
	}
	return nil
}
