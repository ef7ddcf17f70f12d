package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"waveline.dev/waveline/runtime/task"
)

type eventRow struct {
	ID        int64     `db:"id"`
	ProjectID string    `db:"project_id"`
	TaskID    string    `db:"task_id"`
	Type      string    `db:"type"`
	Message   string    `db:"message"`
	Data      string    `db:"data"`
	Timestamp time.Time `db:"timestamp"`
}

func (r eventRow) domain() (*task.Event, error) {
	var data map[string]any
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			return nil, fmt.Errorf("store: event %d data: %w", r.ID, err)
		}
	}
	return &task.Event{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		TaskID:    r.TaskID,
		Type:      task.EventType(r.Type),
		Message:   r.Message,
		Data:      data,
		Timestamp: r.Timestamp,
	}, nil
}

// InsertEvent persists one event and fills in its assigned ID and timestamp.
func (s *Store) InsertEvent(ctx context.Context, e *task.Event) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if e.Timestamp.IsZero() {
			e.Timestamp = s.clock.Now()
		}
		data := "{}"
		if e.Data != nil {
			b, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("store: marshal event data: %w", err)
			}
			data = string(b)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (project_id, task_id, type, message, data, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ProjectID, e.TaskID, e.Type, e.Message, data, e.Timestamp)
		if err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
		e.ID, _ = res.LastInsertId()
		return nil
	})
}

// RecentEvents returns up to limit persisted events for a project, oldest
// first. A non-empty taskID narrows the query to one task.
func (s *Store) RecentEvents(ctx context.Context, projectID, taskID string, limit int) ([]*task.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM task_events WHERE project_id = ?`
	args := []any{projectID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	// Rows come back newest first; reverse so callers read history in order.
	out := make([]*task.Event, len(rows))
	for i, r := range rows {
		e, err := r.domain()
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = e
	}
	return out, nil
}
