package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"waveline.dev/waveline/runtime/task"
)

type checkpointRow struct {
	ID         string       `db:"id"`
	ProjectID  string       `db:"project_id"`
	TaskID     string       `db:"task_id"`
	Kind       string       `db:"kind"`
	Summary    string       `db:"summary"`
	Attempts   string       `db:"attempts"`
	Question   string       `db:"question"`
	Response   string       `db:"response"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

func (r checkpointRow) domain() (*task.Checkpoint, error) {
	var attempts []task.AttemptNote
	if r.Attempts != "" {
		if err := json.Unmarshal([]byte(r.Attempts), &attempts); err != nil {
			return nil, fmt.Errorf("store: checkpoint %s attempts: %w", r.ID, err)
		}
	}
	cp := &task.Checkpoint{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		TaskID:    r.TaskID,
		Kind:      r.Kind,
		Summary:   r.Summary,
		Attempts:  attempts,
		Question:  r.Question,
		Response:  r.Response,
		CreatedAt: r.CreatedAt,
	}
	if r.ResolvedAt.Valid {
		v := r.ResolvedAt.Time
		cp.ResolvedAt = &v
	}
	return cp, nil
}

// InsertCheckpoint persists a new unresolved checkpoint.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *task.Checkpoint) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		attempts, err := json.Marshal(cp.Attempts)
		if err != nil {
			return fmt.Errorf("store: marshal attempts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, project_id, task_id, kind, summary,
				attempts, question, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.ProjectID, cp.TaskID, cp.Kind, cp.Summary,
			string(attempts), cp.Question, cp.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert checkpoint: %w", err)
		}
		return nil
	})
}

// GetCheckpoint loads one checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*task.Checkpoint, error) {
	var row checkpointRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkpoint: %w", err)
	}
	return row.domain()
}

// OpenCheckpoints lists unresolved checkpoints for a project, oldest first.
func (s *Store) OpenCheckpoints(ctx context.Context, projectID string) ([]*task.Checkpoint, error) {
	var rows []checkpointRow
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, `
		SELECT * FROM checkpoints WHERE project_id = ? AND resolved_at IS NULL
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: open checkpoints: %w", err)
	}
	out := make([]*task.Checkpoint, 0, len(rows))
	for _, r := range rows {
		cp, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ResolveCheckpoint records the reviewer's response. Returns ErrConflict when
// the checkpoint was already resolved.
func (s *Store) ResolveCheckpoint(ctx context.Context, id, response string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE checkpoints SET response = ?, resolved_at = ?
			WHERE id = ? AND resolved_at IS NULL`,
			response, s.clock.Now(), id)
		if err != nil {
			return fmt.Errorf("store: resolve checkpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, gerr := s.GetCheckpoint(ctx, id); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: checkpoint %s already resolved", ErrConflict, id)
		}
		return nil
	})
}
