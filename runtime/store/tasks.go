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

type taskRow struct {
	ID                 string       `db:"id"`
	ProjectID          string       `db:"project_id"`
	PlanID             string       `db:"plan_id"`
	Title              string       `db:"title"`
	Description        string       `db:"description"`
	TaskType           string       `db:"task_type"`
	Complexity         string       `db:"complexity"`
	Priority           int          `db:"priority"`
	Status             string       `db:"status"`
	ModelTier          string       `db:"model_tier"`
	ModelUsed          string       `db:"model_used"`
	Context            string       `db:"context"`
	Tools              string       `db:"tools"`
	SystemPrompt       string       `db:"system_prompt"`
	Wave               int          `db:"wave"`
	OutputText         string       `db:"output_text"`
	Partial            bool         `db:"partial"`
	PromptTokens       int          `db:"prompt_tokens"`
	CompletionTokens   int          `db:"completion_tokens"`
	CostUSD            float64      `db:"cost_usd"`
	MaxTokens          int          `db:"max_tokens"`
	RetryCount         int          `db:"retry_count"`
	MaxRetries         int          `db:"max_retries"`
	VerificationStatus string       `db:"verification_status"`
	VerificationNotes  string       `db:"verification_notes"`
	Error              string       `db:"error"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r taskRow) domain() (*task.Task, error) {
	var entries []task.ContextEntry
	if r.Context != "" {
		if err := json.Unmarshal([]byte(r.Context), &entries); err != nil {
			return nil, fmt.Errorf("store: task %s context: %w", r.ID, err)
		}
	}
	var toolNames []string
	if r.Tools != "" {
		if err := json.Unmarshal([]byte(r.Tools), &toolNames); err != nil {
			return nil, fmt.Errorf("store: task %s tools: %w", r.ID, err)
		}
	}
	t := &task.Task{
		ID:                 r.ID,
		ProjectID:          r.ProjectID,
		PlanID:             r.PlanID,
		Title:              r.Title,
		Description:        r.Description,
		Type:               task.Type(r.TaskType),
		Complexity:         task.Complexity(r.Complexity),
		Priority:           r.Priority,
		Status:             task.Status(r.Status),
		Tier:               task.ModelTier(r.ModelTier),
		ModelUsed:          r.ModelUsed,
		Context:            entries,
		Tools:              toolNames,
		SystemPrompt:       r.SystemPrompt,
		Wave:               r.Wave,
		Output:             r.OutputText,
		Partial:            r.Partial,
		PromptTokens:       r.PromptTokens,
		CompletionTokens:   r.CompletionTokens,
		CostUSD:            r.CostUSD,
		MaxTokens:          r.MaxTokens,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		VerificationStatus: task.VerificationResult(r.VerificationStatus),
		VerificationNotes:  r.VerificationNotes,
		Error:              r.Error,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	return t, nil
}

// InsertTasks writes a batch of tasks and their dependency edges in one
// transaction. Used by the decomposer when a plan is approved.
func (s *Store) InsertTasks(ctx context.Context, tasks []*task.Task) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, t := range tasks {
			contextJSON, err := json.Marshal(t.Context)
			if err != nil {
				return fmt.Errorf("store: marshal context: %w", err)
			}
			toolsJSON, err := json.Marshal(t.Tools)
			if err != nil {
				return fmt.Errorf("store: marshal tools: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (
					id, project_id, plan_id, title, description, task_type,
					complexity, priority, status, model_tier, context, tools,
					system_prompt, wave, max_tokens, max_retries, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.ProjectID, t.PlanID, t.Title, t.Description, t.Type,
				t.Complexity, t.Priority, t.Status, t.Tier, string(contextJSON),
				string(toolsJSON), t.SystemPrompt, t.Wave, t.MaxTokens,
				t.MaxRetries, t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("store: insert task %s: %w", t.ID, err)
			}
		}
		for _, t := range tasks {
			for _, dep := range t.DependsOn {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`,
					t.ID, dep); err != nil {
					return fmt.Errorf("store: insert dep %s -> %s: %w", t.ID, dep, err)
				}
			}
		}
		return nil
	})
}

// GetTask loads one task with its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	t, err := row.domain()
	if err != nil {
		return nil, err
	}
	if err := sqlx.SelectContext(ctx, s.reader(ctx), &t.DependsOn,
		`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`, id); err != nil {
		return nil, fmt.Errorf("store: task deps: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks for a project ordered by wave then priority.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows,
		`SELECT * FROM tasks WHERE project_id = ? ORDER BY wave, priority, created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadyTasks returns PENDING tasks whose dependencies are all COMPLETED,
// ordered by priority. The join counts only incomplete dependencies so tasks
// with none qualify.
func (s *Store) ReadyTasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, `
		SELECT t.* FROM tasks t
		LEFT JOIN task_deps d ON d.task_id = t.id
		LEFT JOIN tasks dep ON dep.id = d.depends_on AND dep.status != ?
		WHERE t.project_id = ? AND t.status = ?
		GROUP BY t.id
		HAVING COUNT(dep.id) = 0
		ORDER BY t.priority, t.created_at`,
		task.StatusCompleted, projectID, task.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("store: ready tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UnblockTasks flips BLOCKED tasks whose dependencies have all completed back
// to PENDING. Returns the number of tasks unblocked.
func (s *Store) UnblockTasks(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE project_id = ? AND status = ? AND id NOT IN (
				SELECT d.task_id FROM task_deps d
				JOIN tasks dep ON dep.id = d.depends_on
				WHERE dep.status != ?
			)`,
			task.StatusPending, s.clock.Now(), projectID, task.StatusBlocked,
			task.StatusCompleted)
		if err != nil {
			return fmt.Errorf("store: unblock tasks: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ClaimTask atomically moves a PENDING task to QUEUED. Returns ErrConflict
// when another dispatcher won the race.
func (s *Store) ClaimTask(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			task.StatusQueued, s.clock.Now(), id, task.StatusPending)
		if err != nil {
			return fmt.Errorf("store: claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not pending", ErrConflict, id)
		}
		return nil
	})
}

// MarkTaskRunning records the start of execution.
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ?, error = '', updated_at = ?
			WHERE id = ? AND status = ?`,
			task.StatusRunning, now, now, id, task.StatusQueued)
		if err != nil {
			return fmt.Errorf("store: mark running: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not queued", ErrConflict, id)
		}
		return nil
	})
}

// CompleteTask writes the final result of a successful (or partial) run.
// Callers wrap this together with the usage-ledger writes in one WithTx.
func (s *Store) CompleteTask(ctx context.Context, t *task.Task) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, output_text = ?, partial = ?, model_used = ?,
				prompt_tokens = ?, completion_tokens = ?, cost_usd = ?,
				completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			task.StatusCompleted, t.Output, t.Partial, t.ModelUsed,
			t.PromptTokens, t.CompletionTokens, t.CostUSD,
			now, now, t.ID, task.StatusRunning)
		if err != nil {
			return fmt.Errorf("store: complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not running", ErrConflict, t.ID)
		}
		return nil
	})
}

// MarkTaskFailed records a permanent failure.
func (s *Store) MarkTaskFailed(ctx context.Context, id, msg string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			task.StatusFailed, msg, now, now, id)
		if err != nil {
			return fmt.Errorf("store: fail task: %w", err)
		}
		return nil
	})
}

// ScheduleRetry resets a task to PENDING after a transient failure and bumps
// its retry count. The in-memory retry deadline lives in the orchestrator.
func (s *Store) ScheduleRetry(ctx context.Context, id, msg string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, retry_count = retry_count + 1,
				started_at = NULL, updated_at = ?
			WHERE id = ?`,
			task.StatusPending, msg, s.clock.Now(), id)
		if err != nil {
			return fmt.Errorf("store: schedule retry: %w", err)
		}
		return nil
	})
}

// SetTaskVerification records the verifier's verdict on a task.
func (s *Store) SetTaskVerification(ctx context.Context, id string, result task.VerificationResult, notes string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET verification_status = ?, verification_notes = ?, updated_at = ?
			WHERE id = ?`,
			result, notes, s.clock.Now(), id)
		if err != nil {
			return fmt.Errorf("store: set verification: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil
	})
}

// ScheduleVerificationRetry sends a just-completed task back to PENDING with
// the verifier's feedback appended to its context, so the next attempt can
// address the gaps. Guarded on COMPLETED; returns ErrConflict otherwise.
func (s *Store) ScheduleVerificationRetry(ctx context.Context, id, notes string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, retry_count = retry_count + 1,
				completed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			task.StatusPending, s.clock.Now(), id, task.StatusCompleted)
		if err != nil {
			return fmt.Errorf("store: schedule verification retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is not completed", ErrConflict, id)
		}
		return s.AppendTaskContext(ctx, id, task.ContextEntry{
			Type:    task.ContextVerificationFeedback,
			Content: fmt.Sprintf("Previous attempt had gaps: %s. Address these issues.", notes),
		})
	})
}

// ResetTaskForRetry puts a parked task back at the start of its lifecycle
// with a fresh retry allowance. Allowed from FAILED, CANCELLED, and
// NEEDS_REVIEW; returns ErrConflict otherwise.
func (s *Store) ResetTaskForRetry(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = '', retry_count = 0,
				started_at = NULL, completed_at = NULL, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?)`,
			task.StatusPending, s.clock.Now(), id,
			task.StatusFailed, task.StatusCancelled, task.StatusNeedsReview)
		if err != nil {
			return fmt.Errorf("store: reset task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, gerr := s.GetTask(ctx, id); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: task %s cannot be retried from its current status", ErrConflict, id)
		}
		return nil
	})
}

// SetTaskStatus transitions a task, optionally guarded by expected statuses.
func (s *Store) SetTaskStatus(ctx context.Context, id string, next task.Status, expected ...task.Status) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
		args := []any{next, s.clock.Now(), id}
		if len(expected) > 0 {
			q, in, err := sqlx.In(` AND status IN (?)`, expected)
			if err != nil {
				return fmt.Errorf("store: set task status: %w", err)
			}
			query += q
			args = append(args, in...)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: set task status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, gerr := s.GetTask(ctx, id); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: task %s not in expected status", ErrConflict, id)
		}
		return nil
	})
}

// CancelActiveTasks cancels every non-terminal task in a project and returns
// the IDs it touched so in-flight workers can be signalled.
func (s *Store) CancelActiveTasks(ctx context.Context, projectID string) ([]string, error) {
	var ids []string
	err := s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := sqlx.SelectContext(ctx, tx, &ids, `
			SELECT id FROM tasks WHERE project_id = ? AND status IN (?, ?, ?, ?, ?)`,
			projectID, task.StatusPending, task.StatusBlocked, task.StatusQueued,
			task.StatusRunning, task.StatusNeedsReview); err != nil {
			return fmt.Errorf("store: cancel select: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		now := s.clock.Now()
		query, args, err := sqlx.In(`
			UPDATE tasks SET status = ?, updated_at = ? WHERE id IN (?)`,
			task.StatusCancelled, now, ids)
		if err != nil {
			return fmt.Errorf("store: cancel tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: cancel tasks: %w", err)
		}
		return nil
	})
	return ids, err
}

// CountTasksByStatus aggregates a project's tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[task.Status]int, error) {
	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows,
		`SELECT status, COUNT(*) AS n FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: count tasks: %w", err)
	}
	out := make(map[task.Status]int, len(rows))
	for _, r := range rows {
		out[task.Status(r.Status)] = r.N
	}
	return out, nil
}

// Dependents returns the tasks that depend on the given task.
func (s *Store) Dependents(ctx context.Context, taskID string) ([]*task.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, `
		SELECT t.* FROM tasks t
		JOIN task_deps d ON d.task_id = t.id
		WHERE d.depends_on = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: dependents: %w", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AppendTaskContext adds a context entry to a task, preserving existing
// entries. Runs read-modify-write inside the write transaction.
func (s *Store) AppendTaskContext(ctx context.Context, id string, entry task.ContextEntry) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var raw string
		err := sqlx.GetContext(ctx, tx, &raw, `SELECT context FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("store: read context: %w", err)
		}
		var entries []task.ContextEntry
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &entries); err != nil {
				return fmt.Errorf("store: decode context: %w", err)
			}
		}
		entries = append(entries, entry)
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("store: encode context: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET context = ?, updated_at = ? WHERE id = ?`,
			string(data), s.clock.Now(), id); err != nil {
			return fmt.Errorf("store: append context: %w", err)
		}
		return nil
	})
}
