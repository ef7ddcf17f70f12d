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

type projectRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	Status       string    `db:"status"`
	WorkspaceDir string    `db:"workspace_dir"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r projectRow) domain() *task.Project {
	return &task.Project{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Status:       task.ProjectStatus(r.Status),
		WorkspaceDir: r.WorkspaceDir,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type planRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Version   int       `db:"version"`
	Status    string    `db:"status"`
	Raw       string    `db:"raw"`
	CreatedAt time.Time `db:"created_at"`
}

func (r planRow) domain() *task.Plan {
	return &task.Plan{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Version:   r.Version,
		Status:    task.PlanStatus(r.Status),
		Raw:       json.RawMessage(r.Raw),
		CreatedAt: r.CreatedAt,
	}
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p *task.Project) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, status, workspace_dir, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.Status, p.WorkspaceDir, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: create project: %w", err)
		}
		return nil
	})
}

// GetProject loads one project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*task.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project: %w", err)
	}
	return row.domain(), nil
}

// ListProjectsByStatus returns all projects in the given status, oldest first.
func (s *Store) ListProjectsByStatus(ctx context.Context, status task.ProjectStatus) ([]*task.Project, error) {
	var rows []projectRow
	err := sqlx.SelectContext(ctx, s.reader(ctx), &rows,
		`SELECT * FROM projects WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	out := make([]*task.Project, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out, nil
}

// SetProjectStatus transitions a project from one of the expected statuses to
// next. Returns ErrConflict when the project is not in an expected status, so
// concurrent facade calls cannot double-apply transitions.
func (s *Store) SetProjectStatus(ctx context.Context, id string, next task.ProjectStatus, expected ...task.ProjectStatus) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		query := `UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`
		args := []any{next, s.clock.Now(), id}
		if len(expected) > 0 {
			q, in, err := sqlx.In(` AND status IN (?)`, expected)
			if err != nil {
				return fmt.Errorf("store: set project status: %w", err)
			}
			query += q
			args = append(args, in...)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: set project status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, gerr := s.GetProject(ctx, id); gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: project %s not in expected status", ErrConflict, id)
		}
		return nil
	})
}

// InsertPlan stores a new draft plan, superseding any prior drafts for the
// project, and returns the version it was assigned.
func (s *Store) InsertPlan(ctx context.Context, p *task.Plan) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE plans SET status = ? WHERE project_id = ? AND status = ?`,
			task.PlanSuperseded, p.ProjectID, task.PlanDraft); err != nil {
			return fmt.Errorf("store: supersede plans: %w", err)
		}
		var maxVersion sql.NullInt64
		if err := sqlx.GetContext(ctx, tx, &maxVersion,
			`SELECT MAX(version) FROM plans WHERE project_id = ?`, p.ProjectID); err != nil {
			return fmt.Errorf("store: plan version: %w", err)
		}
		p.Version = int(maxVersion.Int64) + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, project_id, version, status, raw, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.ProjectID, p.Version, p.Status, string(p.Raw), p.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert plan: %w", err)
		}
		return nil
	})
}

// GetPlan loads one plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*task.Plan, error) {
	var row planRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row, `SELECT * FROM plans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get plan: %w", err)
	}
	return row.domain(), nil
}

// LatestDraftPlan returns the current draft plan for a project.
func (s *Store) LatestDraftPlan(ctx context.Context, projectID string) (*task.Plan, error) {
	var row planRow
	err := sqlx.GetContext(ctx, s.reader(ctx), &row, `
		SELECT * FROM plans WHERE project_id = ? AND status = ?
		ORDER BY version DESC LIMIT 1`, projectID, task.PlanDraft)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no draft plan for project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest draft plan: %w", err)
	}
	return row.domain(), nil
}

// ApprovePlan marks a draft plan approved. Returns ErrConflict when the plan
// is not a draft.
func (s *Store) ApprovePlan(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE plans SET status = ? WHERE id = ? AND status = ?`,
			task.PlanApproved, id, task.PlanDraft)
		if err != nil {
			return fmt.Errorf("store: approve plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: plan %s is not a draft", ErrConflict, id)
		}
		return nil
	})
}
