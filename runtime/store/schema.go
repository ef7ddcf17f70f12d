package store

import (
	"context"
	"fmt"
)

// schema is applied on every open; CREATE IF NOT EXISTS keeps it idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'draft',
	workspace_dir TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'draft',
	raw        TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	plan_id           TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	task_type         TEXT NOT NULL,
	complexity        TEXT NOT NULL DEFAULT 'medium',
	priority          INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	model_tier        TEXT NOT NULL DEFAULT '',
	model_used        TEXT NOT NULL DEFAULT '',
	context           TEXT NOT NULL DEFAULT '[]',
	tools             TEXT NOT NULL DEFAULT '[]',
	system_prompt     TEXT NOT NULL DEFAULT '',
	wave              INTEGER NOT NULL DEFAULT 0,
	output_text       TEXT NOT NULL DEFAULT '',
	partial           INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	max_tokens        INTEGER NOT NULL DEFAULT 0,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL DEFAULT 5,
	verification_status TEXT NOT NULL DEFAULT '',
	verification_notes  TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	started_at        DATETIME,
	completed_at      DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on)
);
CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_deps(depends_on);

CREATE TABLE IF NOT EXISTS usage_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id        TEXT NOT NULL DEFAULT '',
	task_id           TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	purpose           TEXT NOT NULL DEFAULT 'execution',
	created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_project ON usage_log(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_log(created_at);

CREATE TABLE IF NOT EXISTS budget_periods (
	period_type TEXT NOT NULL,
	period_key  TEXT NOT NULL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	tokens      INTEGER NOT NULL DEFAULT 0,
	calls       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (period_type, period_key)
);

CREATE TABLE IF NOT EXISTS task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL DEFAULT '{}',
	timestamp  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project ON task_events(project_id, id);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	attempts    TEXT NOT NULL DEFAULT '[]',
	question    TEXT NOT NULL DEFAULT '',
	response    TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id);
`

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
