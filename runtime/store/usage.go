package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"waveline.dev/waveline/runtime/task"
)

// Budget period kinds persisted in budget_periods.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

type (
	// PeriodTotals aggregates one budget period row.
	PeriodTotals struct {
		CostUSD float64 `db:"cost_usd"`
		Tokens  int64   `db:"tokens"`
		Calls   int64   `db:"calls"`
	}

	// UsageBreakdown is one line of a usage summary grouped by model or
	// provider.
	UsageBreakdown struct {
		Provider         string  `db:"provider"`
		Model            string  `db:"model"`
		PromptTokens     int64   `db:"prompt_tokens"`
		CompletionTokens int64   `db:"completion_tokens"`
		CostUSD          float64 `db:"cost_usd"`
		Calls            int64   `db:"calls"`
	}
)

// RecordUsage writes one usage-ledger line and bumps the daily and monthly
// period aggregates atomically. The budget manager calls this inside its
// Record path; dailyKey/monthlyKey come from the manager's clock.
func (s *Store) RecordUsage(ctx context.Context, rec *task.UsageRecord, dailyKey, monthlyKey string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.clock.Now()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO usage_log (project_id, task_id, provider, model,
				prompt_tokens, completion_tokens, cost_usd, purpose, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ProjectID, rec.TaskID, rec.Provider, rec.Model,
			rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Purpose,
			rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert usage: %w", err)
		}
		rec.ID, _ = res.LastInsertId()

		tokens := int64(rec.PromptTokens + rec.CompletionTokens)
		for kind, key := range map[string]string{PeriodDaily: dailyKey, PeriodMonthly: monthlyKey} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO budget_periods (period_type, period_key, cost_usd, tokens, calls)
				VALUES (?, ?, ?, ?, 1)
				ON CONFLICT (period_type, period_key) DO UPDATE SET
					cost_usd = cost_usd + excluded.cost_usd,
					tokens = tokens + excluded.tokens,
					calls = calls + 1`,
				kind, key, rec.CostUSD, tokens); err != nil {
				return fmt.Errorf("store: upsert %s period: %w", kind, err)
			}
		}
		return nil
	})
}

// PeriodSpend returns the aggregates for one budget period. A missing row
// means nothing was spent in that period yet.
func (s *Store) PeriodSpend(ctx context.Context, periodType, periodKey string) (PeriodTotals, error) {
	var totals PeriodTotals
	err := sqlx.GetContext(ctx, s.reader(ctx), &totals, `
		SELECT cost_usd, tokens, calls FROM budget_periods
		WHERE period_type = ? AND period_key = ?`, periodType, periodKey)
	if errors.Is(err, sql.ErrNoRows) {
		return PeriodTotals{}, nil
	}
	if err != nil {
		return PeriodTotals{}, fmt.Errorf("store: period spend: %w", err)
	}
	return totals, nil
}

// ProjectSpend sums all recorded cost for one project.
func (s *Store) ProjectSpend(ctx context.Context, projectID string) (float64, error) {
	var total sql.NullFloat64
	err := sqlx.GetContext(ctx, s.reader(ctx), &total,
		`SELECT SUM(cost_usd) FROM usage_log WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("store: project spend: %w", err)
	}
	return total.Float64, nil
}

// UsageByModel aggregates the ledger grouped by (provider, model), biggest
// spender first. An empty projectID covers all projects.
func (s *Store) UsageByModel(ctx context.Context, projectID string) ([]UsageBreakdown, error) {
	query := `
		SELECT provider, model,
			SUM(prompt_tokens) AS prompt_tokens,
			SUM(completion_tokens) AS completion_tokens,
			SUM(cost_usd) AS cost_usd,
			COUNT(*) AS calls
		FROM usage_log`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` GROUP BY provider, model ORDER BY cost_usd DESC`
	var rows []UsageBreakdown
	if err := sqlx.SelectContext(ctx, s.reader(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: usage by model: %w", err)
	}
	return rows, nil
}
