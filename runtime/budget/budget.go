// Package budget enforces spend limits with a reservation ledger. Persisted
// period totals live in the store; in-flight reservations are process-local
// counters under one mutex, so concurrent workers cannot collectively
// overshoot a limit between check and spend. Reservations are lost on restart
// by design: startup recovery fails interrupted tasks, so no reservation can
// leak value.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// Limits holds the spend ceilings in USD. A zero limit means the scope
	// is disabled (nothing may be spent against it); a negative limit
	// removes the ceiling entirely. Config validation keeps negatives out
	// of the daemon path, so unlimited scopes are a library-caller choice.
	Limits struct {
		DailyUSD      float64
		MonthlyUSD    float64
		PerProjectUSD float64
		// WarnAtPct is the utilization percentage at which IsWarning trips.
		WarnAtPct int
	}

	// Options configures the manager.
	Options struct {
		// Store persists usage and period aggregates. Required.
		Store *store.Store
		// Clock drives period-key rollover. Defaults to the system clock.
		Clock task.Clock
		// Limits are the enforced ceilings.
		Limits Limits
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Manager is the budget authority. All methods are safe for concurrent
	// use.
	Manager struct {
		store   *store.Store
		clock   task.Clock
		limits  Limits
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu              sync.Mutex
		dailyKey        string
		monthlyKey      string
		reservedDaily   float64
		reservedMonthly float64
		reservedProject map[string]float64
	}

	// ScopeStatus reports one scope's utilization.
	ScopeStatus struct {
		SpentUSD float64
		LimitUSD float64
		Percent  float64
	}

	// Status is the manager's snapshot for BudgetStatus facade calls.
	Status struct {
		Daily   ScopeStatus
		Monthly ScopeStatus
		// Warning is true when any scope is at or past the warn threshold.
		Warning bool
	}
)

// ErrExhausted is wrapped by every budget refusal so callers can match with
// errors.Is.
var ErrExhausted = errors.New("budget exhausted")

// Error carries the scope and numbers behind a refusal.
type Error struct {
	Scope        string
	SpentUSD     float64
	LimitUSD     float64
	RequestedUSD float64
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("budget exhausted: %s spent %.4f + requested %.4f exceeds limit %.2f",
		e.Scope, e.SpentUSD, e.RequestedUSD, e.LimitUSD)
}

// Unwrap lets errors.Is match ErrExhausted.
func (e *Error) Unwrap() error { return ErrExhausted }

// NewManager constructs a Manager from the provided options.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("budget: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = task.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	m := &Manager{
		store:           opts.Store,
		clock:           opts.Clock,
		limits:          opts.Limits,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		reservedProject: make(map[string]float64),
	}
	now := m.clock.Now()
	m.dailyKey = dayKey(now)
	m.monthlyKey = monthKey(now)
	return m, nil
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// rollover resets reservation counters when the period key changes. Called
// with the mutex held. Period boundaries are evaluated against the clock at
// call time, so spend crossing midnight lands in the period where the call
// happened.
func (m *Manager) rollover() {
	now := m.clock.Now()
	if dk := dayKey(now); dk != m.dailyKey {
		m.dailyKey = dk
		m.reservedDaily = 0
	}
	if mk := monthKey(now); mk != m.monthlyKey {
		m.monthlyKey = mk
		m.reservedMonthly = 0
	}
}

// Reserve sets aside amount against the daily, monthly, and per-project
// scopes, refusing with *Error when any scope would overshoot. A successful
// reservation must be balanced by Release once the actual spend is recorded.
func (m *Manager) Reserve(ctx context.Context, projectID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative reservation %.4f", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	daily, err := m.store.PeriodSpend(ctx, store.PeriodDaily, m.dailyKey)
	if err != nil {
		return err
	}
	if m.limits.DailyUSD >= 0 && daily.CostUSD+m.reservedDaily+amount > m.limits.DailyUSD {
		return &Error{Scope: "daily", SpentUSD: daily.CostUSD + m.reservedDaily,
			LimitUSD: m.limits.DailyUSD, RequestedUSD: amount}
	}
	monthly, err := m.store.PeriodSpend(ctx, store.PeriodMonthly, m.monthlyKey)
	if err != nil {
		return err
	}
	if m.limits.MonthlyUSD >= 0 && monthly.CostUSD+m.reservedMonthly+amount > m.limits.MonthlyUSD {
		return &Error{Scope: "monthly", SpentUSD: monthly.CostUSD + m.reservedMonthly,
			LimitUSD: m.limits.MonthlyUSD, RequestedUSD: amount}
	}
	if projectID != "" {
		spent, err := m.store.ProjectSpend(ctx, projectID)
		if err != nil {
			return err
		}
		if m.limits.PerProjectUSD >= 0 && spent+m.reservedProject[projectID]+amount > m.limits.PerProjectUSD {
			return &Error{Scope: "project " + projectID,
				SpentUSD: spent + m.reservedProject[projectID],
				LimitUSD: m.limits.PerProjectUSD, RequestedUSD: amount}
		}
	}

	m.reservedDaily += amount
	m.reservedMonthly += amount
	if projectID != "" {
		m.reservedProject[projectID] += amount
	}
	return nil
}

// Release returns unused reservation. Counters clamp at zero so a double
// release cannot go negative.
func (m *Manager) Release(projectID string, amount float64) {
	if amount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservedDaily = max(0, m.reservedDaily-amount)
	m.reservedMonthly = max(0, m.reservedMonthly-amount)
	if projectID != "" {
		if r := m.reservedProject[projectID] - amount; r > 0 {
			m.reservedProject[projectID] = r
		} else {
			delete(m.reservedProject, projectID)
		}
	}
}

// Record writes actual spend: one usage-ledger line plus the daily and
// monthly period aggregates, atomically. Reservations are adjusted separately
// by Release once the work finishes.
func (m *Manager) Record(ctx context.Context, rec *task.UsageRecord) error {
	m.mu.Lock()
	m.rollover()
	dk, mk := m.dailyKey, m.monthlyKey
	m.mu.Unlock()
	if err := m.store.RecordUsage(ctx, rec, dk, mk); err != nil {
		return err
	}
	m.metrics.IncCounter(telemetry.MetricCostRecorded, rec.CostUSD,
		"provider", rec.Provider, "model", rec.Model)
	return nil
}

// CanContinue reports whether amount more could be spent right now across all
// scopes. Used mid-loop by the agent runner; it does not reserve.
func (m *Manager) CanContinue(ctx context.Context, projectID string, amount float64) bool {
	err := func() error {
		if err := m.Reserve(ctx, projectID, amount); err != nil {
			return err
		}
		m.Release(projectID, amount)
		return nil
	}()
	if err != nil && !errors.Is(err, ErrExhausted) {
		// Store failures err on the side of stopping.
		m.log.Warn(ctx, "budget check failed", "err", err)
	}
	return err == nil
}

// Status reports daily and monthly utilization and the warning flag.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	m.rollover()
	dk, mk := m.dailyKey, m.monthlyKey
	m.mu.Unlock()

	daily, err := m.store.PeriodSpend(ctx, store.PeriodDaily, dk)
	if err != nil {
		return Status{}, err
	}
	monthly, err := m.store.PeriodSpend(ctx, store.PeriodMonthly, mk)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Daily:   scopeStatus(daily.CostUSD, m.limits.DailyUSD),
		Monthly: scopeStatus(monthly.CostUSD, m.limits.MonthlyUSD),
	}
	warn := float64(m.limits.WarnAtPct)
	st.Warning = warn > 0 && (st.Daily.Percent >= warn || st.Monthly.Percent >= warn)
	return st, nil
}

// ProjectSpend reports the total recorded cost for one project.
func (m *Manager) ProjectSpend(ctx context.Context, projectID string) (float64, error) {
	return m.store.ProjectSpend(ctx, projectID)
}

// UsageSummary aggregates the ledger by (provider, model). An empty projectID
// covers everything.
func (m *Manager) UsageSummary(ctx context.Context, projectID string) ([]store.UsageBreakdown, error) {
	return m.store.UsageByModel(ctx, projectID)
}

func scopeStatus(spent, limit float64) ScopeStatus {
	st := ScopeStatus{SpentUSD: spent, LimitUSD: limit}
	if limit > 0 {
		st.Percent = spent / limit * 100
	}
	return st
}
