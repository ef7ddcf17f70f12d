package budget

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
)

// fakeClock is a settable clock for driving period rollovers.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestManager(t *testing.T, limits Limits, clock task.Clock) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path:  filepath.Join(t.TempDir(), "budget.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := NewManager(Options{Store: st, Clock: clock, Limits: limits})
	require.NoError(t, err)
	return m, st
}

func TestReserveWithinLimits(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 10, PerProjectUSD: 5}, clock)
	ctx := context.Background()

	require.NoError(t, m.Reserve(ctx, "p1", 0.5))
	require.NoError(t, m.Reserve(ctx, "p1", 0.5))

	// The third reservation overshoots the daily scope.
	err := m.Reserve(ctx, "p1", 0.01)
	require.ErrorIs(t, err, ErrExhausted)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "daily", be.Scope)
	assert.Equal(t, 1.0, be.SpentUSD)
	assert.Equal(t, 0.01, be.RequestedUSD)

	// Releasing frees headroom again.
	m.Release("p1", 0.5)
	require.NoError(t, m.Reserve(ctx, "p1", 0.25))
}

func TestReserveProjectScope(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 100, MonthlyUSD: 100, PerProjectUSD: 1}, clock)
	ctx := context.Background()

	require.NoError(t, m.Reserve(ctx, "p1", 0.9))
	err := m.Reserve(ctx, "p1", 0.2)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "project p1", be.Scope)

	// Other projects have their own ledger.
	require.NoError(t, m.Reserve(ctx, "p2", 0.9))
}

func TestNegativeLimitsUnlimited(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: -1, MonthlyUSD: -1, PerProjectUSD: -1}, clock)
	ctx := context.Background()

	// A negative ceiling on any scope, the per-project one included, means
	// unlimited rather than refusing all spend.
	require.NoError(t, m.Reserve(ctx, "p1", 1_000_000))
	assert.True(t, m.CanContinue(ctx, "p1", 1_000_000))
}

func TestZeroLimitSpendsNothing(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 0, MonthlyUSD: 100, PerProjectUSD: 100}, clock)

	err := m.Reserve(context.Background(), "p1", 0.0001)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReserveCountsRecordedSpend(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 10, PerProjectUSD: 10}, clock)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, &task.UsageRecord{
		ProjectID: "p1", Provider: "anthropic", Model: "m",
		PromptTokens: 10, CompletionTokens: 10, CostUSD: 0.8, Purpose: "execution",
	}))

	require.ErrorIs(t, m.Reserve(ctx, "p1", 0.3), ErrExhausted)
	require.NoError(t, m.Reserve(ctx, "p1", 0.1))
}

func TestDailyRollover(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 100, PerProjectUSD: 100}, clock)
	ctx := context.Background()

	require.NoError(t, m.Reserve(ctx, "p1", 1))
	require.ErrorIs(t, m.Reserve(ctx, "p1", 0.5), ErrExhausted)

	// Midnight resets the daily reservation counter and period key.
	clock.Set(time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC))
	require.NoError(t, m.Reserve(ctx, "p1", 0.5))
}

func TestMonthlyScopeSurvivesDailyRollover(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 100, MonthlyUSD: 1, PerProjectUSD: 100}, clock)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, &task.UsageRecord{
		ProjectID: "p1", Provider: "anthropic", Model: "m", CostUSD: 0.9, Purpose: "execution",
	}))

	clock.Set(time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC))
	require.ErrorIs(t, m.Reserve(ctx, "p1", 0.5), ErrExhausted)

	// A new month clears the monthly scope.
	clock.Set(time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC))
	require.NoError(t, m.Reserve(ctx, "p1", 0.5))
}

func TestCanContinue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 10, PerProjectUSD: 10}, clock)
	ctx := context.Background()

	assert.True(t, m.CanContinue(ctx, "p1", 0.5))
	// CanContinue must not hold a reservation.
	assert.True(t, m.CanContinue(ctx, "p1", 0.9))

	require.NoError(t, m.Reserve(ctx, "p1", 0.8))
	assert.False(t, m.CanContinue(ctx, "p1", 0.5))
	assert.True(t, m.CanContinue(ctx, "p1", 0.1))
}

func TestStatusWarning(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 10, WarnAtPct: 80, PerProjectUSD: 100}, clock)
	ctx := context.Background()

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Warning)
	assert.Zero(t, st.Daily.Percent)

	require.NoError(t, m.Record(ctx, &task.UsageRecord{
		ProjectID: "p1", Provider: "anthropic", Model: "m", CostUSD: 0.85, Purpose: "execution",
	}))

	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Warning)
	assert.InDelta(t, 85, st.Daily.Percent, 1e-9)
	assert.InDelta(t, 8.5, st.Monthly.Percent, 1e-9)
}

func TestReleaseClampsAtZero(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 10, PerProjectUSD: 10}, clock)
	ctx := context.Background()

	require.NoError(t, m.Reserve(ctx, "p1", 0.2))
	m.Release("p1", 0.2)
	m.Release("p1", 0.2)

	// Double release must not open negative headroom.
	require.NoError(t, m.Reserve(ctx, "p1", 1))
	require.ErrorIs(t, m.Reserve(ctx, "p1", 0.01), ErrExhausted)
}

// Concurrent reservations must never collectively exceed the limit.
func TestReserveConcurrencyProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	const limit = 10.0
	m, _ := newTestManager(t, Limits{DailyUSD: limit, MonthlyUSD: limit * 10, PerProjectUSD: limit * 10}, clock)

	properties.Property("granted reservations stay under the limit", prop.ForAll(
		func(amounts []float64) bool {
			ctx := context.Background()
			var (
				mu      sync.Mutex
				granted float64
				wg      sync.WaitGroup
			)
			for _, a := range amounts {
				wg.Add(1)
				go func(amount float64) {
					defer wg.Done()
					if err := m.Reserve(ctx, "", amount); err == nil {
						mu.Lock()
						granted += amount
						mu.Unlock()
					}
				}(a)
			}
			wg.Wait()
			ok := granted <= limit+1e-9
			// Reset for the next sample.
			m.Release("", granted)
			return ok
		},
		gen.SliceOfN(8, gen.Float64Range(0.1, 4)),
	))

	properties.TestingRun(t)
}

func TestReserveNegativeAmount(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Limits{DailyUSD: 1, MonthlyUSD: 1, PerProjectUSD: 1}, clock)

	err := m.Reserve(context.Background(), "p1", -0.5)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExhausted))
}
