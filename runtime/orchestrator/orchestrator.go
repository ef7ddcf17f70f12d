// Package orchestrator drives execution: a tick loop selects ready tasks for
// every executing project, dispatches them to workers under a concurrency
// gate, applies retry backoff and budget reservations, detects terminal and
// dead projects, and exposes the facade operations callers use to move
// projects through their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"waveline.dev/waveline/runtime/agent"
	"waveline.dev/waveline/runtime/budget"
	"waveline.dev/waveline/runtime/decompose"
	"waveline.dev/waveline/runtime/events"
	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/runtime/tools"
	"waveline.dev/waveline/runtime/verify"
	"waveline.dev/waveline/telemetry"
)

type (
	// Runner executes one task. Satisfied by *agent.Runner; tests inject
	// fakes.
	Runner interface {
		Run(ctx context.Context, t *task.Task, spec router.ModelSpec) (agent.Result, error)
	}

	// Availability answers whether a provider can serve calls right now.
	// Satisfied by *monitor.Monitor.
	Availability interface {
		IsAvailable(name string) bool
	}

	// Verifier grades completed output. Satisfied by *verify.Verifier; tests
	// inject fakes.
	Verifier interface {
		Verify(ctx context.Context, t *task.Task) (verify.Outcome, error)
	}

	// Options configures the orchestrator.
	Options struct {
		// Store, Bus, Budget, Router, Runner, and Decomposer are required.
		Store      *store.Store
		Bus        *events.Bus
		Budget     *budget.Manager
		Router     *router.Router
		Runner     Runner
		Decomposer *decompose.Decomposer
		// Monitor gates dispatch on provider availability. Nil skips the
		// check.
		Monitor Availability
		// Verifier grades completed output before a task settles. Nil
		// disables verification. Local-tier tasks are never verified; they
		// cost nothing.
		Verifier Verifier
		// Clock defaults to the system clock.
		Clock task.Clock
		// TickInterval defaults to 2s.
		TickInterval time.Duration
		// MaxConcurrent bounds simultaneously running workers. Defaults
		// to 3.
		MaxConcurrent int
		// Retry backoff tuning. Defaults: base 5s, cap 120s, jitter 2s.
		RetryBackoffBase time.Duration
		RetryBackoffCap  time.Duration
		RetryJitter      time.Duration
		// ContextForwardMaxChars truncates forwarded dependency outputs.
		// Defaults to 2000.
		ContextForwardMaxChars int
		// CheckpointOnRetryExhausted parks tasks for review instead of
		// failing them when retries run out.
		CheckpointOnRetryExhausted bool
		// ShutdownGrace bounds how long Run waits for in-flight workers
		// after cancellation before force-cancelling them. Defaults to 30s.
		ShutdownGrace time.Duration
		// WorkspaceRoot is the parent directory recorded on new projects
		// for file-tool sandboxes.
		WorkspaceRoot string
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Orchestrator owns the tick loop and all dispatch bookkeeping.
	Orchestrator struct {
		store      *store.Store
		bus        *events.Bus
		budget     *budget.Manager
		router     *router.Router
		runner     Runner
		decomposer *decompose.Decomposer
		monitor    Availability
		verifier   Verifier
		clock      task.Clock
		log        telemetry.Logger
		metrics    telemetry.Metrics

		tickInterval  time.Duration
		backoffBase   time.Duration
		backoffCap    time.Duration
		jitter        time.Duration
		forwardMax    int
		checkpointing bool
		shutdownGrace time.Duration
		workspaceRoot string

		sem chan struct{}
		wg  sync.WaitGroup

		mu sync.Mutex
		// dispatched maps task ID to project ID for every claimed task whose
		// worker has not yet exited.
		dispatched map[string]string
		inflight   map[string]context.CancelFunc
		retryAt    map[string]retrySlot
	}

	// retrySlot holds one task's backoff deadline, tagged with its project so
	// liveness checks can scope to a single project.
	retrySlot struct {
		projectID string
		at        time.Time
	}
)

// minSpendProbe is the amount the per-tick budget gate asks for.
const minSpendProbe = 0.001

// New constructs an Orchestrator from the provided options.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case opts.Bus == nil:
		return nil, errors.New("orchestrator: event bus is required")
	case opts.Budget == nil:
		return nil, errors.New("orchestrator: budget manager is required")
	case opts.Router == nil:
		return nil, errors.New("orchestrator: router is required")
	case opts.Runner == nil:
		return nil, errors.New("orchestrator: runner is required")
	case opts.Decomposer == nil:
		return nil, errors.New("orchestrator: decomposer is required")
	}
	if opts.Clock == nil {
		opts.Clock = task.SystemClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = 5 * time.Second
	}
	if opts.RetryBackoffCap <= 0 {
		opts.RetryBackoffCap = 120 * time.Second
	}
	if opts.RetryJitter < 0 {
		opts.RetryJitter = 0
	} else if opts.RetryJitter == 0 {
		opts.RetryJitter = 2 * time.Second
	}
	if opts.ContextForwardMaxChars <= 0 {
		opts.ContextForwardMaxChars = 2000
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		store:         opts.Store,
		bus:           opts.Bus,
		budget:        opts.Budget,
		router:        opts.Router,
		runner:        opts.Runner,
		decomposer:    opts.Decomposer,
		monitor:       opts.Monitor,
		verifier:      opts.Verifier,
		clock:         opts.Clock,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		tickInterval:  opts.TickInterval,
		backoffBase:   opts.RetryBackoffBase,
		backoffCap:    opts.RetryBackoffCap,
		jitter:        opts.RetryJitter,
		forwardMax:    opts.ContextForwardMaxChars,
		checkpointing: opts.CheckpointOnRetryExhausted,
		shutdownGrace: opts.ShutdownGrace,
		workspaceRoot: opts.WorkspaceRoot,
		sem:           make(chan struct{}, opts.MaxConcurrent),
		dispatched:    make(map[string]string),
		inflight:      make(map[string]context.CancelFunc),
		retryAt:       make(map[string]retrySlot),
	}, nil
}

// Run ticks until ctx is cancelled, then shuts down: dispatch stops
// immediately, in-flight workers get the grace period to finish, and whatever
// remains is cancelled. Workers run on their own root context so cancelling
// Run does not yank tasks mid-call before the grace expires.
func (o *Orchestrator) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.shutdown(cancelWork)
			return ctx.Err()
		case <-ticker.C:
			o.tick(workCtx)
		}
	}
}

// Tick runs one scheduling pass. Exposed for the composition root and tests;
// Run calls it on every interval.
func (o *Orchestrator) Tick(ctx context.Context) { o.tick(ctx) }

func (o *Orchestrator) shutdown(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(o.shutdownGrace):
	}
	cancelWork()
	o.mu.Lock()
	for _, cancel := range o.inflight {
		cancel()
	}
	o.mu.Unlock()
	<-done
}

// tick is one pass of the scheduler: for every executing project it gates on
// budget, unblocks satisfied tasks, dispatches ready work, and evaluates
// terminal and dead states. Failures are logged and never stop the loop.
func (o *Orchestrator) tick(ctx context.Context) {
	projects, err := o.store.ListProjectsByStatus(ctx, task.ProjectExecuting)
	if err != nil {
		o.log.Error(ctx, "tick: list projects", "err", err)
		return
	}
	for _, p := range projects {
		if err := o.tickProject(ctx, p); err != nil {
			o.log.Error(ctx, "tick: project pass failed", "project_id", p.ID, "err", err)
		}
	}
}

func (o *Orchestrator) tickProject(ctx context.Context, p *task.Project) error {
	// A project that cannot afford even a minimal call pauses instead of
	// spinning through refused reservations every tick.
	if !o.budget.CanContinue(ctx, p.ID, minSpendProbe) {
		return o.pauseForBudget(ctx, p)
	}

	if n, err := o.store.UnblockTasks(ctx, p.ID); err != nil {
		return err
	} else if n > 0 {
		o.log.Debug(ctx, "unblocked tasks", "project_id", p.ID, "count", n)
	}

	ready, err := o.store.ReadyTasks(ctx, p.ID)
	if err != nil {
		return err
	}
	// Workers inherit the project scope so per-project tools (the file
	// sandbox) resolve against this project's workspace and no other.
	dispatchCtx := tools.WithScope(ctx, tools.Scope{
		ProjectID:    p.ID,
		WorkspaceDir: p.WorkspaceDir,
	})
	for _, t := range ready {
		if !o.tryDispatch(dispatchCtx, t) {
			continue
		}
	}

	return o.evaluateProject(ctx, p, ready)
}

// tryDispatch claims and launches one ready task. Reports whether a worker
// was started.
func (o *Orchestrator) tryDispatch(ctx context.Context, t *task.Task) bool {
	o.mu.Lock()
	if _, dup := o.dispatched[t.ID]; dup {
		o.mu.Unlock()
		return false
	}
	if slot, waiting := o.retryAt[t.ID]; waiting && o.clock.Now().Before(slot.at) {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	spec, err := o.router.Resolve(t.Tier)
	if err != nil {
		o.log.Error(ctx, "unroutable task", "task_id", t.ID, "tier", string(t.Tier), "err", err)
		if ferr := o.store.MarkTaskFailed(ctx, t.ID, "no model for tier "+string(t.Tier)); ferr != nil {
			o.log.Error(ctx, "mark unroutable task failed", "task_id", t.ID, "err", ferr)
		}
		return false
	}
	if o.monitor != nil && !o.monitor.IsAvailable(spec.Provider) {
		o.log.Debug(ctx, "provider unavailable, skipping task",
			"task_id", t.ID, "provider", spec.Provider)
		return false
	}

	estimate := o.router.EstimateCost(ctx, spec.Model, t.MaxTokens)
	if err := o.budget.Reserve(ctx, t.ProjectID, estimate); err != nil {
		if errors.Is(err, budget.ErrExhausted) {
			o.log.Debug(ctx, "reservation refused", "task_id", t.ID, "err", err)
		} else {
			o.log.Error(ctx, "reservation failed", "task_id", t.ID, "err", err)
		}
		return false
	}

	if err := o.store.ClaimTask(ctx, t.ID); err != nil {
		o.budget.Release(t.ProjectID, estimate)
		if !errors.Is(err, store.ErrConflict) {
			o.log.Error(ctx, "claim failed", "task_id", t.ID, "err", err)
		}
		return false
	}

	o.mu.Lock()
	o.dispatched[t.ID] = t.ProjectID
	delete(o.retryAt, t.ID)
	o.mu.Unlock()

	o.metrics.IncCounter(telemetry.MetricTasksDispatched, 1, "task_type", string(t.Type))
	o.wg.Add(1)
	go o.worker(ctx, t, spec, estimate)
	return true
}

// pauseForBudget moves a project out of the executing set with a warning.
func (o *Orchestrator) pauseForBudget(ctx context.Context, p *task.Project) error {
	if err := o.store.SetProjectStatus(ctx, p.ID, task.ProjectPaused, task.ProjectExecuting); err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: p.ID,
		Type:      task.EventBudgetWarning,
		Message:   "budget exhausted, project paused",
	})
	o.publish(ctx, &task.Event{
		ProjectID: p.ID,
		Type:      task.EventProjectPaused,
		Message:   "paused: budget exhausted",
	})
	o.log.Warn(ctx, "project paused on exhausted budget", "project_id", p.ID)
	return nil
}

// evaluateProject decides whether the project has reached a terminal state
// or can no longer make progress.
func (o *Orchestrator) evaluateProject(ctx context.Context, p *task.Project, ready []*task.Task) error {
	counts, err := o.store.CountTasksByStatus(ctx, p.ID)
	if err != nil {
		return err
	}
	active := counts[task.StatusPending] + counts[task.StatusBlocked] +
		counts[task.StatusQueued] + counts[task.StatusRunning]
	review := counts[task.StatusNeedsReview]

	if active == 0 && review == 0 {
		next, event := task.ProjectCompleted, task.EventProjectCompleted
		msg := "all tasks completed"
		if counts[task.StatusFailed] > 0 {
			next, event = task.ProjectFailed, task.EventProjectFailed
			msg = "finished with failed tasks"
		}
		if err := o.store.SetProjectStatus(ctx, p.ID, next, task.ProjectExecuting); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
		o.publish(ctx, &task.Event{ProjectID: p.ID, Type: event, Message: msg})
		o.log.Info(ctx, "project finished", "project_id", p.ID, "status", string(next))
		return nil
	}

	// Dead project: work remains, none of it can ever run. Tasks awaiting
	// review (and retries waiting out a backoff) keep the project alive.
	if len(ready) == 0 && review == 0 &&
		counts[task.StatusQueued] == 0 && counts[task.StatusRunning] == 0 &&
		active > 0 && !o.hasPendingRetry(p.ID) {
		stuck, err := o.store.ReadyTasks(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(stuck) > 0 {
			return nil
		}
		if err := o.store.SetProjectStatus(ctx, p.ID, task.ProjectFailed, task.ProjectExecuting); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
		o.publish(ctx, &task.Event{
			ProjectID: p.ID,
			Type:      task.EventProjectFailed,
			Message:   "no runnable tasks remain",
		})
		o.log.Warn(ctx, "project failed: deadlocked on unrunnable tasks", "project_id", p.ID)
	}
	return nil
}

// hasPendingRetry reports whether this project has a task waiting out a
// backoff or a worker still winding down, either of which keeps it alive.
func (o *Orchestrator) hasPendingRetry(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, slot := range o.retryAt {
		if slot.projectID == projectID {
			return true
		}
	}
	for _, pid := range o.dispatched {
		if pid == projectID {
			return true
		}
	}
	return false
}

// backoff computes the retry delay for the given attempt number (1-based):
// base doubled per attempt plus uniform jitter, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.backoffBase << uint(attempt-1)
	if d > o.backoffCap || d <= 0 {
		d = o.backoffCap
	}
	if o.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(o.jitter)))
	}
	if d > o.backoffCap {
		d = o.backoffCap
	}
	return d
}

func (o *Orchestrator) publish(ctx context.Context, e *task.Event) {
	if err := o.bus.Publish(ctx, e); err != nil {
		o.log.Error(ctx, "event publish failed", "type", string(e.Type), "err", err)
	}
}
