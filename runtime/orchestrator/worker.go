package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waveline.dev/waveline/runtime/agent"
	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

// worker executes one claimed task end to end. It holds a concurrency permit
// only while the agent actually runs; retry waits happen in the tick loop via
// retryAt deadlines, never while holding the permit.
func (o *Orchestrator) worker(ctx context.Context, t *task.Task, spec router.ModelSpec, reservation float64) {
	defer o.wg.Done()
	defer o.budget.Release(t.ProjectID, reservation)
	defer func() {
		o.mu.Lock()
		delete(o.dispatched, t.ID)
		delete(o.inflight, t.ID)
		o.mu.Unlock()
	}()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		// Shutdown before the permit: the task stays QUEUED and startup
		// recovery resolves it on the next boot.
		return
	}
	defer func() { <-o.sem }()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.inflight[t.ID] = cancel
	o.mu.Unlock()

	if err := o.store.MarkTaskRunning(ctx, t.ID); err != nil {
		o.log.Error(ctx, "mark running failed", "task_id", t.ID, "err", err)
		return
	}
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskStart,
		Message:   t.Title,
		Data:      map[string]any{"wave": t.Wave, "tier": string(t.Tier)},
	})

	started := o.clock.Now()
	result, err := o.runner.Run(taskCtx, t, spec)
	o.metrics.RecordTimer(telemetry.MetricTaskDuration, o.clock.Now().Sub(started),
		"task_type", string(t.Type))

	switch {
	case err == nil:
		o.completeTask(ctx, t, spec, result)
	case errors.Is(err, context.Canceled):
		o.cancelledTask(ctx, t)
	case model.IsTransient(err):
		o.retryOrPark(ctx, t, err)
	default:
		o.failTask(ctx, t, err)
	}
}

// completeTask persists the result and forwards output to dependents. Usage
// was already recorded per round by the runner; this writes the task row.
// Verified output may be sent back for another attempt or parked for review,
// in which case the task does not settle here.
func (o *Orchestrator) completeTask(ctx context.Context, t *task.Task, spec router.ModelSpec, result agent.Result) {
	t.Output = result.Output
	t.Partial = result.Partial
	t.ModelUsed = result.ModelUsed
	t.PromptTokens = result.PromptTokens
	t.CompletionTokens = result.CompletionTokens
	t.CostUSD = result.CostUSD
	if err := o.store.CompleteTask(ctx, t); err != nil {
		o.log.Error(ctx, "completion write failed", "task_id", t.ID, "err", err)
		return
	}
	if o.verifier != nil && spec.Provider != router.ProviderLocal {
		if o.verifyOutput(ctx, t) {
			return
		}
	}
	o.metrics.IncCounter(telemetry.MetricTasksCompleted, 1, "task_type", string(t.Type))
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskComplete,
		Message:   t.Title,
		Data: map[string]any{
			"cost_usd": result.CostUSD,
			"model":    result.ModelUsed,
			"partial":  result.Partial,
			"rounds":   result.Rounds,
		},
	})
	if result.Partial {
		o.publish(ctx, &task.Event{
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			Type:      task.EventBudgetExhausted,
			Message:   "completed with partial output",
		})
	}
	o.forwardContext(ctx, t, result.Output)
}

// forwardContext appends this task's output to every dependent so later
// waves see upstream results. Truncated to keep prompts bounded.
func (o *Orchestrator) forwardContext(ctx context.Context, t *task.Task, output string) {
	if output == "" {
		return
	}
	dependents, err := o.store.Dependents(ctx, t.ID)
	if err != nil {
		o.log.Error(ctx, "load dependents failed", "task_id", t.ID, "err", err)
		return
	}
	entry := task.ContextEntry{
		Type:    task.ContextDependencyOutput,
		Content: fmt.Sprintf("Output of %q:\n%s", t.Title, task.Truncate(output, o.forwardMax)),
	}
	for _, dep := range dependents {
		if dep.Status.Terminal() {
			continue
		}
		if err := o.store.AppendTaskContext(ctx, dep.ID, entry); err != nil {
			o.log.Error(ctx, "context forward failed",
				"task_id", t.ID, "dependent_id", dep.ID, "err", err)
		}
	}
}

// verifyOutput grades the freshly completed output and applies the verdict.
// Reports whether the task was moved out of COMPLETED (retry with feedback or
// parked for review); a grading failure never blocks completion, it is
// recorded as skipped.
func (o *Orchestrator) verifyOutput(ctx context.Context, t *task.Task) bool {
	out, err := o.verifier.Verify(ctx, t)
	if err != nil {
		o.log.Warn(ctx, "verification failed, completing unverified", "task_id", t.ID, "err", err)
		if serr := o.store.SetTaskVerification(ctx, t.ID, task.VerificationSkipped,
			"verification error: "+err.Error()); serr != nil {
			o.log.Error(ctx, "verification write failed", "task_id", t.ID, "err", serr)
		}
		return false
	}
	if err := o.store.SetTaskVerification(ctx, t.ID, out.Result, out.Notes); err != nil {
		o.log.Error(ctx, "verification write failed", "task_id", t.ID, "err", err)
		return false
	}

	switch out.Result {
	case task.VerificationGapsFound:
		if t.RetryCount >= t.MaxRetries {
			o.log.Info(ctx, "verification gaps but retries spent, keeping output",
				"task_id", t.ID, "notes", out.Notes)
			return false
		}
		if err := o.store.ScheduleVerificationRetry(ctx, t.ID, out.Notes); err != nil {
			o.log.Error(ctx, "verification retry failed", "task_id", t.ID, "err", err)
			return false
		}
		o.metrics.IncCounter(telemetry.MetricTasksRetried, 1, "task_type", string(t.Type))
		o.publish(ctx, &task.Event{
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			Type:      task.EventTaskVerificationRetry,
			Message:   fmt.Sprintf("%s: gaps found, retrying with feedback", t.Title),
			Data:      map[string]any{"verification_notes": out.Notes},
		})
		o.log.Info(ctx, "task retried on verification gaps", "task_id", t.ID, "notes", out.Notes)
		return true
	case task.VerificationHumanNeeded:
		if err := o.parkForVerification(ctx, t, out.Notes); err != nil {
			o.log.Error(ctx, "verification checkpoint failed", "task_id", t.ID, "err", err)
			return false
		}
		return true
	}
	return false
}

// parkForVerification moves a completed task into NEEDS_REVIEW with a
// checkpoint asking whether its output is acceptable.
func (o *Orchestrator) parkForVerification(ctx context.Context, t *task.Task, notes string) error {
	cp := &task.Checkpoint{
		ID:        task.NewID(),
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Kind:      "verification_human_needed",
		Summary:   fmt.Sprintf("%q produced output that needs human judgement: %s", t.Title, notes),
		Question:  fmt.Sprintf("Task %q completed but verification flagged its output. Retry it, skip keeping the output, or fail it?", t.Title),
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := o.store.SetTaskStatus(ctx, t.ID, task.StatusNeedsReview, task.StatusCompleted); err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskNeedsReview,
		Message:   fmt.Sprintf("%s: requires human review", t.Title),
		Data:      map[string]any{"verification_notes": notes},
	})
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventCheckpoint,
		Message:   cp.Summary,
		Data:      map[string]any{"checkpoint_id": cp.ID},
	})
	return nil
}

func (o *Orchestrator) cancelledTask(ctx context.Context, t *task.Task) {
	// Project cancellation already moved the row; this covers a lone task
	// cancel while running.
	if err := o.store.SetTaskStatus(ctx, t.ID, task.StatusCancelled, task.StatusRunning); err != nil {
		o.log.Debug(ctx, "cancelled task row already settled", "task_id", t.ID, "err", err)
		return
	}
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskCancelled,
		Message:   t.Title,
	})
}

// retryOrPark schedules a transient failure for retry with exponential
// backoff, or parks the task for review once the retry allowance is spent.
func (o *Orchestrator) retryOrPark(ctx context.Context, t *task.Task, cause error) {
	attempt := t.RetryCount + 1
	if attempt <= t.MaxRetries {
		if err := o.store.ScheduleRetry(ctx, t.ID, cause.Error()); err != nil {
			o.log.Error(ctx, "schedule retry failed", "task_id", t.ID, "err", err)
			return
		}
		delay := o.backoff(attempt)
		o.mu.Lock()
		o.retryAt[t.ID] = retrySlot{projectID: t.ProjectID, at: o.clock.Now().Add(delay)}
		o.mu.Unlock()
		o.metrics.IncCounter(telemetry.MetricTasksRetried, 1, "task_type", string(t.Type))
		o.publish(ctx, &task.Event{
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
			Type:      task.EventTaskRetry,
			Message:   cause.Error(),
			Data:      map[string]any{"attempt": attempt, "delay_sec": delay.Seconds()},
		})
		o.log.Info(ctx, "task scheduled for retry", "task_id", t.ID,
			"attempt", attempt, "delay", delay.String())
		return
	}

	if !o.checkpointing {
		o.failTask(ctx, t, fmt.Errorf("retries exhausted: %w", cause))
		return
	}
	if err := o.parkForReview(ctx, t, cause); err != nil {
		o.log.Error(ctx, "checkpoint creation failed", "task_id", t.ID, "err", err)
		o.failTask(ctx, t, fmt.Errorf("retries exhausted: %w", cause))
	}
}

// parkForReview creates a retry-exhausted checkpoint with the attempt
// history and moves the task to NEEDS_REVIEW.
func (o *Orchestrator) parkForReview(ctx context.Context, t *task.Task, cause error) error {
	history, err := o.store.RecentEvents(ctx, t.ProjectID, t.ID, 50)
	if err != nil {
		return err
	}
	var attempts []task.AttemptNote
	for _, e := range history {
		if e.Type == task.EventTaskRetry || e.Type == task.EventTaskFailed {
			attempts = append(attempts, task.AttemptNote{
				Attempt: len(attempts) + 1,
				Message: e.Message,
				At:      e.Timestamp.Format(time.RFC3339),
			})
		}
	}
	cp := &task.Checkpoint{
		ID:        task.NewID(),
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Kind:      "retry_exhausted",
		Summary:   fmt.Sprintf("%q failed %d times: %v", t.Title, t.MaxRetries+1, cause),
		Attempts:  attempts,
		Question:  fmt.Sprintf("Task %q exhausted its retries. Retry it, skip it keeping partial output, or fail it?", t.Title),
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}
	if err := o.store.SetTaskStatus(ctx, t.ID, task.StatusNeedsReview, task.StatusRunning); err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskNeedsReview,
		Message:   fmt.Sprintf("%s: retries exhausted, awaiting review", t.Title),
	})
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventCheckpoint,
		Message:   cp.Summary,
		Data:      map[string]any{"checkpoint_id": cp.ID},
	})
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, t *task.Task, cause error) {
	if err := o.store.MarkTaskFailed(ctx, t.ID, cause.Error()); err != nil {
		o.log.Error(ctx, "fail write failed", "task_id", t.ID, "err", err)
		return
	}
	o.metrics.IncCounter(telemetry.MetricTasksFailed, 1, "task_type", string(t.Type))
	o.publish(ctx, &task.Event{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Type:      task.EventTaskFailed,
		Message:   cause.Error(),
	})
	o.log.Warn(ctx, "task failed", "task_id", t.ID, "err", cause)
}
