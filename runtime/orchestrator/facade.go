package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"waveline.dev/waveline/runtime/budget"
	"waveline.dev/waveline/runtime/events"
	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
)

// ErrInvalidPlan marks a submitted plan that is not a JSON object.
var ErrInvalidPlan = errors.New("orchestrator: plan is not valid JSON")

// CreateProject registers a new project in DRAFT with a workspace directory
// derived from its ID.
func (o *Orchestrator) CreateProject(ctx context.Context, name, description string) (*task.Project, error) {
	now := o.clock.Now()
	p := &task.Project{
		ID:          task.NewID(),
		Name:        name,
		Description: description,
		Status:      task.ProjectDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.workspaceRoot != "" {
		p.WorkspaceDir = filepath.Join(o.workspaceRoot, p.ID)
	}
	if err := o.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	o.log.Info(ctx, "project created", "project_id", p.ID, "name", name)
	return p, nil
}

// SubmitPlan stores a new draft plan and moves the project to PLANNING.
// Earlier drafts are superseded; an approved plan's tasks are unaffected.
func (o *Orchestrator) SubmitPlan(ctx context.Context, projectID string, raw json.RawMessage) (*task.Plan, error) {
	if !json.Valid(raw) {
		return nil, ErrInvalidPlan
	}
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case task.ProjectDraft, task.ProjectPlanning, task.ProjectReady:
	default:
		return nil, fmt.Errorf("%w: project %s is %s, plans accepted only before execution",
			store.ErrConflict, projectID, p.Status)
	}
	plan := &task.Plan{
		ID:        task.NewID(),
		ProjectID: projectID,
		Status:    task.PlanDraft,
		Raw:       raw,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.InsertPlan(ctx, plan); err != nil {
		return nil, err
	}
	if p.Status == task.ProjectDraft {
		if err := o.store.SetProjectStatus(ctx, projectID, task.ProjectPlanning, task.ProjectDraft); err != nil {
			return nil, err
		}
	}
	o.log.Info(ctx, "plan submitted", "project_id", projectID,
		"plan_id", plan.ID, "version", plan.Version)
	return plan, nil
}

// ApprovePlan decomposes the current draft plan into tasks and moves the
// project to READY. Decomposition failures leave the plan a draft.
func (o *Orchestrator) ApprovePlan(ctx context.Context, projectID string) ([]*task.Task, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	plan, err := o.store.LatestDraftPlan(ctx, projectID)
	if err != nil {
		return nil, err
	}
	created, err := o.decomposer.Decompose(ctx, p, plan)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, &task.Event{
		ProjectID: projectID,
		Type:      task.EventPlanApproved,
		Message:   fmt.Sprintf("plan v%d approved, %d tasks", plan.Version, len(created)),
		Data:      map[string]any{"plan_id": plan.ID, "tasks": len(created)},
	})
	return created, nil
}

// StartProject moves a READY or PAUSED project into EXECUTING. The next tick
// picks up its runnable tasks.
func (o *Orchestrator) StartProject(ctx context.Context, projectID string) error {
	err := o.store.SetProjectStatus(ctx, projectID, task.ProjectExecuting,
		task.ProjectReady, task.ProjectPaused)
	if err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: projectID,
		Type:      task.EventProjectStarted,
		Message:   "execution started",
	})
	o.log.Info(ctx, "project started", "project_id", projectID)
	return nil
}

// PauseProject stops new dispatch for the project. Running tasks finish;
// nothing new starts until StartProject.
func (o *Orchestrator) PauseProject(ctx context.Context, projectID string) error {
	err := o.store.SetProjectStatus(ctx, projectID, task.ProjectPaused, task.ProjectExecuting)
	if err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: projectID,
		Type:      task.EventProjectPaused,
		Message:   "paused by operator",
	})
	o.log.Info(ctx, "project paused", "project_id", projectID)
	return nil
}

// CancelProject terminates the project: all non-terminal tasks move to
// CANCELLED and in-flight workers are cancelled immediately.
func (o *Orchestrator) CancelProject(ctx context.Context, projectID string) error {
	err := o.store.SetProjectStatus(ctx, projectID, task.ProjectCancelled,
		task.ProjectDraft, task.ProjectPlanning, task.ProjectReady,
		task.ProjectExecuting, task.ProjectPaused)
	if err != nil {
		return err
	}
	touched, err := o.store.CancelActiveTasks(ctx, projectID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, id := range touched {
		if cancel, ok := o.inflight[id]; ok {
			cancel()
		}
		delete(o.dispatched, id)
		delete(o.retryAt, id)
	}
	o.mu.Unlock()
	o.publish(ctx, &task.Event{
		ProjectID: projectID,
		Type:      task.EventProjectCancelled,
		Message:   fmt.Sprintf("cancelled, %d tasks stopped", len(touched)),
	})
	o.log.Info(ctx, "project cancelled", "project_id", projectID, "tasks", len(touched))
	return nil
}

// RetryTask resets a FAILED, CANCELLED, or NEEDS_REVIEW task back to PENDING
// with a fresh retry allowance.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) error {
	if err := o.store.ResetTaskForRetry(ctx, taskID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.retryAt, taskID)
	o.mu.Unlock()
	o.log.Info(ctx, "task reset for retry", "task_id", taskID)
	return nil
}

// ResolveCheckpoint applies the reviewer's decision to a parked task.
// "retry" resets it, "skip" completes it with whatever partial output it has,
// "fail" fails it so dependents cascade.
func (o *Orchestrator) ResolveCheckpoint(ctx context.Context, checkpointID, resolution, response string) error {
	cp, err := o.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.ResolvedAt != nil {
		return fmt.Errorf("%w: checkpoint %s already resolved", store.ErrConflict, checkpointID)
	}
	switch resolution {
	case task.ResolveRetry:
		err = o.store.ResetTaskForRetry(ctx, cp.TaskID)
	case task.ResolveSkip:
		err = o.store.SetTaskStatus(ctx, cp.TaskID, task.StatusCompleted, task.StatusNeedsReview)
	case task.ResolveFail:
		err = o.store.SetTaskStatus(ctx, cp.TaskID, task.StatusFailed, task.StatusNeedsReview)
	default:
		return fmt.Errorf("orchestrator: unknown resolution %q", resolution)
	}
	if err != nil {
		return err
	}
	if err := o.store.ResolveCheckpoint(ctx, checkpointID, resolution+": "+response); err != nil {
		return err
	}
	o.publish(ctx, &task.Event{
		ProjectID: cp.ProjectID,
		TaskID:    cp.TaskID,
		Type:      task.EventCheckpointResolved,
		Message:   resolution,
		Data:      map[string]any{"checkpoint_id": checkpointID},
	})
	o.log.Info(ctx, "checkpoint resolved", "checkpoint_id", checkpointID, "resolution", resolution)
	return nil
}

// SubscribeEvents attaches a live event feed for one project.
func (o *Orchestrator) SubscribeEvents(projectID string) (*events.Subscription, error) {
	return o.bus.Subscribe(projectID)
}

// EventHistory returns persisted events, oldest first. taskID narrows to one
// task; limit defaults to 100.
func (o *Orchestrator) EventHistory(ctx context.Context, projectID, taskID string, limit int) ([]*task.Event, error) {
	return o.bus.History(ctx, projectID, taskID, limit)
}

// BudgetStatus reports spend against every configured limit.
func (o *Orchestrator) BudgetStatus(ctx context.Context) (budget.Status, error) {
	return o.budget.Status(ctx)
}

// UsageSummary breaks project spend down by provider and model.
func (o *Orchestrator) UsageSummary(ctx context.Context, projectID string) ([]store.UsageBreakdown, error) {
	return o.budget.UsageSummary(ctx, projectID)
}

// Project, Tasks, and OpenCheckpoints are read passthroughs for callers that
// hold only the orchestrator.

func (o *Orchestrator) Project(ctx context.Context, id string) (*task.Project, error) {
	return o.store.GetProject(ctx, id)
}

func (o *Orchestrator) Tasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	return o.store.ListTasks(ctx, projectID)
}

func (o *Orchestrator) OpenCheckpoints(ctx context.Context, projectID string) ([]*task.Checkpoint, error) {
	return o.store.OpenCheckpoints(ctx, projectID)
}
