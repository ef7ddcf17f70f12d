// Package decompose turns an approved plan document into the task DAG: it
// parses the plan JSON with tolerant dependency references, rejects cycles,
// assigns waves by longest dependency chain, routes each task to a tier and
// toolset, and persists the whole batch atomically.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// PlanDoc is the submitted plan JSON.
	PlanDoc struct {
		// Summary describes the project in one paragraph. Forwarded to every
		// task as project context.
		Summary string `json:"summary"`
		// Tasks are the proposed units of work, referenced by index in
		// depends_on.
		Tasks []PlanTask `json:"tasks"`
	}

	// PlanTask is one proposed task.
	PlanTask struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		TaskType    string `json:"task_type"`
		Complexity  string `json:"complexity"`
		// DependsOn holds indexes into Tasks. Accepts numbers and numeric
		// strings; anything else is dropped with a warning.
		DependsOn []any `json:"depends_on"`
		MaxTokens int   `json:"max_tokens"`
	}

	// Options configures the decomposer.
	Options struct {
		// Store persists the decomposition. Required.
		Store *store.Store
		// Router assigns tiers and toolsets. Required.
		Router *router.Router
		// Clock stamps the created rows. Defaults to the system clock.
		Clock task.Clock
		// MaxRetries and DefaultMaxTokens seed the created tasks.
		MaxRetries       int
		DefaultMaxTokens int
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Decomposer materializes plans into tasks.
	Decomposer struct {
		store      *store.Store
		router     *router.Router
		clock      task.Clock
		maxRetries int
		maxTokens  int
		log        telemetry.Logger
	}
)

// ErrCycle marks a plan whose dependency graph, after reference filtering,
// contains a cycle. Decomposition fails hard; the plan stays a draft.
var ErrCycle = errors.New("decompose: dependency cycle")

// ErrEmptyPlan marks a plan with no tasks.
var ErrEmptyPlan = errors.New("decompose: plan has no tasks")

// New constructs a Decomposer from the provided options.
func New(opts Options) (*Decomposer, error) {
	if opts.Store == nil {
		return nil, errors.New("decompose: store is required")
	}
	if opts.Router == nil {
		return nil, errors.New("decompose: router is required")
	}
	if opts.Clock == nil {
		opts.Clock = task.SystemClock{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Decomposer{
		store:      opts.Store,
		router:     opts.Router,
		clock:      opts.Clock,
		maxRetries: opts.MaxRetries,
		maxTokens:  opts.DefaultMaxTokens,
		log:        opts.Logger,
	}, nil
}

// Decompose materializes the plan into tasks and approves it. In one
// transaction: tasks and edges are inserted, the plan moves to APPROVED, and
// the project moves to READY. Returns the created tasks in plan order.
func (d *Decomposer) Decompose(ctx context.Context, project *task.Project, plan *task.Plan) ([]*task.Task, error) {
	var doc PlanDoc
	if err := json.Unmarshal(plan.Raw, &doc); err != nil {
		return nil, fmt.Errorf("decompose: parse plan: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	deps := make([][]int, len(doc.Tasks))
	for i, pt := range doc.Tasks {
		deps[i] = d.parseDepRefs(ctx, i, pt.DependsOn, len(doc.Tasks))
	}
	waves, err := computeWaves(deps)
	if err != nil {
		return nil, err
	}

	summary := doc.Summary
	if summary == "" {
		summary = project.Description
	}
	now := d.clock.Now()
	created := make([]*task.Task, len(doc.Tasks))
	for i, pt := range doc.Tasks {
		tt := task.Type(pt.TaskType)
		if !tt.Valid() {
			return nil, fmt.Errorf("decompose: task %d has unknown type %q", i, pt.TaskType)
		}
		cx := task.Complexity(pt.Complexity)
		if pt.Complexity == "" {
			cx = task.ComplexityMedium
		}
		if !cx.Valid() {
			return nil, fmt.Errorf("decompose: task %d has unknown complexity %q", i, pt.Complexity)
		}
		maxTokens := pt.MaxTokens
		if maxTokens <= 0 {
			maxTokens = d.maxTokens
		}
		status := task.StatusPending
		if len(deps[i]) > 0 {
			status = task.StatusBlocked
		}
		created[i] = &task.Task{
			ID:          task.NewID(),
			ProjectID:   project.ID,
			PlanID:      plan.ID,
			Title:       pt.Title,
			Description: pt.Description,
			Type:        tt,
			Complexity:  cx,
			Priority:    i * 10,
			Status:      status,
			Tier:        d.router.Tier(tt, cx),
			Tools:       d.router.Tools(tt),
			Context: []task.ContextEntry{
				{Type: task.ContextProjectSummary, Content: summary},
				{Type: task.ContextTaskDescription, Content: pt.Description},
			},
			Wave:       waves[i],
			MaxTokens:  maxTokens,
			MaxRetries: d.maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	for i := range created {
		for _, dep := range deps[i] {
			created[i].DependsOn = append(created[i].DependsOn, created[dep].ID)
		}
	}

	err = d.store.WithTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		if err := d.store.InsertTasks(ctx, created); err != nil {
			return err
		}
		if err := d.store.ApprovePlan(ctx, plan.ID); err != nil {
			return err
		}
		return d.store.SetProjectStatus(ctx, project.ID, task.ProjectReady,
			task.ProjectDraft, task.ProjectPlanning)
	})
	if err != nil {
		return nil, err
	}
	maxWave := 0
	for _, w := range waves {
		if w > maxWave {
			maxWave = w
		}
	}
	d.log.Info(ctx, "plan decomposed", "project_id", project.ID,
		"plan_id", plan.ID, "tasks", len(created), "waves", maxWave+1)
	return created, nil
}

// parseDepRefs filters one task's dependency references. Numbers and numeric
// strings are accepted; non-numeric values, out-of-range indexes, and
// self-references are dropped with a warning.
func (d *Decomposer) parseDepRefs(ctx context.Context, self int, refs []any, n int) []int {
	out := make([]int, 0, len(refs))
	seen := make(map[int]struct{}, len(refs))
	for _, ref := range refs {
		idx, ok := depIndex(ref)
		if !ok {
			d.log.Warn(ctx, "dropping non-numeric dependency reference",
				"task_index", self, "ref", fmt.Sprintf("%v", ref))
			continue
		}
		if idx < 0 || idx >= n {
			d.log.Warn(ctx, "dropping out-of-range dependency reference",
				"task_index", self, "ref", idx)
			continue
		}
		if idx == self {
			d.log.Warn(ctx, "dropping self dependency", "task_index", self)
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

// depIndex coerces a JSON dependency reference to an index. JSON numbers
// decode as float64; only integral values are accepted.
func depIndex(ref any) (int, bool) {
	switch v := ref.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		idx, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return idx, true
	default:
		return 0, false
	}
}

// computeWaves layers the DAG with Kahn's algorithm: a task's wave is the
// longest dependency chain length from any root. Returns ErrCycle when the
// graph cannot be fully processed.
func computeWaves(deps [][]int) ([]int, error) {
	n := len(deps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, ds := range deps {
		indegree[i] = len(ds)
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], i)
		}
	}
	waves := make([]int, n)
	queue := make([]int, 0, n)
	for i := range n {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[i] {
			if w := waves[i] + 1; w > waves[dep] {
				waves[dep] = w
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != n {
		return nil, ErrCycle
	}
	return waves, nil
}
