// Package router maps task classifications to model tiers, concrete model
// identifiers, per-call cost, and recommended toolsets. Routing is a pure
// table lookup so decomposition and dispatch stay deterministic.
package router

import (
	"context"
	"errors"
	"math"
	"sync"

	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// Pricing holds USD rates per million tokens for one model.
	Pricing struct {
		InputPerMTok  float64
		OutputPerMTok float64
	}

	// ModelSpec is the concrete routing result for a tier.
	ModelSpec struct {
		// Provider names the client to use: "anthropic" or "local".
		Provider string
		// Model is the provider-specific model identifier.
		Model string
	}

	// Options configures the router.
	Options struct {
		// TierModels maps tiers (haiku, sonnet, opus) to concrete Anthropic
		// model identifiers. Required for the tiers it names.
		TierModels map[task.ModelTier]string
		// LocalModel is the identifier served by the local provider.
		LocalModel string
		// Pricing maps model identifiers to rates. Models absent from the
		// map cost zero and log once.
		Pricing map[string]Pricing
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Router resolves tiers and prices calls. Safe for concurrent use.
	Router struct {
		tierModels map[task.ModelTier]string
		localModel string
		pricing    map[string]Pricing
		log        telemetry.Logger

		warnMu sync.Mutex
		warned map[string]struct{}
	}

	tierKey struct {
		t task.Type
		c task.Complexity
	}
)

// Provider names produced by Resolve.
const (
	ProviderAnthropic = "anthropic"
	ProviderLocal     = "local"
)

// EstimatedInputTokens is the planning estimate for a task's prompt size,
// used when reserving budget before the real prompt is assembled.
const EstimatedInputTokens = 1500

// tierTable maps (task type, complexity) to a tier. Unlisted combinations
// fall back to the haiku tier.
var tierTable = map[tierKey]task.ModelTier{
	{task.TypeCode, task.ComplexitySimple}:           task.TierHaiku,
	{task.TypeCode, task.ComplexityMedium}:           task.TierSonnet,
	{task.TypeCode, task.ComplexityComplex}:          task.TierSonnet,
	{task.TypeResearch, task.ComplexitySimple}:       task.TierLocal,
	{task.TypeResearch, task.ComplexityMedium}:       task.TierHaiku,
	{task.TypeResearch, task.ComplexityComplex}:      task.TierSonnet,
	{task.TypeAnalysis, task.ComplexitySimple}:       task.TierLocal,
	{task.TypeAnalysis, task.ComplexityMedium}:       task.TierHaiku,
	{task.TypeAnalysis, task.ComplexityComplex}:      task.TierSonnet,
	{task.TypeAsset, task.ComplexitySimple}:          task.TierLocal,
	{task.TypeAsset, task.ComplexityMedium}:          task.TierLocal,
	{task.TypeAsset, task.ComplexityComplex}:         task.TierLocal,
	{task.TypeIntegration, task.ComplexitySimple}:    task.TierHaiku,
	{task.TypeIntegration, task.ComplexityMedium}:    task.TierHaiku,
	{task.TypeIntegration, task.ComplexityComplex}:   task.TierSonnet,
	{task.TypeDocumentation, task.ComplexitySimple}:  task.TierLocal,
	{task.TypeDocumentation, task.ComplexityMedium}:  task.TierHaiku,
	{task.TypeDocumentation, task.ComplexityComplex}: task.TierSonnet,
}

// toolTable recommends toolsets per task type. Only tools shipped with the
// core appear here; names missing from the registry at execution time are
// skipped.
var toolTable = map[task.Type][]string{
	task.TypeCode:          {"local_llm", "read_file", "write_file"},
	task.TypeResearch:      {"local_llm"},
	task.TypeAnalysis:      {"local_llm", "read_file"},
	task.TypeAsset:         {"local_llm"},
	task.TypeIntegration:   {"read_file", "write_file", "local_llm"},
	task.TypeDocumentation: {"local_llm", "read_file", "write_file"},
}

// New constructs a Router from the provided options.
func New(opts Options) (*Router, error) {
	if len(opts.TierModels) == 0 {
		return nil, errors.New("router: tier models are required")
	}
	if opts.LocalModel == "" {
		return nil, errors.New("router: local model is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Router{
		tierModels: opts.TierModels,
		localModel: opts.LocalModel,
		pricing:    opts.Pricing,
		log:        opts.Logger,
		warned:     make(map[string]struct{}),
	}, nil
}

// Tier returns the recommended tier for a task classification.
func (r *Router) Tier(t task.Type, c task.Complexity) task.ModelTier {
	if tier, ok := tierTable[tierKey{t, c}]; ok {
		return tier
	}
	return task.TierHaiku
}

// Tools returns the recommended toolset for a task type.
func (r *Router) Tools(t task.Type) []string {
	if tools, ok := toolTable[t]; ok {
		return append([]string(nil), tools...)
	}
	return []string{"local_llm"}
}

// Resolve maps a tier to the provider and model identifier to invoke.
func (r *Router) Resolve(tier task.ModelTier) (ModelSpec, error) {
	if tier == task.TierLocal {
		return ModelSpec{Provider: ProviderLocal, Model: r.localModel}, nil
	}
	model, ok := r.tierModels[tier]
	if !ok || model == "" {
		return ModelSpec{}, errors.New("router: no model configured for tier " + string(tier))
	}
	return ModelSpec{Provider: ProviderAnthropic, Model: model}, nil
}

// Cost prices one call in USD, rounded to six decimals. Unknown models cost
// zero and log a one-time warning per model.
func (r *Router) Cost(ctx context.Context, model string, promptTokens, completionTokens int) float64 {
	p, ok := r.pricing[model]
	if !ok {
		r.warnMu.Lock()
		if _, seen := r.warned[model]; !seen {
			r.warned[model] = struct{}{}
			r.log.Warn(ctx, "no pricing for model, counting cost as zero", "model", model)
		}
		r.warnMu.Unlock()
		return 0
	}
	cost := float64(promptTokens)/1e6*p.InputPerMTok +
		float64(completionTokens)/1e6*p.OutputPerMTok
	return math.Round(cost*1e6) / 1e6
}

// EstimateCost prices a worst-case call for reservation purposes: the
// standard input estimate plus a full completion at maxTokens.
func (r *Router) EstimateCost(ctx context.Context, model string, maxTokens int) float64 {
	return r.Cost(ctx, model, EstimatedInputTokens, maxTokens)
}
