package task

type (
	// ProjectStatus enumerates the lifecycle states of a project. Values are
	// stored as lowercase strings and appear verbatim in persisted rows and
	// published events.
	ProjectStatus string

	// PlanStatus enumerates the lifecycle states of a plan version.
	PlanStatus string

	// Status enumerates the lifecycle states of a task. A task is created
	// PENDING (or BLOCKED when it has unmet dependencies) and moves through
	// QUEUED and RUNNING toward one of the terminal states.
	Status string

	// ModelTier identifies the capability class a task is routed to. Tiers
	// decouple routing decisions from concrete model identifiers.
	ModelTier string

	// Type classifies the work a task performs. The model router uses the
	// type together with complexity to select a tier and a toolset.
	Type string

	// Complexity grades how demanding a task is expected to be.
	Complexity string

	// VerificationResult captures the outcome of an output verification pass.
	VerificationResult string
)

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectPlanning  ProjectStatus = "planning"
	ProjectReady     ProjectStatus = "ready"
	ProjectExecuting ProjectStatus = "executing"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCancelled ProjectStatus = "cancelled"
)

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanSuperseded PlanStatus = "superseded"
)

const (
	StatusPending     Status = "pending"
	StatusBlocked     Status = "blocked"
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusNeedsReview Status = "needs_review"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

const (
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
	TierLocal  ModelTier = "local"
)

const (
	TypeCode          Type = "code"
	TypeResearch      Type = "research"
	TypeAnalysis      Type = "analysis"
	TypeAsset         Type = "asset"
	TypeIntegration   Type = "integration"
	TypeDocumentation Type = "documentation"
)

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

const (
	VerificationPassed      VerificationResult = "passed"
	VerificationGapsFound   VerificationResult = "gaps_found"
	VerificationHumanNeeded VerificationResult = "human_needed"
	VerificationSkipped     VerificationResult = "skipped"
)

// Terminal reports whether the status is final: no further transitions are
// allowed out of it. NEEDS_REVIEW is deliberately not terminal; a human
// resolution moves the task back into the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the project status is final.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectCompleted, ProjectFailed, ProjectCancelled:
		return true
	}
	return false
}

// Valid reports whether the task type is one of the known classifications.
func (t Type) Valid() bool {
	switch t {
	case TypeCode, TypeResearch, TypeAnalysis, TypeAsset, TypeIntegration, TypeDocumentation:
		return true
	}
	return false
}

// Valid reports whether the complexity grade is known.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return true
	}
	return false
}
