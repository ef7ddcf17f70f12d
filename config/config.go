// Package config loads the execution core's configuration from a YAML file
// with environment-variable overrides for secrets and deployment-specific
// values. Defaults match a single-developer local deployment; Validate
// enforces the invariants the runtime relies on.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		Database  Database  `yaml:"database"`
		Anthropic Anthropic `yaml:"anthropic"`
		Local     Local     `yaml:"local"`
		Budget    Budget    `yaml:"budget"`
		Execution Execution `yaml:"execution"`
		Resources Resources `yaml:"resources"`
		// Pricing maps concrete model identifiers to per-million-token USD
		// rates. Models absent from the map cost zero and log a one-time
		// warning.
		Pricing map[string]ModelPricing `yaml:"model_pricing"`
	}

	// Database configures the embedded store.
	Database struct {
		// Path is the SQLite database file. ":memory:" is accepted for
		// tests.
		Path string `yaml:"path"`
	}

	// Anthropic configures the hosted Anthropic provider.
	Anthropic struct {
		// APIKey is read from ANTHROPIC_API_KEY when empty.
		APIKey string `yaml:"api_key"`
		// Models maps tier names (haiku, sonnet, opus) to concrete model
		// identifiers.
		Models map[string]string `yaml:"models"`
		// Timeout bounds each Messages API call.
		Timeout time.Duration `yaml:"timeout"`
		// TokensPerMinute enables the adaptive rate limiter when positive.
		TokensPerMinute int `yaml:"tokens_per_minute"`
	}

	// Local configures the local OpenAI-compatible inference server (the
	// Ollama-class tier).
	Local struct {
		// BaseURL is the server's /v1 endpoint root.
		BaseURL string `yaml:"base_url"`
		// Model is the default local model identifier.
		Model string `yaml:"model"`
		// Timeout bounds each completion call.
		Timeout time.Duration `yaml:"timeout"`
	}

	// Budget holds spend limits in USD.
	Budget struct {
		DailyLimitUSD      float64 `yaml:"daily_limit_usd"`
		MonthlyLimitUSD    float64 `yaml:"monthly_limit_usd"`
		PerProjectLimitUSD float64 `yaml:"per_project_limit_usd"`
		// WarnAtPct is the utilization percentage at which BudgetStatus
		// reports a warning.
		WarnAtPct int `yaml:"warn_at_pct"`
	}

	// Execution tunes the orchestrator and agent loop.
	Execution struct {
		MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
		TickInterval       time.Duration `yaml:"tick_interval"`
		MaxToolRounds      int           `yaml:"max_tool_rounds"`
		DefaultMaxTokens   int           `yaml:"default_max_tokens"`
		MaxTaskRetries     int           `yaml:"max_task_retries"`
		// RetryBackoffBase and RetryBackoffCap bound the exponential retry
		// backoff; jitter up to RetryJitter is added on top.
		RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
		RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`
		RetryJitter      time.Duration `yaml:"retry_jitter"`
		// ContextForwardMaxChars truncates dependency outputs forwarded to
		// dependent tasks.
		ContextForwardMaxChars int `yaml:"context_forward_max_chars"`
		// CheckpointOnRetryExhausted parks tasks for review instead of
		// failing them when retries run out.
		CheckpointOnRetryExhausted bool `yaml:"checkpoint_on_retry_exhausted"`
		// VerificationEnabled grades completed output with a cheap model;
		// gaps trigger a retry with feedback, fundamental issues park the
		// task for review.
		VerificationEnabled bool `yaml:"verification_enabled"`
		// VerificationModel is the grading model identifier.
		VerificationModel string `yaml:"verification_model"`
		// VerificationMaxTokens caps the verdict completion.
		VerificationMaxTokens int           `yaml:"verification_max_tokens"`
		ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
		// WorkspaceRoot is the parent directory for per-project file-tool
		// sandboxes.
		WorkspaceRoot string `yaml:"workspace_root"`
	}

	// Resources tunes the provider health monitor.
	Resources struct {
		CheckInterval time.Duration `yaml:"check_interval"`
		ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	}

	// ModelPricing holds USD rates per million tokens.
	ModelPricing struct {
		InputPerMTok  float64 `yaml:"input_per_mtok"`
		OutputPerMTok float64 `yaml:"output_per_mtok"`
	}
)

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Database: Database{Path: "waveline.db"},
		Anthropic: Anthropic{
			Models: map[string]string{
				"haiku":  "claude-haiku-4-5-20251001",
				"sonnet": "claude-sonnet-4-6",
			},
			Timeout: 120 * time.Second,
		},
		Local: Local{
			BaseURL: "http://localhost:11434/v1",
			Model:   "qwen2.5-coder:14b",
			Timeout: 120 * time.Second,
		},
		Budget: Budget{
			DailyLimitUSD:      5.0,
			MonthlyLimitUSD:    50.0,
			PerProjectLimitUSD: 10.0,
			WarnAtPct:          80,
		},
		Execution: Execution{
			MaxConcurrentTasks:         3,
			TickInterval:               2 * time.Second,
			MaxToolRounds:              10,
			DefaultMaxTokens:           4096,
			MaxTaskRetries:             5,
			RetryBackoffBase:           5 * time.Second,
			RetryBackoffCap:            120 * time.Second,
			RetryJitter:                2 * time.Second,
			ContextForwardMaxChars:     2000,
			CheckpointOnRetryExhausted: true,
			VerificationEnabled:        false,
			VerificationModel:          "claude-haiku-4-5-20251001",
			VerificationMaxTokens:      1024,
			ShutdownGrace:              30 * time.Second,
			WorkspaceRoot:              "workspaces",
		},
		Resources: Resources{
			CheckInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Pricing: map[string]ModelPricing{
			"claude-haiku-4-5-20251001": {InputPerMTok: 1.0, OutputPerMTok: 5.0},
			"claude-sonnet-4-6":         {InputPerMTok: 3.0, OutputPerMTok: 15.0},
		},
	}
}

// Load reads the YAML file at path when it exists, merges it over the
// defaults, applies environment overrides, and validates the result. An empty
// path skips the file and uses defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded values. Secrets are
// environment-only; the YAML file never needs to hold the API key.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("WAVELINE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("WAVELINE_LOCAL_BASE_URL"); v != "" {
		c.Local.BaseURL = v
	}
	if v := os.Getenv("WAVELINE_BUDGET_DAILY_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DailyLimitUSD = f
		}
	}
	if v := os.Getenv("WAVELINE_BUDGET_MONTHLY_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MonthlyLimitUSD = f
		}
	}
}

// Validate enforces the constraints the runtime assumes. Limits may be zero
// (meaning "spend nothing") but never negative; intervals and caps must be
// positive.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	for label, v := range map[string]float64{
		"budget.daily_limit_usd":       c.Budget.DailyLimitUSD,
		"budget.monthly_limit_usd":     c.Budget.MonthlyLimitUSD,
		"budget.per_project_limit_usd": c.Budget.PerProjectLimitUSD,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", label, v)
		}
	}
	if c.Budget.WarnAtPct < 0 || c.Budget.WarnAtPct > 100 {
		return fmt.Errorf("budget.warn_at_pct must be in [0,100], got %d", c.Budget.WarnAtPct)
	}
	if c.Execution.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("execution.max_concurrent_tasks must be > 0, got %d", c.Execution.MaxConcurrentTasks)
	}
	if c.Execution.TickInterval <= 0 {
		return errors.New("execution.tick_interval must be > 0")
	}
	if c.Execution.MaxToolRounds <= 0 {
		return fmt.Errorf("execution.max_tool_rounds must be > 0, got %d", c.Execution.MaxToolRounds)
	}
	if c.Execution.DefaultMaxTokens <= 0 {
		return fmt.Errorf("execution.default_max_tokens must be > 0, got %d", c.Execution.DefaultMaxTokens)
	}
	if c.Execution.MaxTaskRetries < 0 {
		return fmt.Errorf("execution.max_task_retries must be >= 0, got %d", c.Execution.MaxTaskRetries)
	}
	if c.Execution.VerificationEnabled {
		if c.Execution.VerificationModel == "" {
			return errors.New("execution.verification_model is required when verification is enabled")
		}
		if c.Execution.VerificationMaxTokens <= 0 {
			return fmt.Errorf("execution.verification_max_tokens must be > 0, got %d", c.Execution.VerificationMaxTokens)
		}
	}
	if c.Anthropic.Timeout <= 0 || c.Local.Timeout <= 0 {
		return errors.New("provider timeouts must be > 0")
	}
	return nil
}
