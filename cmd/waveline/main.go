// Command waveline runs the task execution daemon: it opens the SQLite store,
// wires the model providers, tools, budget manager, event bus, and resource
// monitor, then drives the orchestrator tick loop until interrupted.
//
// Configuration comes from a YAML file plus environment overrides:
//
//	ANTHROPIC_API_KEY           - Anthropic credential (required for hosted tiers)
//	WAVELINE_DB_PATH            - SQLite database path
//	WAVELINE_LOCAL_BASE_URL     - OpenAI-compatible local server URL
//	WAVELINE_BUDGET_DAILY_USD   - daily spend limit override
//	WAVELINE_BUDGET_MONTHLY_USD - monthly spend limit override
//	REDIS_URL                   - enables the Pulse event mirror when set
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"waveline.dev/waveline/config"
	anthropicmodel "waveline.dev/waveline/features/model/anthropic"
	"waveline.dev/waveline/features/model/middleware"
	openaimodel "waveline.dev/waveline/features/model/openai"
	pulsesink "waveline.dev/waveline/features/stream/pulse"
	pulseclient "waveline.dev/waveline/features/stream/pulse/clients/pulse"
	filetool "waveline.dev/waveline/features/tools/file"
	llmtool "waveline.dev/waveline/features/tools/llm"
	"waveline.dev/waveline/runtime/agent"
	"waveline.dev/waveline/runtime/budget"
	"waveline.dev/waveline/runtime/decompose"
	"waveline.dev/waveline/runtime/events"
	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/monitor"
	"waveline.dev/waveline/runtime/orchestrator"
	"waveline.dev/waveline/runtime/router"
	"waveline.dev/waveline/runtime/store"
	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/runtime/tools"
	"waveline.dev/waveline/runtime/verify"
	"waveline.dev/waveline/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML configuration file")
		debugF  = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	st, err := store.Open(ctx, store.Options{
		Path:   cfg.Database.Path,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Errorf(ctx, cerr, "close store")
		}
	}()

	bus, err := buildBus(ctx, st, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := bus.Close(context.Background()); cerr != nil {
			log.Errorf(ctx, cerr, "close event bus")
		}
	}()

	budgetMgr, err := budget.NewManager(budget.Options{
		Store: st,
		Limits: budget.Limits{
			DailyUSD:      cfg.Budget.DailyLimitUSD,
			MonthlyUSD:    cfg.Budget.MonthlyLimitUSD,
			PerProjectUSD: cfg.Budget.PerProjectLimitUSD,
			WarnAtPct:     cfg.Budget.WarnAtPct,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	rt, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	clients, localClient, err := buildClients(cfg)
	if err != nil {
		return err
	}

	registry, err := buildTools(cfg, localClient)
	if err != nil {
		return err
	}

	runner, err := agent.NewRunner(agent.Options{
		Clients:          clients,
		Registry:         registry,
		Budget:           budgetMgr,
		Bus:              bus,
		Pricer:           rt,
		MaxToolRounds:    cfg.Execution.MaxToolRounds,
		DefaultMaxTokens: cfg.Execution.DefaultMaxTokens,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	mon, err := buildMonitor(cfg, logger)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg, clients, budgetMgr, rt, logger)
	if err != nil {
		return err
	}

	decomposer, err := decompose.New(decompose.Options{
		Store:            st,
		Router:           rt,
		MaxRetries:       cfg.Execution.MaxTaskRetries,
		DefaultMaxTokens: cfg.Execution.DefaultMaxTokens,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:                      st,
		Bus:                        bus,
		Budget:                     budgetMgr,
		Router:                     rt,
		Runner:                     runner,
		Decomposer:                 decomposer,
		Monitor:                    mon,
		Verifier:                   verifier,
		TickInterval:               cfg.Execution.TickInterval,
		MaxConcurrent:              cfg.Execution.MaxConcurrentTasks,
		RetryBackoffBase:           cfg.Execution.RetryBackoffBase,
		RetryBackoffCap:            cfg.Execution.RetryBackoffCap,
		RetryJitter:                cfg.Execution.RetryJitter,
		ContextForwardMaxChars:     cfg.Execution.ContextForwardMaxChars,
		CheckpointOnRetryExhausted: cfg.Execution.CheckpointOnRetryExhausted,
		ShutdownGrace:              cfg.Execution.ShutdownGrace,
		WorkspaceRoot:              cfg.Execution.WorkspaceRoot,
		Logger:                     logger,
		Metrics:                    metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go mon.Run(ctx)

	log.Printf(ctx, "waveline started")
	log.Print(ctx, log.KV{K: "db", V: cfg.Database.Path},
		log.KV{K: "max_concurrent", V: cfg.Execution.MaxConcurrentTasks})
	return orch.Run(ctx)
}

// buildBus wires the event bus, mirroring to a Pulse stream when REDIS_URL is
// set.
func buildBus(ctx context.Context, st *store.Store, logger telemetry.Logger, metrics telemetry.Metrics) (*events.Bus, error) {
	opts := events.Options{
		Store:   st,
		Logger:  logger,
		Metrics: metrics,
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: 5000})
		if err != nil {
			return nil, err
		}
		sink, err := pulsesink.NewSink(pulsesink.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		opts.Sink = sink
		log.Printf(ctx, "pulse event mirror enabled")
	}
	return events.NewBus(opts)
}

func buildRouter(cfg config.Config, logger telemetry.Logger) (*router.Router, error) {
	tierModels := make(map[task.ModelTier]string, len(cfg.Anthropic.Models))
	for tier, id := range cfg.Anthropic.Models {
		tierModels[task.ModelTier(tier)] = id
	}
	pricing := make(map[string]router.Pricing, len(cfg.Pricing))
	for id, p := range cfg.Pricing {
		pricing[id] = router.Pricing{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok}
	}
	return router.New(router.Options{
		TierModels: tierModels,
		LocalModel: cfg.Local.Model,
		Pricing:    pricing,
		Logger:     logger,
	})
}

// buildClients constructs the provider clients keyed by router provider name.
// The Anthropic client is wrapped with the adaptive rate limiter when a
// tokens-per-minute budget is configured. The local client is returned
// separately so the local_llm tool can share it.
func buildClients(cfg config.Config) (map[string]model.Client, model.Client, error) {
	clients := make(map[string]model.Client, 2)

	if cfg.Anthropic.APIKey != "" {
		ac, err := anthropicmodel.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Anthropic.Models["haiku"])
		if err != nil {
			return nil, nil, err
		}
		var hosted model.Client = ac
		if tpm := cfg.Anthropic.TokensPerMinute; tpm > 0 {
			limiter := middleware.NewAdaptiveRateLimiter(float64(tpm), float64(tpm))
			hosted = limiter.Middleware()(hosted)
		}
		clients[router.ProviderAnthropic] = hosted
	}

	local, err := openaimodel.NewLocal(cfg.Local.BaseURL, cfg.Local.Model)
	if err != nil {
		return nil, nil, err
	}
	clients[router.ProviderLocal] = local

	if len(clients) == 0 {
		return nil, nil, errors.New("no model providers configured")
	}
	return clients, local, nil
}

func buildTools(cfg config.Config, localClient model.Client) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	if root := cfg.Execution.WorkspaceRoot; root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
		// Each call resolves against the executing project's workspace,
		// carried on the worker context by the orchestrator.
		for _, t := range []tools.Tool{filetool.NewReadTool(), filetool.NewWriteTool()} {
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}

	delegate, err := llmtool.New(localClient, cfg.Local.Model)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(delegate); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildVerifier wires output verification against the hosted provider when
// enabled. Returns a nil interface when disabled so the orchestrator skips
// verification entirely.
func buildVerifier(cfg config.Config, clients map[string]model.Client, budgetMgr *budget.Manager, rt *router.Router, logger telemetry.Logger) (orchestrator.Verifier, error) {
	if !cfg.Execution.VerificationEnabled {
		return nil, nil
	}
	hosted, ok := clients[router.ProviderAnthropic]
	if !ok {
		return nil, errors.New("verification enabled but no anthropic provider configured")
	}
	v, err := verify.New(verify.Options{
		Client:    hosted,
		Model:     cfg.Execution.VerificationModel,
		MaxTokens: cfg.Execution.VerificationMaxTokens,
		Provider:  router.ProviderAnthropic,
		Budget:    budgetMgr,
		Pricer:    rt,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func buildMonitor(cfg config.Config, logger telemetry.Logger) (*monitor.Monitor, error) {
	resources := []monitor.Resource{
		{
			Name:   router.ProviderAnthropic,
			APIKey: cfg.Anthropic.APIKey,
		},
		{
			Name:           router.ProviderLocal,
			HealthURL:      localHealthURL(cfg.Local.BaseURL),
			TCPAddr:        hostPort(cfg.Local.BaseURL),
			RequiredModels: []string{cfg.Local.Model},
		},
	}
	return monitor.New(monitor.Options{
		Resources:    resources,
		Interval:     cfg.Resources.CheckInterval,
		ProbeTimeout: cfg.Resources.ProbeTimeout,
		Logger:       logger,
	})
}

// localHealthURL derives the model listing endpoint from the OpenAI-compatible
// base URL. Ollama serves it at /api/tags next to /v1.
func localHealthURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/v1") + "/api/tags"
}

// hostPort extracts the dial fallback address from the base URL.
func hostPort(baseURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
