package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/dedup"
	"github.com/sells-group/domain-intel/internal/event"
	"github.com/sells-group/domain-intel/internal/metrics"
	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/phases"
	"github.com/sells-group/domain-intel/internal/resilience"
	"github.com/sells-group/domain-intel/internal/session"
	"github.com/sells-group/domain-intel/internal/strategy"
	anthropicpkg "github.com/sells-group/domain-intel/pkg/anthropic"
)

// pipelineEnv holds the initialized store, scraping stack, and
// orchestrator shared by the run/serve commands.
type pipelineEnv struct {
	Store   session.Store
	Dedup   *dedup.Deduplicator
	Factory *event.Factory
	Orch    *orchestrator.Orchestrator

	dynamic   *strategy.Dynamic
	cacheFile string
}

// Close persists the dedup cache and releases held resources.
func (pe *pipelineEnv) Close() {
	if pe.cacheFile != "" && pe.Dedup != nil {
		if err := saveCacheFile(pe.cacheFile, pe.Dedup.Export()); err != nil {
			zap.L().Warn("persist dedup cache", zap.Error(err))
		}
	}
	if pe.dynamic != nil {
		pe.dynamic.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (session.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return session.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return session.NewSQLite(cfg.Store.SQLitePath)
	case "memory":
		return session.NewMemoryStore(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, scraping strategies, phase executors, and
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, orchOpts ...orchestrator.Option) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	dedupe := dedup.New(
		dedup.WithTTL(time.Duration(cfg.Dedup.TTLHours)*time.Hour),
		dedup.WithCapacity(cfg.Dedup.Capacity),
	)
	if cfg.Dedup.CacheFile != "" {
		if entries, err := loadCacheFile(cfg.Dedup.CacheFile); err == nil {
			dedupe.Import(entries)
		} else {
			zap.L().Debug("dedup cache not loaded", zap.Error(err))
		}
	}

	static := strategy.NewStatic(strategy.StaticConfig{
		UserAgent: cfg.Discovery.UserAgent,
		Timeout:   time.Duration(cfg.Discovery.TimeoutSecs) * time.Second,
	})
	dynamic := strategy.NewDynamic(strategy.DynamicConfig{
		MaxParallel: cfg.Scraping.Concurrency,
		UserAgent:   cfg.Discovery.UserAgent,
	})
	spa := strategy.NewSPA(dynamic)

	selOpts := []strategy.SelectorOption{
		strategy.WithPerfObserver(metrics.ObserveScrape),
	}
	if cfg.Strategy.Forced != "" {
		selOpts = append(selOpts, strategy.WithForcedStrategy(cfg.Strategy.Forced))
	}
	if cfg.Strategy.TechMapPath != "" {
		tm, err := strategy.LoadTechMap(cfg.Strategy.TechMapPath)
		if err != nil {
			dynamic.Close()
			_ = st.Close()
			return nil, eris.Wrap(err, "load tech map")
		}
		selOpts = append(selOpts, strategy.WithTechMap(tm))
	}
	selector := strategy.NewSelector(static, dynamic, spa, zap.L(), selOpts...)

	factory := event.NewFactory(zap.L())
	opts := append([]orchestrator.Option{
		orchestrator.WithPhaseTimeout(time.Duration(cfg.Server.PhaseTimeoutSecs) * time.Second),
		orchestrator.WithReviewGate(orchestrator.NewThresholdGate(
			orchestrator.WithDefaultThreshold(cfg.Pipeline.ReviewThreshold))),
	}, orchOpts...)
	orch := orchestrator.New(st, factory, zap.L(), opts...)

	// Progress reports flow onto the session's event stream.
	progress := func(sessionID, phase string, current, total int, message string) {
		orch.Events(sessionID).Send(factory.Progress(
			event.Options{SessionID: sessionID, Source: event.SourceScraper},
			phase, current, total, message,
		))
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	breaker := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	client = anthropicpkg.WithCircuitBreaker(client, breaker)
	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	orch.Register(phases.NewDiscovery(phases.DiscoveryConfig{
		MaxPages:          cfg.Discovery.MaxPages,
		MaxDepth:          cfg.Discovery.MaxDepth,
		RequestsPerSecond: cfg.Discovery.RequestsPerSecond,
		UserAgent:         cfg.Discovery.UserAgent,
		Timeout:           time.Duration(cfg.Discovery.TimeoutSecs) * time.Second,
	}, phases.NewPathMatcher(cfg.Discovery.ExcludePaths), progress, zap.L()))

	orch.Register(phases.NewScraping(phases.ScrapingConfig{
		Concurrency: cfg.Scraping.Concurrency,
	}, selector, dedupe, progress, zap.L()))

	orch.Register(phases.NewExtraction(progress, zap.L()))

	orch.Register(phases.NewEnrichment(phases.EnrichmentConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: int64(cfg.Anthropic.EnrichTokens),
	}, client, retry, progress, zap.L()))

	orch.Register(phases.NewGeneration(phases.GenerationConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: int64(cfg.Anthropic.GenerateTokens),
	}, client, retry, progress, zap.L()))

	return &pipelineEnv{
		Store:     st,
		Dedup:     dedupe,
		Factory:   factory,
		Orch:      orch,
		dynamic:   dynamic,
		cacheFile: cfg.Dedup.CacheFile,
	}, nil
}
