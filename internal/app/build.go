package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/shrink/internal/config"
	"github.com/ent0n29/shrink/internal/corpus"
	"github.com/ent0n29/shrink/internal/engine"
	"github.com/ent0n29/shrink/internal/httpapi"
	"github.com/ent0n29/shrink/internal/llm"
	"github.com/ent0n29/shrink/internal/memory"
	"github.com/ent0n29/shrink/internal/observability"
	"github.com/ent0n29/shrink/internal/policy"
	"github.com/ent0n29/shrink/internal/recall"
	"github.com/ent0n29/shrink/internal/sessionlog"
	"github.com/ent0n29/shrink/internal/shortterm"
	"github.com/ent0n29/shrink/internal/signal"
	"github.com/ent0n29/shrink/internal/tone"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Engine   *engine.Engine
	Memory   *memory.Service
	Facts    shortterm.Cache
	Recall   *recall.Recaller
	Signals  *signal.Predictor
	Tones    *tone.Inferer
	Provider llm.Provider
	Metrics  *observability.Metrics

	// Cleanup waits for background memory writes, then releases external
	// resources (DB pools, redis, log files).
	Cleanup func() error
}

// Options tweak Build for callers other than the server.
type Options struct {
	// Registerer receives the prometheus collectors. nil uses the default registry.
	Registerer prometheus.Registerer
	// JanitorInterval sweeps expired short-term facts. Zero disables the sweep.
	JanitorInterval time.Duration
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	provider, err := llm.NewProvider(llm.Config{
		Mode:           cfg.LLMProvider,
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDims:  cfg.EmbeddingDim,
		RequestTimeout: cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}
	log.Info("llm provider ready", zap.String("provider", provider.Name()))

	library := corpus.NewLibrary(cfg.RecallCorpusPath, cfg.ToneCorpusPath, log)

	var closers []func() error
	cleanupAll := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	facts, err := shortterm.NewCache(ctx, shortterm.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		TTL:           cfg.ShortTermTTL,
		MaxThreads:    cfg.ShortTermMaxThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("short-term cache init failed: %w", err)
	}
	closers = append(closers, facts.Close)
	if c, ok := facts.(*shortterm.InMemoryCache); ok && opts.JanitorInterval > 0 {
		c.StartJanitor(ctx, opts.JanitorInterval)
	}

	store, err := memory.NewStore(ctx, memory.StoreConfig{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		_ = cleanupAll()
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	closers = append(closers, store.Close)
	mem := memory.NewService(store, provider, facts, log)
	log.Info("memory store ready", zap.String("backend", memory.Backend(store)))

	sessionLog, err := sessionlog.NewWriter(ctx, sessionlog.Config{
		Backend:     cfg.SessionLogBackend,
		Path:        cfg.SessionLogPath,
		DatabaseURL: cfg.DatabaseURL,
		RedactPII:   cfg.SessionLogRedactPII,
	})
	if err != nil {
		_ = cleanupAll()
		return nil, fmt.Errorf("session log init failed: %w", err)
	}
	closers = append(closers, sessionLog.Close)

	signals := signal.NewPredictor(provider, cfg.SignalModel)
	tones := tone.NewInferer(provider, library, log)
	recaller := recall.NewRecaller(provider, library, recall.Options{
		TopN:     cfg.RecallTopN,
		MinScore: cfg.RecallMinScore,
	}, log)

	eng := engine.New(engine.Deps{
		Completer:  provider,
		Signals:    signals,
		Tones:      tones,
		Recall:     recaller,
		Memory:     mem,
		Facts:      facts,
		SafetyNet:  policy.NewSafetyNet(policy.SafetyNetConfig{CrisisMessage: cfg.CrisisMessage}),
		SessionLog: sessionLog,
		Metrics:    metrics,
		Log:        log,
	}, engine.Options{
		FullModel:          cfg.FullModel,
		MicroModel:         cfg.MicroModel,
		Temperature:        cfg.ChatTemperature,
		TopP:               cfg.ChatTopP,
		MaxTokens:          cfg.ChatMaxTokens,
		RequestTimeout:     cfg.ChatTimeout,
		EnrichmentTimeout:  cfg.EnrichmentTimeout,
		PerThreadLimit:     cfg.MemoryPerThreadLimit,
		SessionLimit:       cfg.MemorySessionLimit,
		RelevanceThreshold: cfg.RelevanceThreshold,
		RelevantLimit:      cfg.RelevantLimit,
	})

	api := httpapi.New(cfg, eng, mem, facts, metrics, log)
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		api.AddReadinessCheck("memory_store", p.Ping)
	}
	if p, ok := facts.(interface{ Ping(context.Context) error }); ok {
		api.AddReadinessCheck("short_term_cache", p.Ping)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Engine:   eng,
		Memory:   mem,
		Facts:    facts,
		Recall:   recaller,
		Signals:  signals,
		Tones:    tones,
		Provider: provider,
		Metrics:  metrics,
		Cleanup: func() error {
			eng.Wait()
			return cleanupAll()
		},
	}, nil
}
