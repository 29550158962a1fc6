// Package app wires the configured pipeline: gateway, embedder, index,
// stage implementations, and the orchestrator. Commands stay thin.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/carebridge/careline/internal/analyze"
	"github.com/carebridge/careline/internal/config"
	"github.com/carebridge/careline/internal/contextstore"
	"github.com/carebridge/careline/internal/embedding"
	"github.com/carebridge/careline/internal/gateway"
	"github.com/carebridge/careline/internal/knowledge"
	"github.com/carebridge/careline/internal/media"
	"github.com/carebridge/careline/internal/pipeline"
	"github.com/carebridge/careline/internal/reason"
	"github.com/carebridge/careline/internal/retrieval"
	"github.com/carebridge/careline/internal/safety"
	"github.com/carebridge/careline/internal/secrets"
	"github.com/carebridge/careline/internal/stagelog"
	"github.com/carebridge/careline/internal/validate"
)

type App struct {
	log          *slog.Logger
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator

	store  *contextstore.Store
	stages *stagelog.Log
	index  *knowledge.QdrantIndex

	Version string
}

type Options struct {
	Config  *config.Config
	Secrets *secrets.Store
	Version string
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	keys := opts.Secrets
	if keys == nil {
		keys = secrets.NewStore(secrets.DefaultPath())
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	transports, err := gateway.BuildTransports(cfg, keys, logger)
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(gateway.Options{Logger: logger, Transports: transports})
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewOllamaService(cfg.EffectiveEmbeddingBaseURL(), cfg.Embedding.Model)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}

	index, err := knowledge.NewQdrantIndex(cfg.EffectiveIndexHost(), cfg.EffectiveIndexPort(), cfg.Index.Collection)
	if err != nil {
		return nil, fmt.Errorf("knowledge index: %w", err)
	}

	retriever, err := retrieval.New(retrieval.Options{
		Logger:        logger,
		Embedder:      embedder,
		Index:         index,
		KRaw:          cfg.EffectiveKRaw(),
		KFinal:        cfg.EffectiveKFinal(),
		MinSimilarity: cfg.EffectiveMinSimilarity(),
		AllowedTiers:  cfg.EffectiveAllowedTiers(),
		ModelVersion:  cfg.Embedding.ModelVersion,
		CacheTTL:      time.Duration(cfg.EffectiveCacheTTLSeconds()) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	resources, err := loadResources(cfg, logger)
	if err != nil {
		return nil, err
	}
	screener := safety.New(safety.Options{
		Logger:     logger,
		Classifier: buildClassifier(cfg, gw),
		Resources:  resources,
	})

	disallowed, err := analyze.CompilePatterns(cfg.DisallowedPatterns)
	if err != nil {
		return nil, err
	}
	analyzeOpts := analyze.Options{
		Logger:        logger,
		MaxInputChars: cfg.EffectiveMaxInputChars(),
	}
	if len(disallowed) > 0 {
		analyzeOpts.DisallowedPatterns = disallowed
	}
	if mc := buildMedia(cfg, keys, logger); mc != nil {
		analyzeOpts.Transcriber = mc
		analyzeOpts.Vision = mc
	}
	analyzer := analyze.New(analyzeOpts)

	router := reason.NewRouter(cfg, gw, logger)
	reasoner, err := reason.NewReasoner(reason.ReasonerOptions{
		Logger:      logger,
		Caller:      gw,
		Router:      router,
		Temperature: cfg.EffectiveTemperature(),
	})
	if err != nil {
		return nil, err
	}

	validator := validate.New(validate.Options{
		Logger:         logger,
		Screener:       screener,
		Disclaimer:     cfg.EffectiveDisclaimer(),
		HealthcareMode: cfg.HealthcareMode,
	})

	store, err := contextstore.Open(cfg.EffectiveContextDBPath(), contextstore.Options{
		MaxTurns:   cfg.EffectiveContextMaxTurns(),
		MaxTurnAge: time.Duration(cfg.EffectiveContextMaxAgeHours()) * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}

	stages, err := stagelog.Open(cfg.EffectiveStageLogPath())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("stage log: %w", err)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Logger:     logger,
		Analyzer:   analyzer,
		Store:      store,
		Screener:   screener,
		Retriever:  retriever,
		Reasoner:   reasoner,
		Validator:  validator,
		Summarizer: buildSummarizer(cfg, gw),
		Stages:     stages,
		CrisisResources: func(locale string) string {
			return safety.FormatResources(screener.Resources().ForLocale(locale))
		},
		Deadline: time.Duration(cfg.EffectiveRequestDeadlineMs()) * time.Millisecond,
	})
	if err != nil {
		_ = store.Close()
		_ = stages.Close()
		return nil, err
	}

	return &App{
		log:          logger,
		cfg:          cfg,
		orchestrator: orch,
		store:        store,
		stages:       stages,
		index:        index,
		Version:      opts.Version,
	}, nil
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var first error
	for _, c := range []interface{ Close() error }{a.stages, a.store, a.index} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Process runs one request through the pipeline.
func (a *App) Process(ctx context.Context, input pipeline.UserInput) (pipeline.AgentResponse, error) {
	return a.orchestrator.Process(ctx, input)
}

func loadResources(cfg *config.Config, logger *slog.Logger) (*safety.ResourceTable, error) {
	path := strings.TrimSpace(cfg.CrisisResourcesPath)
	if path == "" {
		return safety.DefaultResources(), nil
	}
	table, err := safety.LoadResources(path)
	if err != nil {
		return nil, fmt.Errorf("crisis resources: %w", err)
	}
	logger.Info("crisis resources loaded", "path", path)
	return table, nil
}

// buildClassifier returns the model safety classifier when a default model
// exists, nil otherwise. The screener treats nil as lexicon-only.
func buildClassifier(cfg *config.Config, gw *gateway.Gateway) safety.Classifier {
	id, ok := cfg.DefaultModelID()
	if !ok {
		return nil
	}
	pid, model := config.SplitModelID(id)
	return safety.NewModelClassifier(gw, pid, model)
}

func buildSummarizer(cfg *config.Config, gw *gateway.Gateway) pipeline.Summarizer {
	id, ok := cfg.DefaultModelID()
	if !ok {
		return nil
	}
	pid, model := config.SplitModelID(id)
	return contextstore.NewModelSummarizer(gw, pid, model)
}

// buildMedia returns the multimodal client for the first provider with a
// usable key, nil when none qualifies. Absence degrades audio and image
// inputs per the analyzer's modality policy.
func buildMedia(cfg *config.Config, keys *secrets.Store, logger *slog.Logger) *media.Client {
	for _, p := range cfg.Providers {
		if p.Type != "openai" && p.Type != "openai_compatible" {
			continue
		}
		key, ok, err := keys.ProviderAPIKey(p.ID)
		if err != nil || !ok || strings.TrimSpace(key) == "" {
			continue
		}
		client, err := media.NewClient(key, p.BaseURL)
		if err != nil {
			logger.Warn("media client unavailable", "provider", p.ID, "error", err)
			continue
		}
		return client
	}
	return nil
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
