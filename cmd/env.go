package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/aggregate"
	"github.com/sells-group/brandpulse/internal/config"
	"github.com/sells-group/brandpulse/internal/deadletter"
	"github.com/sells-group/brandpulse/internal/engine"
	"github.com/sells-group/brandpulse/internal/provider"
	"github.com/sells-group/brandpulse/internal/resilience"
	"github.com/sells-group/brandpulse/internal/store"
	"github.com/sells-group/brandpulse/internal/timeout"
	"github.com/sells-group/brandpulse/pkg/openai"
)

// env bundles the wired subsystems behind the CLI and server commands.
type env struct {
	Engine   *engine.Engine
	Registry *provider.Registry
	Letters  deadletter.Store
	Results  store.ResultStore
	Timeouts *timeout.Manager
	Repo     engine.ExecutionRepository
}

// initEnv wires stores, provider adapters and the engine from config.
func initEnv(ctx context.Context) (*env, error) {
	letters, err := openDeadLetterStore(ctx, cfg.DLQ)
	if err != nil {
		return nil, err
	}
	results, err := openResultStore(ctx, cfg.Store)
	if err != nil {
		letters.Close()
		return nil, err
	}

	registry := provider.NewRegistry()
	registerProviders(registry, cfg.Providers)
	if len(registry.List()) == 0 {
		zap.L().Warn("no provider API keys configured, submissions will be rejected")
	}

	timeouts := timeout.NewManager()
	repo := engine.NewMemoryRepository(cfg.Engine.Retention())

	eng := engine.New(engine.Config{
		Workers:        cfg.Engine.Workers,
		CallTimeout:    cfg.Engine.CallTimeout(),
		BaseTimeout:    cfg.Engine.BaseTimeout(),
		PerTaskTimeout: cfg.Engine.PerTaskTimeout(),
		MaxTimeout:     cfg.Engine.MaxTimeout(),
		Policy: resilience.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay(),
			MaxDelay:   cfg.Retry.MaxDelay(),
			Jitter:     cfg.Retry.Jitter,
		},
		Weights: aggregate.Weights{
			ShareOfVoice: cfg.Score.WeightSOV,
			Sentiment:    cfg.Score.WeightSentiment,
			SuccessRate:  cfg.Score.WeightSuccess,
		},
		Buckets: aggregate.VisibilityBuckets{
			Top:    cfg.Score.VisibilityTop,
			Middle: cfg.Score.VisibilityMiddle,
			Low:    cfg.Score.VisibilityLow,
		},
	}, registry, timeouts, letters, results, repo)

	return &env{
		Engine:   eng,
		Registry: registry,
		Letters:  letters,
		Results:  results,
		Timeouts: timeouts,
		Repo:     repo,
	}, nil
}

func (e *env) Close() {
	if err := e.Letters.Close(); err != nil {
		zap.L().Warn("closing dead letter store", zap.Error(err))
	}
	if err := e.Results.Close(); err != nil {
		zap.L().Warn("closing result store", zap.Error(err))
	}
}

func openDeadLetterStore(ctx context.Context, c config.DLQConfig) (deadletter.Store, error) {
	var (
		st  deadletter.Store
		err error
	)
	switch c.Driver {
	case "postgres":
		st, err = deadletter.NewPostgres(ctx, c.DatabaseURL)
	case "sqlite", "":
		st, err = deadletter.NewSQLite(c.SQLitePath)
	default:
		return nil, eris.Errorf("unknown dlq driver: %s", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func openResultStore(ctx context.Context, c config.StoreConfig) (store.ResultStore, error) {
	var (
		st  store.ResultStore
		err error
	)
	switch c.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, c.DatabaseURL)
	case "sqlite", "":
		st, err = store.NewSQLite(c.SQLitePath)
	default:
		return nil, eris.Errorf("unknown store driver: %s", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func registerProviders(registry *provider.Registry, c config.ProvidersConfig) {
	if c.OpenAI.Key != "" {
		client := openai.NewClient(c.OpenAI.Key,
			openai.WithBaseURL(c.OpenAI.BaseURL),
			openai.WithRateLimit(c.OpenAI.RatePerSec),
		)
		registry.Register(provider.NewChatAdapter("openai", c.OpenAI.Model, client))
	}
	if c.Perplexity.Key != "" {
		client := openai.NewClient(c.Perplexity.Key,
			openai.WithBaseURL(c.Perplexity.BaseURL),
			openai.WithRateLimit(c.Perplexity.RatePerSec),
		)
		registry.Register(provider.NewChatAdapter("perplexity", c.Perplexity.Model, client))
	}
	if c.Anthropic.Key != "" {
		registry.Register(provider.NewAnthropicAdapter(c.Anthropic.Key, c.Anthropic.Model))
	}
}
