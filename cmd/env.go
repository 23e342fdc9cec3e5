package main

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/importer"
	"github.com/sells-group/supplier-pipeline/internal/pipeline"
	"github.com/sells-group/supplier-pipeline/internal/provider"
	"github.com/sells-group/supplier-pipeline/internal/resilience"
	"github.com/sells-group/supplier-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/supplier-pipeline/pkg/anthropic"
	"github.com/sells-group/supplier-pipeline/pkg/perplexity"
)

// appEnv holds the store and the services built on it for one command.
type appEnv struct {
	Store    store.Store
	Importer *importer.Importer
	Runner   *pipeline.Runner
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "supplier.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the importer and pipeline runner. With offline set the providers
// answer from deterministic stubs instead of the APIs. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string, offline bool) (*appEnv, error) {
	if offline && (mode == config.ModePipeline || mode == config.ModeServe) {
		mode = config.ModeOffline
	}
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

	return &appEnv{
		Store:    st,
		Importer: importer.New(st, importer.Config{InsertBatchSize: cfg.Pipeline.InsertBatchSize}),
		Runner:   pipeline.New(st, st, buildProviders(offline), pipelineConfig(cfg.Pipeline)),
	}, nil
}

// pipelineConfig maps the pipeline section onto the runner config. A
// research_delay_ms of 0 turns pacing off.
func pipelineConfig(p config.PipelineConfig) pipeline.Config {
	delay := time.Duration(p.ResearchDelayMs) * time.Millisecond
	if delay == 0 {
		delay = pipeline.NoResearchDelay
	}
	return pipeline.Config{
		CleanBatchSize:    p.CleanBatchSize,
		ResearchDelay:     delay,
		AddressMinLen:     p.AddressMinLen,
		DescriptionMinLen: p.DescriptionMinLen,
		EnableCustomRules: p.EnableCustomRules,
	}
}

// buildProviders wires the Anthropic and Perplexity clients behind the
// retry policy, one circuit breaker per provider.
func buildProviders(offline bool) pipeline.Providers {
	retry := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	breakerCfg := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	anthropicPolicy := provider.Policy{Retry: retry, Breaker: resilience.NewBreaker("anthropic", breakerCfg)}
	perplexityPolicy := provider.Policy{Retry: retry, Breaker: resilience.NewBreaker("perplexity", breakerCfg)}

	var (
		anthropicClient  anthropicpkg.Client
		perplexityClient perplexity.Client
	)
	if offline {
		zap.L().Info("offline mode: using stub providers")
		anthropicClient = &provider.StubAnthropicClient{}
		perplexityClient = &provider.StubPerplexityClient{}
	} else {
		timeout := time.Duration(cfg.Pipeline.ProviderTimeoutSecs) * time.Second
		anthropicClient = anthropicpkg.NewClient(cfg.Anthropic.Key,
			option.WithRequestTimeout(timeout),
			option.WithMaxRetries(0),
		)
		perplexityClient = perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
			perplexity.WithHTTPClient(&http.Client{Timeout: timeout}),
		)
	}

	acfg := provider.AnthropicConfig{Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens}
	return pipeline.Providers{
		Cleaner:    provider.NewAnthropicCleaner(anthropicClient, acfg, anthropicPolicy),
		Researcher: provider.NewPerplexityResearcher(perplexityClient, cfg.Perplexity.Model, perplexityPolicy),
		Validator:  provider.NewAnthropicValidator(anthropicClient, acfg, anthropicPolicy),
	}
}
