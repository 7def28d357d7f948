package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/fusion"
	"github.com/sells-group/claims-cli/internal/jobstore"
	"github.com/sells-group/claims-cli/internal/pipeline"
	"github.com/sells-group/claims-cli/internal/resilience"
	"github.com/sells-group/claims-cli/internal/routing"
	"github.com/sells-group/claims-cli/internal/submit"
	"github.com/sells-group/claims-cli/pkg/claims"
)

// pipelineEnv holds the initialized store, shared circuit breaker, and the
// controller needed by the worker/serve/run commands.
type pipelineEnv struct {
	Store      jobstore.Store
	Breaker    *resilience.Breaker
	Controller *pipeline.Controller
	Engine     *fusion.Engine
	Policy     *routing.Policy
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (jobstore.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "claims.db"
		}
		return jobstore.NewSQLite(dsn)
	case "postgres":
		return jobstore.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, fusion engine, routing policy, submission
// client, and the controller. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	fields, err := fusion.LoadFields(cfg.Fusion.FieldsFile)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load field schema")
	}

	engine := fusion.NewEngine(cfg.Fusion, fields)
	policy := routing.NewPolicy(cfg.Routing, cfg.Fusion, fields)

	breaker := resilience.NewBreaker(resilience.FromBreakerConfig(
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.OpenTimeoutSecs,
		cfg.Breaker.HalfOpenMaxCalls,
	))

	if cfg.Claims.BaseURL == "" {
		_ = st.Close()
		return nil, eris.New("claims API base URL is required (CLAIMS_CLAIMS_BASE_URL)")
	}
	client := claims.NewClient(cfg.Claims.BaseURL, cfg.Claims.Token,
		claims.WithTimeout(time.Duration(cfg.Claims.TimeoutSecs)*time.Second),
	)

	retryCfg := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	submitter := submit.New(client, breaker, retryCfg, cfg.Claims.RatePerSec)

	controller := pipeline.NewController(st, engine, policy, submitter)

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("fields", len(fields.Fields)),
		zap.Float64("qa_sample_rate", cfg.Routing.QASampleRate),
	)

	return &pipelineEnv{
		Store:      st,
		Breaker:    breaker,
		Controller: controller,
		Engine:     engine,
		Policy:     policy,
	}, nil
}
