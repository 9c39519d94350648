package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/inference"
	"github.com/sells-group/account-intel/internal/monitoring"
	"github.com/sells-group/account-intel/internal/pipeline"
	"github.com/sells-group/account-intel/internal/publish"
	"github.com/sells-group/account-intel/internal/ratelimit"
	"github.com/sells-group/account-intel/internal/store"
	sfpkg "github.com/sells-group/account-intel/pkg/salesforce"
)

// appEnv holds the wired collaborators a command runs against.
type appEnv struct {
	Store        store.Store
	Limiter      *ratelimit.Limiter
	Orchestrator *pipeline.Orchestrator
	Collector    *monitoring.Collector
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "account-intel.db"
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

// initLimiter picks the counter backend. Shared Postgres counters need the
// Postgres store's pool; anything else falls back to process memory.
func initLimiter(st store.Store) *ratelimit.Limiter {
	if cfg.RateLimit.Backend == "postgres" {
		if pg, ok := st.(*store.PostgresStore); ok {
			return ratelimit.New(ratelimit.NewPostgresCounterStore(pg.Pool()))
		}
		zap.L().Warn("ratelimit: postgres backend needs the postgres store, using memory counters",
			zap.String("store_driver", cfg.Store.Driver))
	}
	return ratelimit.New(ratelimit.NewMemoryCounterStore())
}

// initPublisher returns nil when Salesforce publishing is disabled.
func initPublisher() (pipeline.Publisher, error) {
	if !cfg.Salesforce.Enabled {
		return nil, nil
	}
	client, err := sfpkg.Dial(sfpkg.JWTConfig{
		LoginURL: cfg.Salesforce.LoginURL,
		Username: cfg.Salesforce.Username,
		ClientID: cfg.Salesforce.ClientID,
		KeyPath:  cfg.Salesforce.KeyPath,
	}, sfpkg.WithRateLimit(cfg.Salesforce.RPS))
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}
	return publish.NewSalesforce(client), nil
}

// initStoreOnly opens and migrates the store for commands that never call
// the model.
func initStoreOnly(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return &appEnv{Store: st, Collector: monitoring.NewCollector(st)}, nil
}

// initPipeline wires the store, limiter, gateway, and stages for mode.
func initPipeline(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	env, err := initStoreOnly(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := pipeline.SettingsFromConfig(cfg.Pipeline)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Limiter = initLimiter(env.Store)
	gw, err := inference.NewFromConfig(cfg.Anthropic, cfg.RateLimit, env.Limiter)
	if err != nil {
		env.Close()
		return nil, err
	}

	var opts []pipeline.SynthesizerOption
	pub, err := initPublisher()
	if err != nil {
		env.Close()
		return nil, err
	}
	if pub != nil {
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	env.Orchestrator = pipeline.NewOrchestrator(
		env.Store,
		pipeline.NewExtractor(env.Store, gw, settings),
		pipeline.NewClassifier(env.Store, gw, settings),
		pipeline.NewSynthesizer(env.Store, gw, settings, opts...),
	)
	return env, nil
}
