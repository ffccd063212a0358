package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/config"
	"github.com/sells-group/variant-optimizer/internal/experiment"
	"github.com/sells-group/variant-optimizer/internal/funnel"
	"github.com/sells-group/variant-optimizer/internal/resilience"
	"github.com/sells-group/variant-optimizer/internal/session"
	"github.com/sells-group/variant-optimizer/internal/statecodec"
	"github.com/sells-group/variant-optimizer/internal/stats"
	"github.com/sells-group/variant-optimizer/internal/store"
	"github.com/sells-group/variant-optimizer/internal/strategy"
)

// appEnv holds everything a command needs. Callers should defer Close.
type appEnv struct {
	Store       store.Store
	Sessions    session.Store
	Factory     *strategy.Factory
	Experiments *experiment.Service
	Funnels     *funnel.Service
}

func (e *appEnv) Close() {
	if e.Sessions != nil {
		if err := e.Sessions.Close(); err != nil {
			zap.L().Warn("close session store", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	codec, err := statecodec.New(c.Crypto.StateSecret, c.Crypto.Iterations)
	if err != nil {
		return nil, err
	}
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL, codec)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:        c.Store.MaxConns,
			MinConns:        c.Store.MinConns,
			MaxConnIdleTime: c.Store.MaxConnIdleTime,
			MaxConnLifetime: c.Store.MaxConnLifetime,
		}, codec)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

func initSessions(ctx context.Context, c *config.Config) (session.Store, error) {
	if c.Session.Backend != "redis" {
		return session.NewMemoryStore(c.Session.IdleTimeout), nil
	}
	var rs *session.RedisStore
	retry := resilience.FromRetryConfig(c.Session.ConnectAttempts, 0, 0)
	retry.OnRetry = resilience.RetryLogger("redis", "ping")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		var err error
		rs, err = session.NewRedisStore(ctx, session.RedisConfig{
			Addr:        c.Session.RedisAddr,
			Prefix:      c.Session.RedisPrefix,
			IdleTimeout: c.Session.IdleTimeout,
			Breaker:     resilience.FromCircuitConfig(c.Session.BreakerFailures, c.Session.BreakerReset),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// initEnv validates the config for mode, opens the store and builds the
// services. Only serve connects to the configured session backend.
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if mode == "serve" {
		env.Sessions, err = initSessions(ctx, c)
		if err != nil {
			env.Close()
			return nil, err
		}
	} else {
		env.Sessions = session.NewMemoryStore(c.Session.IdleTimeout)
	}

	env.Factory = strategy.NewFactory(c.Optimizer.Params(), stats.NewRand)
	env.Experiments = experiment.NewService(st, env.Factory, experiment.Options{Draws: c.Optimizer.ProbabilityDraws})
	env.Funnels = funnel.NewService(st, env.Sessions, env.Factory)
	return env, nil
}
