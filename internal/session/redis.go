package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/metrics"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/resilience"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr        string
	Prefix      string
	IdleTimeout time.Duration
	Breaker     resilience.CircuitBreakerConfig
}

// RedisStore keeps sessions in Redis. Idle expiry is delegated to key TTLs,
// refreshed on every Save.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	idle   time.Duration
	cb     *resilience.CircuitBreaker
}

// NewRedisStore dials Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, apperr.New(apperr.InvalidArgument, "session: redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperr.Wrap(resilience.NewTransientError(err), apperr.Unavailable, "session: redis ping")
	}
	return NewRedisStoreWithClient(rdb, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb goredis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "optimizer:session:"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	bc := cfg.Breaker
	if bc.FailureThreshold == 0 {
		bc = resilience.DefaultCircuitBreakerConfig()
	}
	bc.ShouldTrip = isRedisFailure
	bc.OnStateChange = func(from, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues("redis").Set(float64(to))
		zap.L().Warn("session: redis circuit state change",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.Prefix,
		idle:   cfg.IdleTimeout,
		cb:     resilience.NewCircuitBreaker(bc),
	}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Create(ctx context.Context, s *model.FunnelSession) error {
	s.LastSeen = time.Now().UTC()
	raw, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "session: marshal")
	}
	ok, err := resilience.ExecuteVal(ctx, r.cb, func(ctx context.Context) (bool, error) {
		return r.rdb.SetNX(ctx, r.key(s.ID), raw, r.idle).Result()
	})
	if err != nil {
		return classify(err, "session: create")
	}
	if !ok {
		return apperr.New(apperr.Conflict, "session: %s already exists", s.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*model.FunnelSession, error) {
	raw, err := resilience.ExecuteVal(ctx, r.cb, func(ctx context.Context) ([]byte, error) {
		return r.rdb.Get(ctx, r.key(id)).Bytes()
	})
	if errors.Is(err, goredis.Nil) {
		return nil, apperr.New(apperr.NotFound, "session: %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "session: get")
	}
	var s model.FunnelSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Wrap(err, apperr.Integrity, "session: decode "+id)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *model.FunnelSession) error {
	s.LastSeen = time.Now().UTC()
	raw, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "session: marshal")
	}
	// SetXX so an expired session is not recreated by a late write.
	ok, err := resilience.ExecuteVal(ctx, r.cb, func(ctx context.Context) (bool, error) {
		return r.rdb.SetXX(ctx, r.key(s.ID), raw, r.idle).Result()
	})
	if err != nil {
		return classify(err, "session: save")
	}
	if !ok {
		return apperr.New(apperr.NotFound, "session: %s not found", s.ID)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		return r.rdb.Del(ctx, r.key(id)).Err()
	})
	return classify(err, "session: delete")
}

// Reap is a no-op: Redis expires idle sessions on its own.
func (r *RedisStore) Reap(context.Context) (int, error) { return 0, nil }

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// isRedisFailure trips the breaker on connection-level problems only.
func isRedisFailure(err error) bool {
	return err != nil && !errors.Is(err, goredis.Nil) && resilience.IsTransient(err)
}

func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperr.Wrap(err, apperr.Unavailable, msg)
	}
	return apperr.FromStore(err, msg)
}

var _ Store = (*RedisStore)(nil)
