package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/db"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/resilience"
	"github.com/sells-group/variant-optimizer/internal/statecodec"
	"github.com/sells-group/variant-optimizer/internal/strategy"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	codec   *statecodec.Codec
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32         `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, codec *statecodec.Codec) (*PostgresStore, error) {
	if codec == nil {
		return nil, eris.New("postgres: state codec is required")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.InvalidArgument, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
		if poolCfg.MaxConnIdleTime > 0 {
			pgxCfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
		}
		if poolCfg.MaxConnLifetime > 0 {
			pgxCfg.MaxConnLifetime = poolCfg.MaxConnLifetime
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: create pool")
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postgres", "ping")
	if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, apperr.FromStore(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, codec: codec, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, codec *statecodec.Codec) *PostgresStore {
	return &PostgresStore{pool: pool, codec: codec}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return apperr.FromStore(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationFS, "migrations/postgres")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Experiments ---

const experimentCols = `id, owner_id, name, type, status, strategy, config, started_at, created_at, updated_at`

var variantCopyCols = []string{
	"id", "experiment_id", "position", "name", "content", "state_ciphertext",
	"state_version", "is_active", "created_at", "updated_at",
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *model.Experiment, variants []model.NewVariant, initialState map[string]any) ([]model.Variant, error) {
	now := time.Now().UTC()
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	exp.CreatedAt, exp.UpdatedAt = now, now
	if exp.Status == model.ExperimentActive && exp.StartedAt == nil {
		exp.StartedAt = &now
	}
	cfg, err := marshalMap(exp.Config)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = []byte("{}")
	}

	rows := make([][]any, 0, len(variants))
	out := make([]model.Variant, 0, len(variants))
	for i, v := range variants {
		blob, err := s.codec.Encrypt(initialState)
		if err != nil {
			return nil, err
		}
		id := uuid.New().String()
		rows = append(rows, []any{id, exp.ID, i, v.Name, contentBytes(v.Content), blob, int64(1), true, now, now})
		out = append(out, model.Variant{
			ID: id, ExperimentID: exp.ID, Name: v.Name, Content: v.Content,
			IsActive: true, CreatedAt: now, UpdatedAt: now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: begin create experiment")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO experiments (`+experimentCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exp.ID, exp.OwnerID, exp.Name, string(exp.Type), string(exp.Status), exp.Strategy, cfg, exp.StartedAt, now, now,
	); err != nil {
		return nil, classifyWrite(err, "postgres: insert experiment")
	}
	if _, err := db.CopyFrom(ctx, tx, "variants", variantCopyCols, rows); err != nil {
		return nil, classifyWrite(err, "postgres: insert variants")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.FromStore(err, "postgres: commit create experiment")
	}
	return out, nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+experimentCols+` FROM experiments WHERE id = $1`, id)
	exp, err := scanPGExperiment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "postgres: experiment %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: get experiment")
	}
	return exp, nil
}

func (s *PostgresStore) SetExperimentStatus(ctx context.Context, id, ownerID string, status model.ExperimentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET status = $1,
			started_at = CASE WHEN $1 = 'active' THEN COALESCE(started_at, now()) ELSE started_at END,
			updated_at = now()
		WHERE id = $2 AND owner_id = $3`,
		string(status), id, ownerID,
	)
	if err != nil {
		return apperr.FromStore(err, "postgres: set experiment status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "postgres: experiment %s not found for owner", id)
	}
	return nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter model.ExperimentFilter) ([]model.Experiment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+experimentCols+` FROM experiments
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3`,
		filter.OwnerID, string(filter.Status), defaultLimit(filter.Limit),
	)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: list experiments")
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		exp, err := scanPGExperiment(rows)
		if err != nil {
			return nil, apperr.FromStore(err, "postgres: scan experiment")
		}
		out = append(out, *exp)
	}
	return out, apperr.FromStore(rows.Err(), "postgres: iterate experiments")
}

func scanPGExperiment(row pgx.Row) (*model.Experiment, error) {
	var (
		exp          model.Experiment
		kind, status string
		cfg          []byte
	)
	if err := row.Scan(&exp.ID, &exp.OwnerID, &exp.Name, &kind, &status, &exp.Strategy, &cfg,
		&exp.StartedAt, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
		return nil, err
	}
	exp.Type = model.ExperimentType(kind)
	exp.Status = model.ExperimentStatus(status)
	m, err := unmarshalMap(cfg)
	if err != nil {
		return nil, err
	}
	exp.Config = m
	return &exp, nil
}

// --- Variants ---

const variantCols = `id, experiment_id, name, content, is_active, total_allocations, total_conversions, observed_conversion_rate, created_at, updated_at`

func (s *PostgresStore) CreateVariant(ctx context.Context, experimentID string, v model.NewVariant, initialState map[string]any) (string, error) {
	blob, err := s.codec.Encrypt(initialState)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO variants (id, experiment_id, position, name, content, state_ciphertext, state_version, is_active, created_at, updated_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(position), -1) + 1 FROM variants WHERE experiment_id = $2), $3, $4, $5, 1, true, $6, $6)`,
		id, experimentID, v.Name, contentBytes(v.Content), blob, now,
	); err != nil {
		return "", classifyWrite(err, "postgres: insert variant")
	}
	return id, nil
}

func (s *PostgresStore) LoadForOptimization(ctx context.Context, experimentID string) ([]model.OptimizationVariant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+variantCols+`, state_ciphertext, state_version FROM variants
		WHERE experiment_id = $1 AND is_active ORDER BY position, id`,
		experimentID,
	)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: load variants")
	}
	defer rows.Close()

	var out []model.OptimizationVariant
	for rows.Next() {
		v, err := s.scanPGOptimization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, apperr.FromStore(rows.Err(), "postgres: iterate variants")
}

func (s *PostgresStore) LoadVariantForOptimization(ctx context.Context, variantID string) (*model.OptimizationVariant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+variantCols+`, state_ciphertext, state_version FROM variants WHERE id = $1`, variantID)
	v, err := s.scanPGOptimization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "postgres: variant %s not found", variantID)
	}
	return v, err
}

func (s *PostgresStore) scanPGOptimization(row pgx.Row) (*model.OptimizationVariant, error) {
	var (
		v    model.OptimizationVariant
		blob []byte
	)
	err := row.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.Content, &v.IsActive, &v.TotalAllocations,
		&v.TotalConversions, &v.ObservedConversionRate, &v.CreatedAt, &v.UpdatedAt, &blob, &v.StateVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: scan variant")
	}
	state, err := s.codec.Decrypt(blob)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: open variant "+v.ID+" state")
	}
	v.State = state
	return &v, nil
}

func (s *PostgresStore) LoadPublic(ctx context.Context, variantID string) (*model.Variant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+variantCols+` FROM variants WHERE id = $1`, variantID)
	v, err := scanPGVariant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "postgres: variant %s not found", variantID)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: get variant")
	}
	return v, nil
}

func (s *PostgresStore) ListPublic(ctx context.Context, experimentID string) ([]model.Variant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+variantCols+` FROM variants WHERE experiment_id = $1 ORDER BY position, id`, experimentID)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: list variants")
	}
	defer rows.Close()

	var out []model.Variant
	for rows.Next() {
		v, err := scanPGVariant(rows)
		if err != nil {
			return nil, apperr.FromStore(err, "postgres: scan variant")
		}
		out = append(out, *v)
	}
	return out, apperr.FromStore(rows.Err(), "postgres: iterate variants")
}

func scanPGVariant(row pgx.Row) (*model.Variant, error) {
	var v model.Variant
	if err := row.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.Content, &v.IsActive, &v.TotalAllocations,
		&v.TotalConversions, &v.ObservedConversionRate, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, variantID string, state map[string]any) error {
	blob, err := s.codec.Encrypt(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE variants SET state_ciphertext = $1, state_version = state_version + 1, updated_at = now() WHERE id = $2`,
		blob, variantID,
	)
	return affectedOne(tag.RowsAffected(), err, "postgres: update variant state", variantID)
}

func (s *PostgresStore) IncrementAllocation(ctx context.Context, variantID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE variants SET total_allocations = total_allocations + 1,
			observed_conversion_rate = total_conversions::float8 / GREATEST(total_allocations + 1, 1),
			updated_at = now()
		WHERE id = $1`,
		variantID,
	)
	return affectedOne(tag.RowsAffected(), err, "postgres: increment allocation", variantID)
}

func (s *PostgresStore) IncrementConversion(ctx context.Context, variantID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE variants SET total_conversions = total_conversions + 1,
			observed_conversion_rate = (total_conversions + 1)::float8 / GREATEST(total_allocations, 1),
			updated_at = now()
		WHERE id = $1`,
		variantID,
	)
	return affectedOne(tag.RowsAffected(), err, "postgres: increment conversion", variantID)
}

// --- Allocations ---

const allocationCols = `id, experiment_id, variant_id, user_identifier, session_id, context, allocated_at, converted_at, conversion_value, metadata`

func (s *PostgresStore) GetAllocation(ctx context.Context, experimentID, userIdentifier string) (*model.Allocation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+allocationCols+` FROM allocations WHERE experiment_id = $1 AND user_identifier = $2`,
		experimentID, userIdentifier,
	)
	var (
		a             model.Allocation
		session       *string
		ctxJSON, meta []byte
	)
	err := row.Scan(&a.ID, &a.ExperimentID, &a.VariantID, &a.UserIdentifier, &session, &ctxJSON,
		&a.AllocatedAt, &a.ConvertedAt, &a.ConversionValue, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: get allocation")
	}
	if session != nil {
		a.SessionID = *session
	}
	if a.Context, err = unmarshalMap(ctxJSON); err != nil {
		return nil, err
	}
	if a.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAllocation(ctx context.Context, na model.NewAllocation) (*model.Allocation, error) {
	ctxJSON, err := marshalMap(na.Context)
	if err != nil {
		return nil, err
	}
	a := &model.Allocation{
		ID:             uuid.New().String(),
		ExperimentID:   na.ExperimentID,
		VariantID:      na.VariantID,
		UserIdentifier: na.UserIdentifier,
		SessionID:      na.SessionID,
		Context:        na.Context,
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO allocations (id, experiment_id, variant_id, user_identifier, session_id, context, allocated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (experiment_id, user_identifier) DO NOTHING
		RETURNING allocated_at`,
		a.ID, a.ExperimentID, a.VariantID, a.UserIdentifier, nullString(a.SessionID), ctxJSON,
	).Scan(&a.AllocatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.Conflict, "postgres: allocation for %s already exists", na.UserIdentifier)
	}
	if err != nil {
		return nil, classifyWrite(err, "postgres: insert allocation")
	}
	return a, nil
}

func (s *PostgresStore) RecordConversion(ctx context.Context, allocationID string, value float64, metadata map[string]any) (bool, error) {
	meta, err := marshalMap(metadata)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE allocations
		SET converted_at = GREATEST(now(), allocated_at + interval '1 microsecond'),
			conversion_value = $2, metadata = $3
		WHERE id = $1 AND converted_at IS NULL`,
		allocationID, value, meta,
	)
	if err != nil {
		return false, apperr.FromStore(err, "postgres: record conversion")
	}
	return tag.RowsAffected() == 1, nil
}

// --- Funnel paths ---

const pathCols = `id, funnel_id, path_hash, path_ciphertext, attempts, conversions, conversion_rate, state_ciphertext, last_seen`

func (s *PostgresStore) GetOrCreatePath(ctx context.Context, funnelID string, path []string) (*model.FunnelPath, error) {
	hash := PathHash(path)
	pathBlob, err := sealPath(s.codec, path)
	if err != nil {
		return nil, err
	}
	stateBlob, err := s.codec.Encrypt(strategy.InitialState())
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO funnel_paths (id, funnel_id, path_hash, path_ciphertext, state_ciphertext, last_seen)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (funnel_id, path_hash) DO NOTHING`,
		uuid.New().String(), funnelID, hash, pathBlob, stateBlob,
	); err != nil {
		return nil, classifyWrite(err, "postgres: insert path")
	}

	row := s.pool.QueryRow(ctx, `SELECT `+pathCols+` FROM funnel_paths WHERE funnel_id = $1 AND path_hash = $2`, funnelID, hash)
	p, err := s.scanPGPath(row)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) FindPaths(ctx context.Context, funnelID string, paths [][]string) ([]model.FunnelPath, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	hashes := make([]string, len(paths))
	for i, p := range paths {
		hashes[i] = PathHash(p)
	}
	return s.queryPaths(ctx, "postgres: find paths",
		`SELECT `+pathCols+` FROM funnel_paths WHERE funnel_id = $1 AND path_hash = ANY($2)`,
		funnelID, hashes)
}

func (s *PostgresStore) UpdatePath(ctx context.Context, pathID string, converted bool, state map[string]any) error {
	blob, err := s.codec.Encrypt(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE funnel_paths SET attempts = attempts + 1,
			conversions = conversions + $2,
			conversion_rate = (conversions + $2)::float8 / (attempts + 1),
			state_ciphertext = $3,
			last_seen = now()
		WHERE id = $1`,
		pathID, boolInt(converted), blob,
	)
	return affectedOne(tag.RowsAffected(), err, "postgres: update path", pathID)
}

func (s *PostgresStore) TopPerformingPaths(ctx context.Context, funnelID string, minSamples int64, limit int) ([]model.FunnelPath, error) {
	return s.queryPaths(ctx, "postgres: top paths",
		`SELECT `+pathCols+` FROM funnel_paths
		WHERE funnel_id = $1 AND attempts >= $2
		ORDER BY conversion_rate DESC, attempts DESC LIMIT $3`,
		funnelID, minSamples, defaultLimit(limit))
}

func (s *PostgresStore) ListPaths(ctx context.Context, funnelID string) ([]model.FunnelPath, error) {
	return s.queryPaths(ctx, "postgres: list paths",
		`SELECT `+pathCols+` FROM funnel_paths WHERE funnel_id = $1 ORDER BY attempts DESC, id`,
		funnelID)
}

func (s *PostgresStore) queryPaths(ctx context.Context, op, sql string, args ...any) ([]model.FunnelPath, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.FromStore(err, op)
	}
	defer rows.Close()

	var out []model.FunnelPath
	for rows.Next() {
		p, err := s.scanPGPath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, apperr.FromStore(rows.Err(), op)
}

func (s *PostgresStore) scanPGPath(row pgx.Row) (*model.FunnelPath, error) {
	var (
		p                   model.FunnelPath
		pathBlob, stateBlob []byte
	)
	if err := row.Scan(&p.ID, &p.FunnelID, &p.PathHash, &pathBlob, &p.Attempts, &p.Conversions,
		&p.ConversionRate, &stateBlob, &p.LastSeen); err != nil {
		return nil, apperr.FromStore(err, "postgres: scan path")
	}
	return openFunnelPath(s.codec, &p, pathBlob, stateBlob)
}

// --- Funnels ---

func (s *PostgresStore) CreateFunnel(ctx context.Context, f *model.Funnel) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC()
	cfg, err := marshalMap(f.Config)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.FromStore(err, "postgres: begin create funnel")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO funnels (id, owner_id, name, status, config, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.OwnerID, f.Name, string(f.Status), cfg, f.CreatedAt,
	); err != nil {
		return classifyWrite(err, "postgres: insert funnel")
	}
	for i := range f.Steps {
		st := &f.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO funnel_steps (id, funnel_id, name, step_order, experiment_id) VALUES ($1, $2, $3, $4, $5)`,
			st.ID, f.ID, st.Name, st.Order, st.ExperimentID,
		); err != nil {
			return classifyWrite(err, "postgres: insert funnel step")
		}
	}
	return apperr.FromStore(tx.Commit(ctx), "postgres: commit create funnel")
}

func (s *PostgresStore) GetFunnel(ctx context.Context, id string) (*model.Funnel, error) {
	var (
		f      model.Funnel
		status string
		cfg    []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, status, config, created_at FROM funnels WHERE id = $1`, id,
	).Scan(&f.ID, &f.OwnerID, &f.Name, &status, &cfg, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "postgres: funnel %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: get funnel")
	}
	f.Status = model.ExperimentStatus(status)
	if f.Config, err = unmarshalMap(cfg); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, step_order, experiment_id FROM funnel_steps WHERE funnel_id = $1 ORDER BY step_order`, id)
	if err != nil {
		return nil, apperr.FromStore(err, "postgres: list funnel steps")
	}
	defer rows.Close()
	for rows.Next() {
		var st model.FunnelStep
		if err := rows.Scan(&st.ID, &st.Name, &st.Order, &st.ExperimentID); err != nil {
			return nil, apperr.FromStore(err, "postgres: scan funnel step")
		}
		f.Steps = append(f.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStore(err, "postgres: iterate funnel steps")
	}
	return &f, nil
}

// --- Retention ---

func (s *PostgresStore) CleanupOldData(ctx context.Context, olderThan time.Time) (model.CleanupResult, error) {
	var res model.CleanupResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tag, err := s.pool.Exec(gctx, `DELETE FROM funnel_paths WHERE last_seen < $1`, olderThan)
		if err != nil {
			return apperr.FromStore(err, "postgres: delete stale paths")
		}
		res.PathsDeleted = tag.RowsAffected()
		return nil
	})
	g.Go(func() error {
		tag, err := s.pool.Exec(gctx,
			`DELETE FROM allocations WHERE allocated_at < $1
			AND experiment_id IN (SELECT id FROM experiments WHERE status = 'archived')`,
			olderThan,
		)
		if err != nil {
			return apperr.FromStore(err, "postgres: delete archived allocations")
		}
		res.AllocationsDeleted = tag.RowsAffected()
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.CleanupResult{}, err
	}
	return res, nil
}

// --- helpers ---

func classifyWrite(err error, msg string) error {
	if db.IsUniqueViolation(err) {
		return apperr.Wrap(err, apperr.Conflict, msg)
	}
	return apperr.FromStore(err, msg)
}

func affectedOne(n int64, err error, msg, id string) error {
	if err != nil {
		return apperr.FromStore(err, msg)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "%s: %s not found", msg, id)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func openFunnelPath(c *statecodec.Codec, p *model.FunnelPath, pathBlob, stateBlob []byte) (*model.FunnelPath, error) {
	path, err := openPath(c, pathBlob)
	if err != nil {
		return nil, apperr.FromStore(err, "store: open path "+p.ID)
	}
	state, err := c.Decrypt(stateBlob)
	if err != nil {
		return nil, apperr.FromStore(err, "store: open path "+p.ID+" state")
	}
	p.Path = path
	p.State = state
	return p, nil
}

var _ Store = (*PostgresStore)(nil)
