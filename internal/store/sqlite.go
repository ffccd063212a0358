package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/db"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/statecodec"
	"github.com/sells-group/variant-optimizer/internal/strategy"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix microseconds.
type SQLiteStore struct {
	db    *sql.DB
	codec *statecodec.Codec
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, codec *statecodec.Codec) (*SQLiteStore, error) {
	if codec == nil {
		return nil, eris.New("sqlite: state codec is required")
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas below in force and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB, codec: codec}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return db.MigrateSQLite(ctx, s.db, migrationFS, "migrations/sqlite")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return apperr.FromStore(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return micros(*t)
}

func textOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// --- Experiments ---

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *model.Experiment, variants []model.NewVariant, initialState map[string]any) ([]model.Variant, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: begin create experiment")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO experiments (id, owner_id, name, type, status, strategy, config, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.OwnerID, exp.Name, string(exp.Type), string(exp.Status), exp.Strategy, string(cfg),
		nullMicros(exp.StartedAt), micros(now), micros(now),
	); err != nil {
		return nil, classifyWrite(err, "sqlite: insert experiment")
	}

	out := make([]model.Variant, 0, len(variants))
	for i, v := range variants {
		blob, err := s.codec.Encrypt(initialState)
		if err != nil {
			return nil, err
		}
		id := uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variants (id, experiment_id, position, name, content, state_ciphertext, state_version, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 1, ?, ?)`,
			id, exp.ID, i, v.Name, textOrNil(contentBytes(v.Content)), blob, micros(now), micros(now),
		); err != nil {
			return nil, classifyWrite(err, "sqlite: insert variant")
		}
		out = append(out, model.Variant{
			ID: id, ExperimentID: exp.ID, Name: v.Name, Content: v.Content,
			IsActive: true, CreatedAt: now, UpdatedAt: now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.FromStore(err, "sqlite: commit create experiment")
	}
	return out, nil
}

const sqliteExperimentCols = `id, owner_id, name, type, status, strategy, config, started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExperiment(row rowScanner) (*model.Experiment, error) {
	var (
		exp                  model.Experiment
		kind, status, cfg    string
		started              sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&exp.ID, &exp.OwnerID, &exp.Name, &kind, &status, &exp.Strategy, &cfg,
		&started, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	exp.Type = model.ExperimentType(kind)
	exp.Status = model.ExperimentStatus(status)
	exp.CreatedAt = fromMicros(createdAt)
	exp.UpdatedAt = fromMicros(updatedAt)
	if started.Valid {
		t := fromMicros(started.Int64)
		exp.StartedAt = &t
	}
	m, err := unmarshalMap([]byte(cfg))
	if err != nil {
		return nil, err
	}
	exp.Config = m
	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteExperimentCols+` FROM experiments WHERE id = ?`, id)
	exp, err := scanSQLiteExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sqlite: experiment %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: get experiment")
	}
	return exp, nil
}

func (s *SQLiteStore) SetExperimentStatus(ctx context.Context, id, ownerID string, status model.ExperimentStatus) error {
	now := micros(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?,
			started_at = CASE WHEN ? = 'active' THEN COALESCE(started_at, ?) ELSE started_at END,
			updated_at = ?
		WHERE id = ? AND owner_id = ?`,
		string(status), string(status), now, now, id, ownerID,
	)
	if err != nil {
		return apperr.FromStore(err, "sqlite: set experiment status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "sqlite: experiment %s not found for owner", id)
	}
	return nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter model.ExperimentFilter) ([]model.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExperimentCols+` FROM experiments
		WHERE (? = '' OR owner_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC LIMIT ?`,
		filter.OwnerID, filter.OwnerID, string(filter.Status), string(filter.Status), defaultLimit(filter.Limit),
	)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: list experiments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Experiment
	for rows.Next() {
		exp, err := scanSQLiteExperiment(rows)
		if err != nil {
			return nil, apperr.FromStore(err, "sqlite: scan experiment")
		}
		out = append(out, *exp)
	}
	return out, apperr.FromStore(rows.Err(), "sqlite: iterate experiments")
}

// --- Variants ---

const sqliteVariantCols = `id, experiment_id, name, content, is_active, total_allocations, total_conversions, observed_conversion_rate, created_at, updated_at`

func (s *SQLiteStore) CreateVariant(ctx context.Context, experimentID string, v model.NewVariant, initialState map[string]any) (string, error) {
	blob, err := s.codec.Encrypt(initialState)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := micros(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO variants (id, experiment_id, position, name, content, state_ciphertext, state_version, is_active, created_at, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM variants WHERE experiment_id = ?), ?, ?, ?, 1, 1, ?, ?)`,
		id, experimentID, experimentID, v.Name, textOrNil(contentBytes(v.Content)), blob, now, now,
	); err != nil {
		return "", classifyWrite(err, "sqlite: insert variant")
	}
	return id, nil
}

func scanSQLiteVariant(row rowScanner, extra ...any) (*model.Variant, error) {
	var (
		v                    model.Variant
		content              []byte
		createdAt, updatedAt int64
	)
	dest := append([]any{&v.ID, &v.ExperimentID, &v.Name, &content, &v.IsActive, &v.TotalAllocations,
		&v.TotalConversions, &v.ObservedConversionRate, &createdAt, &updatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(content) > 0 {
		v.Content = content
	}
	v.CreatedAt = fromMicros(createdAt)
	v.UpdatedAt = fromMicros(updatedAt)
	return &v, nil
}

func (s *SQLiteStore) scanSQLiteOptimization(row rowScanner) (*model.OptimizationVariant, error) {
	var (
		blob    []byte
		version int64
	)
	v, err := scanSQLiteVariant(row, &blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: scan variant")
	}
	state, err := s.codec.Decrypt(blob)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: open variant "+v.ID+" state")
	}
	return &model.OptimizationVariant{Variant: *v, State: state, StateVersion: version}, nil
}

func (s *SQLiteStore) LoadForOptimization(ctx context.Context, experimentID string) ([]model.OptimizationVariant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVariantCols+`, state_ciphertext, state_version FROM variants
		WHERE experiment_id = ? AND is_active = 1 ORDER BY position, id`,
		experimentID,
	)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: load variants")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.OptimizationVariant
	for rows.Next() {
		v, err := s.scanSQLiteOptimization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, apperr.FromStore(rows.Err(), "sqlite: iterate variants")
}

func (s *SQLiteStore) LoadVariantForOptimization(ctx context.Context, variantID string) (*model.OptimizationVariant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVariantCols+`, state_ciphertext, state_version FROM variants WHERE id = ?`, variantID)
	v, err := s.scanSQLiteOptimization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sqlite: variant %s not found", variantID)
	}
	return v, err
}

func (s *SQLiteStore) LoadPublic(ctx context.Context, variantID string) (*model.Variant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteVariantCols+` FROM variants WHERE id = ?`, variantID)
	v, err := scanSQLiteVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sqlite: variant %s not found", variantID)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: get variant")
	}
	return v, nil
}

func (s *SQLiteStore) ListPublic(ctx context.Context, experimentID string) ([]model.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVariantCols+` FROM variants WHERE experiment_id = ? ORDER BY position, id`, experimentID)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: list variants")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Variant
	for rows.Next() {
		v, err := scanSQLiteVariant(rows)
		if err != nil {
			return nil, apperr.FromStore(err, "sqlite: scan variant")
		}
		out = append(out, *v)
	}
	return out, apperr.FromStore(rows.Err(), "sqlite: iterate variants")
}

func (s *SQLiteStore) UpdateState(ctx context.Context, variantID string, state map[string]any) error {
	blob, err := s.codec.Encrypt(state)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "sqlite: update variant state", variantID,
		`UPDATE variants SET state_ciphertext = ?, state_version = state_version + 1, updated_at = ? WHERE id = ?`,
		blob, micros(time.Now()), variantID)
}

func (s *SQLiteStore) IncrementAllocation(ctx context.Context, variantID string) error {
	return s.execOne(ctx, "sqlite: increment allocation", variantID,
		`UPDATE variants SET total_allocations = total_allocations + 1,
			observed_conversion_rate = CAST(total_conversions AS REAL) / MAX(total_allocations + 1, 1),
			updated_at = ?
		WHERE id = ?`,
		micros(time.Now()), variantID)
}

func (s *SQLiteStore) IncrementConversion(ctx context.Context, variantID string) error {
	return s.execOne(ctx, "sqlite: increment conversion", variantID,
		`UPDATE variants SET total_conversions = total_conversions + 1,
			observed_conversion_rate = CAST(total_conversions + 1 AS REAL) / MAX(total_allocations, 1),
			updated_at = ?
		WHERE id = ?`,
		micros(time.Now()), variantID)
}

func (s *SQLiteStore) execOne(ctx context.Context, msg, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.FromStore(err, msg)
	}
	n, err := res.RowsAffected()
	return affectedOne(n, err, msg, id)
}

// --- Allocations ---

func (s *SQLiteStore) GetAllocation(ctx context.Context, experimentID, userIdentifier string) (*model.Allocation, error) {
	var (
		a             model.Allocation
		session       sql.NullString
		ctxJSON, meta []byte
		allocatedAt   int64
		convertedAt   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, variant_id, user_identifier, session_id, context, allocated_at, converted_at, conversion_value, metadata
		FROM allocations WHERE experiment_id = ? AND user_identifier = ?`,
		experimentID, userIdentifier,
	).Scan(&a.ID, &a.ExperimentID, &a.VariantID, &a.UserIdentifier, &session, &ctxJSON,
		&allocatedAt, &convertedAt, &a.ConversionValue, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: get allocation")
	}
	a.SessionID = session.String
	a.AllocatedAt = fromMicros(allocatedAt)
	if convertedAt.Valid {
		t := fromMicros(convertedAt.Int64)
		a.ConvertedAt = &t
	}
	if a.Context, err = unmarshalMap(ctxJSON); err != nil {
		return nil, err
	}
	if a.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) CreateAllocation(ctx context.Context, na model.NewAllocation) (*model.Allocation, error) {
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
		AllocatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO allocations (id, experiment_id, variant_id, user_identifier, session_id, context, allocated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id, user_identifier) DO NOTHING`,
		a.ID, a.ExperimentID, a.VariantID, a.UserIdentifier, nullString(a.SessionID), textOrNil(ctxJSON), micros(a.AllocatedAt),
	)
	if err != nil {
		return nil, classifyWrite(err, "sqlite: insert allocation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.Conflict, "sqlite: allocation for %s already exists", na.UserIdentifier)
	}
	return a, nil
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, allocationID string, value float64, metadata map[string]any) (bool, error) {
	meta, err := marshalMap(metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE allocations SET converted_at = MAX(?, allocated_at + 1), conversion_value = ?, metadata = ?
		WHERE id = ? AND converted_at IS NULL`,
		micros(time.Now()), value, textOrNil(meta), allocationID,
	)
	if err != nil {
		return false, apperr.FromStore(err, "sqlite: record conversion")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.FromStore(err, "sqlite: record conversion")
	}
	return n == 1, nil
}

// --- Funnel paths ---

const sqlitePathCols = `id, funnel_id, path_hash, path_ciphertext, attempts, conversions, conversion_rate, state_ciphertext, last_seen`

func (s *SQLiteStore) GetOrCreatePath(ctx context.Context, funnelID string, path []string) (*model.FunnelPath, error) {
	hash := PathHash(path)
	pathBlob, err := sealPath(s.codec, path)
	if err != nil {
		return nil, err
	}
	stateBlob, err := s.codec.Encrypt(strategy.InitialState())
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO funnel_paths (id, funnel_id, path_hash, path_ciphertext, state_ciphertext, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (funnel_id, path_hash) DO NOTHING`,
		uuid.New().String(), funnelID, hash, pathBlob, stateBlob, micros(time.Now()),
	); err != nil {
		return nil, classifyWrite(err, "sqlite: insert path")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePathCols+` FROM funnel_paths WHERE funnel_id = ? AND path_hash = ?`, funnelID, hash)
	return s.scanSQLitePath(row)
}

func (s *SQLiteStore) FindPaths(ctx context.Context, funnelID string, paths [][]string) ([]model.FunnelPath, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(paths)+1)
	args = append(args, funnelID)
	for _, p := range paths {
		args = append(args, PathHash(p))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(paths)), ", ")
	return s.queryPaths(ctx, "sqlite: find paths",
		`SELECT `+sqlitePathCols+` FROM funnel_paths WHERE funnel_id = ? AND path_hash IN (`+placeholders+`)`,
		args...)
}

func (s *SQLiteStore) UpdatePath(ctx context.Context, pathID string, converted bool, state map[string]any) error {
	blob, err := s.codec.Encrypt(state)
	if err != nil {
		return err
	}
	inc := boolInt(converted)
	return s.execOne(ctx, "sqlite: update path", pathID,
		`UPDATE funnel_paths SET attempts = attempts + 1,
			conversions = conversions + ?,
			conversion_rate = CAST(conversions + ? AS REAL) / (attempts + 1),
			state_ciphertext = ?,
			last_seen = ?
		WHERE id = ?`,
		inc, inc, blob, micros(time.Now()), pathID)
}

func (s *SQLiteStore) TopPerformingPaths(ctx context.Context, funnelID string, minSamples int64, limit int) ([]model.FunnelPath, error) {
	return s.queryPaths(ctx, "sqlite: top paths",
		`SELECT `+sqlitePathCols+` FROM funnel_paths
		WHERE funnel_id = ? AND attempts >= ?
		ORDER BY conversion_rate DESC, attempts DESC LIMIT ?`,
		funnelID, minSamples, defaultLimit(limit))
}

func (s *SQLiteStore) ListPaths(ctx context.Context, funnelID string) ([]model.FunnelPath, error) {
	return s.queryPaths(ctx, "sqlite: list paths",
		`SELECT `+sqlitePathCols+` FROM funnel_paths WHERE funnel_id = ? ORDER BY attempts DESC, id`, funnelID)
}

func (s *SQLiteStore) queryPaths(ctx context.Context, op, query string, args ...any) ([]model.FunnelPath, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.FromStore(err, op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FunnelPath
	for rows.Next() {
		p, err := s.scanSQLitePath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, apperr.FromStore(rows.Err(), op)
}

func (s *SQLiteStore) scanSQLitePath(row rowScanner) (*model.FunnelPath, error) {
	var (
		p                   model.FunnelPath
		pathBlob, stateBlob []byte
		lastSeen            int64
	)
	if err := row.Scan(&p.ID, &p.FunnelID, &p.PathHash, &pathBlob, &p.Attempts, &p.Conversions,
		&p.ConversionRate, &stateBlob, &lastSeen); err != nil {
		return nil, apperr.FromStore(err, "sqlite: scan path")
	}
	p.LastSeen = fromMicros(lastSeen)
	return openFunnelPath(s.codec, &p, pathBlob, stateBlob)
}

// --- Funnels ---

func (s *SQLiteStore) CreateFunnel(ctx context.Context, f *model.Funnel) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	cfg, err := marshalMap(f.Config)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.FromStore(err, "sqlite: begin create funnel")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO funnels (id, owner_id, name, status, config, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.Name, string(f.Status), string(cfg), micros(f.CreatedAt),
	); err != nil {
		return classifyWrite(err, "sqlite: insert funnel")
	}
	for i := range f.Steps {
		st := &f.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO funnel_steps (id, funnel_id, name, step_order, experiment_id) VALUES (?, ?, ?, ?, ?)`,
			st.ID, f.ID, st.Name, st.Order, st.ExperimentID,
		); err != nil {
			return classifyWrite(err, "sqlite: insert funnel step")
		}
	}
	return apperr.FromStore(tx.Commit(), "sqlite: commit create funnel")
}

func (s *SQLiteStore) GetFunnel(ctx context.Context, id string) (*model.Funnel, error) {
	var (
		f           model.Funnel
		status, cfg string
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, status, config, created_at FROM funnels WHERE id = ?`, id,
	).Scan(&f.ID, &f.OwnerID, &f.Name, &status, &cfg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "sqlite: funnel %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: get funnel")
	}
	f.Status = model.ExperimentStatus(status)
	f.CreatedAt = fromMicros(createdAt)
	if f.Config, err = unmarshalMap([]byte(cfg)); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, step_order, experiment_id FROM funnel_steps WHERE funnel_id = ? ORDER BY step_order`, id)
	if err != nil {
		return nil, apperr.FromStore(err, "sqlite: list funnel steps")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var st model.FunnelStep
		if err := rows.Scan(&st.ID, &st.Name, &st.Order, &st.ExperimentID); err != nil {
			return nil, apperr.FromStore(err, "sqlite: scan funnel step")
		}
		f.Steps = append(f.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromStore(err, "sqlite: iterate funnel steps")
	}
	return &f, nil
}

// --- Retention ---

// CleanupOldData runs its deletes one after another; SQLite has a single writer.
func (s *SQLiteStore) CleanupOldData(ctx context.Context, olderThan time.Time) (model.CleanupResult, error) {
	var res model.CleanupResult
	cutoff := micros(olderThan)

	r, err := s.db.ExecContext(ctx, `DELETE FROM funnel_paths WHERE last_seen < ?`, cutoff)
	if err != nil {
		return res, apperr.FromStore(err, "sqlite: delete stale paths")
	}
	res.PathsDeleted, _ = r.RowsAffected()

	r, err = s.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE allocated_at < ?
		AND experiment_id IN (SELECT id FROM experiments WHERE status = 'archived')`, cutoff)
	if err != nil {
		return res, apperr.FromStore(err, "sqlite: delete archived allocations")
	}
	res.AllocationsDeleted, _ = r.RowsAffected()
	return res, nil
}

var _ Store = (*SQLiteStore)(nil)
