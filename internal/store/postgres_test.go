package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/model"
	"github.com/sells-group/variant-optimizer/internal/strategy"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock, testCodec(t)), mock
}

func TestPostgresStore_GetExperiment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, owner_id, name, type, status, strategy, config, started_at, created_at, updated_at FROM experiments WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExperiment(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO experiments`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "hero", "web", "active", "adaptive", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"variants"}, variantCopyCols).WillReturnResult(2)
	mock.ExpectCommit()

	exp := &model.Experiment{OwnerID: "owner-1", Name: "hero", Type: model.ExperimentTypeWeb,
		Status: model.ExperimentActive, Strategy: "adaptive"}
	vs, err := s.CreateExperiment(context.Background(), exp,
		[]model.NewVariant{{Name: "A"}, {Name: "B", Content: json.RawMessage(`{"x":1}`)}}, strategy.InitialState())
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.NotEmpty(t, exp.ID)
	assert.NotNil(t, exp.StartedAt)
	assert.Equal(t, exp.ID, vs[1].ExperimentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExperiment_RollsBackOnCopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO experiments`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"variants"}, variantCopyCols).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	_, err := s.CreateExperiment(context.Background(),
		&model.Experiment{OwnerID: "o", Name: "n", Type: model.ExperimentTypeWeb, Status: model.ExperimentDraft},
		[]model.NewVariant{{Name: "A"}, {Name: "A"}}, strategy.InitialState())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetExperimentStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE experiments SET status = \$1`).
		WithArgs("paused", "exp-1", "owner-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetExperimentStatus(context.Background(), "exp-1", "owner-1", model.ExperimentPaused)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadForOptimization(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	good, err := testCodec(t).Encrypt(map[string]any{strategy.KeySuccess: 4.0, strategy.KeyFailure: 2.0, strategy.KeySamples: 4.0})
	require.NoError(t, err)

	cols := []string{"id", "experiment_id", "name", "content", "is_active", "total_allocations",
		"total_conversions", "observed_conversion_rate", "created_at", "updated_at", "state_ciphertext", "state_version"}
	mock.ExpectQuery(`SELECT .* FROM variants\s+WHERE experiment_id = \$1 AND is_active ORDER BY position, id`).
		WithArgs("exp-1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("v-1", "exp-1", "A", json.RawMessage(`{}`), true, int64(4), int64(3), 0.75, now, now, good, int64(3)))

	vs, err := s.LoadForOptimization(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, 4.0, vs[0].State[strategy.KeySuccess])
	assert.EqualValues(t, 3, vs[0].StateVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadForOptimization_Tampered(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	blob, err := testCodec(t).Encrypt(strategy.InitialState())
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	cols := []string{"id", "experiment_id", "name", "content", "is_active", "total_allocations",
		"total_conversions", "observed_conversion_rate", "created_at", "updated_at", "state_ciphertext", "state_version"}
	mock.ExpectQuery(`SELECT .* FROM variants`).
		WithArgs("exp-1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("v-1", "exp-1", "A", json.RawMessage(`{}`), true, int64(0), int64(0), 0.0, now, now, blob, int64(1)))

	vs, err := s.LoadForOptimization(context.Background(), "exp-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Integrity))
	assert.Nil(t, vs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE variants SET state_ciphertext = \$1, state_version = state_version \+ 1`).
		WithArgs(pgxmock.AnyArg(), "v-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateState(context.Background(), "v-1", strategy.InitialState()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementAllocation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE variants SET total_allocations = total_allocations \+ 1`).
		WithArgs("v-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementAllocation(context.Background(), "v-missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementConversion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE variants SET total_conversions = total_conversions \+ 1,\s+observed_conversion_rate = \(total_conversions \+ 1\)::float8 / GREATEST\(total_allocations, 1\)`).
		WithArgs("v-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.IncrementConversion(context.Background(), "v-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAllocation_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM allocations WHERE experiment_id = \$1 AND user_identifier = \$2`).
		WithArgs("exp-1", "u1").
		WillReturnError(pgx.ErrNoRows)

	a, err := s.GetAllocation(context.Background(), "exp-1", "u1")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAllocation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO allocations .* ON CONFLICT \(experiment_id, user_identifier\) DO NOTHING\s+RETURNING allocated_at`).
		WithArgs(pgxmock.AnyArg(), "exp-1", "v-1", "u1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"allocated_at"}).AddRow(now))

	a, err := s.CreateAllocation(context.Background(), model.NewAllocation{ExperimentID: "exp-1", VariantID: "v-1", UserIdentifier: "u1"})
	require.NoError(t, err)
	assert.Equal(t, now, a.AllocatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAllocation_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO allocations`).
		WillReturnRows(pgxmock.NewRows([]string{"allocated_at"}))

	_, err := s.CreateAllocation(context.Background(), model.NewAllocation{ExperimentID: "exp-1", VariantID: "v-1", UserIdentifier: "u1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordConversion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE allocations\s+SET converted_at = GREATEST\(now\(\), allocated_at \+ interval '1 microsecond'\)`).
		WithArgs("a-1", 1.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE allocations`).
		WithArgs("a-1", 5.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := s.RecordConversion(context.Background(), "a-1", 1, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.RecordConversion(context.Background(), "a-1", 5, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordConversion_Timeout(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE allocations`).WillReturnError(context.DeadlineExceeded)

	_, err := s.RecordConversion(context.Background(), "a-1", 1, nil)
	assert.True(t, apperr.Is(err, apperr.Timeout))
}

func TestPostgresStore_UpdatePath(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE funnel_paths SET attempts = attempts \+ 1`).
		WithArgs("p-1", int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdatePath(context.Background(), "p-1", true, strategy.InitialState()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrCreatePath(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	codec := testCodec(t)
	now := time.Now().UTC()
	path := []string{"H1", "C2"}
	hash := PathHash(path)

	pathBlob, err := sealPath(codec, path)
	require.NoError(t, err)
	stateBlob, err := codec.Encrypt(strategy.InitialState())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO funnel_paths .* ON CONFLICT \(funnel_id, path_hash\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "f-1", hash, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT .* FROM funnel_paths WHERE funnel_id = \$1 AND path_hash = \$2`).
		WithArgs("f-1", hash).
		WillReturnRows(pgxmock.NewRows([]string{"id", "funnel_id", "path_hash", "path_ciphertext", "attempts",
			"conversions", "conversion_rate", "state_ciphertext", "last_seen"}).
			AddRow("p-1", "f-1", hash, pathBlob, int64(40), int64(20), 0.5, stateBlob, now))

	p, err := s.GetOrCreatePath(context.Background(), "f-1", path)
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, path, p.Path)
	assert.EqualValues(t, 40, p.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupOldData(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.MatchExpectationsInOrder(false)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM funnel_paths WHERE last_seen < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM allocations WHERE allocated_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	res, err := s.CleanupOldData(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.PathsDeleted)
	assert.EqualValues(t, 7, res.AllocationsDeleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupOldData_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`DELETE FROM funnel_paths`).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectExec(`DELETE FROM allocations`).WillReturnResult(pgxmock.NewResult("DELETE", 0))

	_, err := s.CleanupOldData(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete stale paths")
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS experiments`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_init.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
