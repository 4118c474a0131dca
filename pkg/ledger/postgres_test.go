package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresRecordInsertsOneRow(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()

	mock.ExpectExec(`INSERT INTO ai_calls`).
		WithArgs(sqlmock.AnyArg(), tenant, string(CallExtract), "openai", "gpt-4o-mini",
			"deadbeef", string(StatusOK), sqlmock.AnyArg(), int64(100), int64(50),
			int64(1500), int64(320), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Record(context.Background(), &CallRecord{
		TenantID:   tenant,
		CallType:   CallExtract,
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		InputHash:  "deadbeef",
		Status:     StatusOK,
		TokensIn:   100,
		TokensOut:  50,
		CostMicros: 1500,
		LatencyMS:  320,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordRejectsInvalid(t *testing.T) {
	store, mock := newMock(t)

	// Missing tenant never reaches the database.
	err := store.Record(context.Background(), &CallRecord{
		CallType:  CallExtract,
		InputHash: "deadbeef",
		Status:    StatusOK,
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindReusableQueriesRecentSuccess(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()
	id := uuid.New()
	created := time.Now().UTC().Add(-time.Hour)

	cols := []string{"id", "tenant_id", "call_type", "provider", "model", "input_hash",
		"status", "error_kind", "tokens_in", "tokens_out", "cost_micros", "latency_ms",
		"output", "created_at"}
	mock.ExpectQuery(`SELECT .+ FROM ai_calls`).
		WithArgs(tenant, "cafebabe", string(StatusOK), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			id, tenant, string(CallExtract), "openai", "gpt-4o-mini", "cafebabe",
			string(StatusOK), nil, int64(10), int64(5), int64(200), int64(80),
			[]byte(`{"order":{}}`), created))

	rec, err := store.FindReusable(context.Background(), tenant, "cafebabe", ReuseWindow)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, int64(200), rec.CostMicros)
	assert.JSONEq(t, `{"order":{}}`, string(rec.Output))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindReusableMissIsNotFound(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM ai_calls`).
		WithArgs(tenant, "unseen", string(StatusOK), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.FindReusable(context.Background(), tenant, "unseen", ReuseWindow)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpentSinceSumsWindow(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	mock.ExpectQuery(`SELECT SUM\(cost_micros\) FROM ai_calls`).
		WithArgs(tenant, midnight).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(123456)))

	total, err := store.SpentSince(context.Background(), tenant, midnight)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpentSinceEmptyWindowIsZero(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()
	since := time.Now().UTC()

	// SUM over no rows yields NULL, which must read as zero spend.
	mock.ExpectQuery(`SELECT SUM\(cost_micros\) FROM ai_calls`).
		WithArgs(tenant, since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(nil))

	total, err := store.SpentSince(context.Background(), tenant, since)
	require.NoError(t, err)
	assert.Zero(t, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteOlderThanReportsCount(t *testing.T) {
	store, mock := newMock(t)
	tenant := uuid.New()
	cutoff := time.Now().UTC().AddDate(0, 0, -90)

	mock.ExpectExec(`DELETE FROM ai_calls`).
		WithArgs(tenant, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 17))

	n, err := store.DeleteOlderThan(context.Background(), tenant, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
