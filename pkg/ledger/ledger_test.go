package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestInputHash(t *testing.T) {
	tenant := uuid.New()
	input := map[string]any{"text": "order 123", "model": "gpt-4o-mini"}

	h1, err := InputHash(tenant, CallExtract, input)
	require.NoError(t, err)
	h2, err := InputHash(tenant, CallExtract, map[string]any{"model": "gpt-4o-mini", "text": "order 123"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order must not change the hash")

	h3, err := InputHash(tenant, CallEmbed, input)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "call type is part of the key")

	h4, err := InputHash(uuid.New(), CallExtract, input)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4, "tenant is part of the key")
}

func TestCallRecordValidate(t *testing.T) {
	valid := CallRecord{
		TenantID:  uuid.New(),
		CallType:  CallExtract,
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		InputHash: "abc",
		Status:    StatusOK,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*CallRecord)
	}{
		{"nil tenant", func(r *CallRecord) { r.TenantID = uuid.Nil }},
		{"unknown call type", func(r *CallRecord) { r.CallType = "telepathy" }},
		{"unknown status", func(r *CallRecord) { r.Status = "maybe" }},
		{"missing provider", func(r *CallRecord) { r.Provider = "" }},
		{"missing input hash", func(r *CallRecord) { r.InputHash = "" }},
		{"negative cost", func(r *CallRecord) { r.CostMicros = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := valid
			tc.mutate(&rec)
			assert.Error(t, rec.Validate())
		})
	}
}

func newRecord(tenant uuid.UUID, hash string, cost int64, at time.Time) *CallRecord {
	return &CallRecord{
		TenantID:   tenant,
		CallType:   CallExtract,
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		InputHash:  hash,
		Status:     StatusOK,
		TokensIn:   100,
		TokensOut:  20,
		CostMicros: cost,
		Output:     json.RawMessage(`{"order":{}}`),
		CreatedAt:  at,
	}
}

func TestMemoryStore_Reuse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()
	now := time.Now().UTC()

	old := newRecord(tenant, "h1", 100, now.Add(-8*24*time.Hour))
	fresh := newRecord(tenant, "h1", 100, now.Add(-time.Hour))
	failed := newRecord(tenant, "h2", 50, now.Add(-time.Minute))
	failed.Status = StatusError
	failed.ErrorKind = "timeout"

	require.NoError(t, store.Record(ctx, old))
	require.NoError(t, store.Record(ctx, fresh))
	require.NoError(t, store.Record(ctx, failed))

	got, err := store.FindReusable(ctx, tenant, "h1", ReuseWindow)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID, "newest record within the window wins")
	assert.JSONEq(t, `{"order":{}}`, string(got.Output))

	// Failed calls are never reused.
	_, err = store.FindReusable(ctx, tenant, "h2", ReuseWindow)
	assert.ErrorIs(t, err, ErrNotFound)

	// Other tenants cannot see the record.
	_, err = store.FindReusable(ctx, uuid.New(), "h1", ReuseWindow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SpentSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	before := newRecord(tenant, "h1", 500, midnight.Add(-time.Second))
	exactly := newRecord(tenant, "h2", 300, midnight)
	after := newRecord(tenant, "h3", 200, midnight.Add(3*time.Hour))
	failed := newRecord(tenant, "h4", 40, midnight.Add(4*time.Hour))
	failed.Status = StatusError
	failed.ErrorKind = "rate_limited"

	for _, r := range []*CallRecord{before, exactly, after, failed} {
		require.NoError(t, store.Record(ctx, r))
	}

	spent, err := store.SpentSince(ctx, tenant, midnight)
	require.NoError(t, err)
	// The cutoff is inclusive and failed calls still count.
	assert.Equal(t, int64(540), spent)
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()
	other := uuid.New()
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, newRecord(tenant, "h1", 1, cutoff.Add(-time.Hour))))
	require.NoError(t, store.Record(ctx, newRecord(tenant, "h2", 1, cutoff.Add(time.Hour))))
	require.NoError(t, store.Record(ctx, newRecord(other, "h3", 1, cutoff.Add(-time.Hour))))

	dropped, err := store.DeleteOlderThan(ctx, tenant, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	// The other tenant's old record survives.
	spent, err := store.SpentSince(ctx, other, cutoff.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), spent)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	tenant := uuid.New()
	now := time.Now().UTC()

	rec := newRecord(tenant, "h1", 420, now.Add(-time.Hour))
	rec.ErrorKind = ""
	rec.LatencyMS = 1234
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.FindReusable(ctx, tenant, "h1", ReuseWindow)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.TenantID, got.TenantID)
	assert.Equal(t, CallExtract, got.CallType)
	assert.Equal(t, int64(420), got.CostMicros)
	assert.Equal(t, int64(1234), got.LatencyMS)
	assert.JSONEq(t, `{"order":{}}`, string(got.Output))
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt.Truncate(time.Microsecond)))

	spent, err := store.SpentSince(ctx, tenant, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(420), spent)

	dropped, err := store.DeleteOlderThan(ctx, tenant, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	_, err = store.FindReusable(ctx, tenant, "h1", ReuseWindow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SpendExcludesOtherTenants(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	t1, t2 := uuid.New(), uuid.New()
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, newRecord(t1, "a", 100, now)))
	require.NoError(t, store.Record(ctx, newRecord(t2, "b", 999, now)))

	spent, err := store.SpentSince(ctx, t1, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(100), spent)
}
