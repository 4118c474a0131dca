package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

func TestSchedulerTickEnqueuesPollAcksPerActiveConnection(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	conns := export.NewMemoryStore()
	ts := tenants.NewMemoryStore()

	first := &export.Connection{TenantID: uuid.New(), ConfigSealed: []byte("sealed")}
	require.NoError(t, conns.CreateConnection(ctx, first))
	second := &export.Connection{TenantID: uuid.New(), ConfigSealed: []byte("sealed")}
	require.NoError(t, conns.CreateConnection(ctx, second))
	inactive := &export.Connection{
		TenantID:     uuid.New(),
		Status:       export.ConnectionInactive,
		ConfigSealed: []byte("sealed"),
	}
	require.NoError(t, conns.CreateConnection(ctx, inactive))

	s := NewScheduler(q, conns, ts, SchedulerConfig{SweepHourUTC: 3}, nil)
	now := time.Date(2025, 1, 4, 12, 30, 45, 0, time.UTC)
	require.NoError(t, s.Tick(ctx, now))

	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TaskPending])

	// The leased task carries the connection and its tenant.
	task, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskPollAcks, task.Type)
	var payload PollAcksPayload
	require.NoError(t, task.Decode(&payload))
	byConn := map[uuid.UUID]uuid.UUID{first.ID: first.TenantID, second.ID: second.TenantID}
	wantTenant, ok := byConn[payload.ConnectionID]
	require.True(t, ok, "unexpected connection %s", payload.ConnectionID)
	assert.Equal(t, wantTenant, task.TenantID)
}

func TestSchedulerTickIsIdempotentWithinMinute(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	conns := export.NewMemoryStore()
	ts := tenants.NewMemoryStore()
	require.NoError(t, conns.CreateConnection(ctx, &export.Connection{
		TenantID:     uuid.New(),
		ConfigSealed: []byte("sealed"),
	}))

	s := NewScheduler(q, conns, ts, SchedulerConfig{SweepHourUTC: 3}, nil)
	now := time.Date(2025, 1, 4, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.Tick(ctx, now))
	require.NoError(t, s.Tick(ctx, now.Add(20*time.Second)))
	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])

	// The next minute bucket opens a fresh slot.
	require.NoError(t, s.Tick(ctx, now.Add(time.Minute)))
	counts, err = q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[TaskPending])
}

func TestSchedulerTickEnqueuesDailySweeps(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	conns := export.NewMemoryStore()
	ts := tenants.NewMemoryStore()

	acme := &tenants.Tenant{Slug: "acme", Name: "Acme GmbH", Settings: tenants.Settings{}.WithDefaults()}
	require.NoError(t, ts.Create(ctx, acme))
	suspended := &tenants.Tenant{
		Slug:     "dormant",
		Name:     "Dormant AG",
		Status:   tenants.StatusSuspended,
		Settings: tenants.Settings{}.WithDefaults(),
	}
	require.NoError(t, ts.Create(ctx, suspended))

	s := NewScheduler(q, conns, ts, SchedulerConfig{SweepHourUTC: 3}, nil)

	// Outside the sweep hour nothing is enqueued.
	require.NoError(t, s.Tick(ctx, time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)))
	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[TaskPending])

	// Inside the sweep hour only active tenants get one.
	require.NoError(t, s.Tick(ctx, time.Date(2025, 1, 4, 3, 5, 0, 0, time.UTC)))
	counts, err = q.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[TaskPending])

	task, err := q.Lease(ctx, "worker-0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskRetentionSweep, task.Type)
	assert.Equal(t, acme.ID, task.TenantID)

	// Later ticks within the same hour dedup against the same day key.
	require.NoError(t, s.Tick(ctx, time.Date(2025, 1, 4, 3, 45, 0, 0, time.UTC)))
	counts, err = q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[TaskPending])

	// The next day opens a fresh slot.
	require.NoError(t, s.Tick(ctx, time.Date(2025, 1, 5, 3, 5, 0, 0, time.UTC)))
	counts, err = q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])
}

func TestDedupKeyShapes(t *testing.T) {
	connID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-000000000001")
	tenantID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-000000000002")
	at := time.Date(2025, 1, 4, 12, 30, 45, 0, time.UTC)

	assert.Equal(t,
		"poll_acks:aaaaaaaa-bbbb-cccc-dddd-000000000001:202501041230",
		PollAcksDedupKey(connID, at))
	assert.Equal(t,
		"retention_sweep:aaaaaaaa-bbbb-cccc-dddd-000000000002:20250104",
		RetentionSweepDedupKey(tenantID, at))

	// Local wall clocks normalize to UTC buckets.
	berlin := time.FixedZone("CET", 3600)
	assert.Equal(t,
		PollAcksDedupKey(connID, at),
		PollAcksDedupKey(connID, at.In(berlin)))
}
