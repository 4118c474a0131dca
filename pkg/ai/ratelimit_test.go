package ai

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(0.0001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "chat:gpt-4o-mini")
		require.NoError(t, err)
		assert.True(t, ok, "call %d within burst", i)
	}
	ok, err := l.Allow(ctx, "chat:gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	// Buckets are independent per key.
	ok, err = l.Allow(ctx, "embed:text-embedding-3-small")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	l := NewRedisLimiter(client, 0.0001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "t1:chat")
		require.NoError(t, err)
		assert.True(t, ok, "call %d within burst", i)
	}
	ok, err := l.Allow(ctx, "t1:chat")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	ok, err = l.Allow(ctx, "t2:chat")
	require.NoError(t, err)
	assert.True(t, ok, "other tenants unaffected")
}
