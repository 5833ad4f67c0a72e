package redismanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ c redis.UniversalClient }

func (s staticSource) Get() redis.UniversalClient { return s.c }

func TestAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	m := NewManager(staticSource{redis.NewClient(&redis.Options{Addr: mr.Addr()})}, "photothumb:lease", time.Minute)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("photothumb:lease:abc123"))

	_, err = m.Acquire(ctx, "abc123", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("photothumb:lease:abc123"))

	again, err := m.Acquire(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLeaseExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	m := NewManager(staticSource{redis.NewClient(&redis.Options{Addr: mr.Addr()})}, "lease", 0)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "abc123", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := m.Acquire(ctx, "abc123", time.Minute)
	require.NoError(t, err)

	// The expired holder must not delete the new lease.
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("lease:abc123"))
	require.NoError(t, fresh.Release(ctx))
}

func TestGenerateHash(t *testing.T) {
	assert.NotEqual(t, GenerateHash(), GenerateHash())
	assert.Len(t, GenerateHash(), 28)
}

func TestLock(t *testing.T) {
	mr := miniredis.RunT(t)
	m := NewManager(staticSource{redis.NewClient(&redis.Options{Addr: mr.Addr()})}, "lease", time.Minute)
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("lease:abc123"))

	_, err = m.Lock(ctx, "abc123")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("lease:abc123"))
}

func TestAcquireRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })
	m := NewManager(staticSource{rc}, "lease", time.Minute)
	mr.Close()

	_, err = m.Lock(context.Background(), "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrHeld)
}
