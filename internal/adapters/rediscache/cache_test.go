package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
)

func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)

	c, err := Dial(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Get(ctx, "api_keys:absent")
	assert.ErrorIs(t, err, ports.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "api_keys:abc", []byte(`{"found":false}`), time.Minute))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"api_keys:abc"))

	got, err := c.Get(ctx, "api_keys:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":false}`, string(got))

	require.NoError(t, c.Delete(ctx, "api_keys:abc"))
	_, err = c.Get(ctx, "api_keys:abc")
	assert.ErrorIs(t, err, ports.ErrCacheMiss)
}

func TestCacheHonorsTTL(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)

	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithKeyPrefix("test:"))
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))

	mr.FastForward(31 * time.Second)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ports.ErrCacheMiss)
}

func TestCacheBackendFailureIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	mr := setupMiniRedis(t)

	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = c.Close() })

	mr.SetError("ERR simulated failure")
	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrCacheMiss)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not a url")
	assert.Error(t, err)
}
