package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	_, err := c.Get(ctx, "task:7")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "task:7", []byte(`{"id":7}`), time.Minute))
	got, err := c.Get(ctx, "task:7")
	require.NoError(t, err)
	assert.Equal(t, `{"id":7}`, string(got))
	assert.Equal(t, time.Minute, mr.TTL("task:7"))

	require.NoError(t, c.Delete(ctx, "task:7"))
	assert.False(t, mr.Exists("task:7"))
	require.NoError(t, c.Delete(ctx, "task:7"), "deleting a missing key is fine")
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 60*time.Second))
	mr.FastForward(61 * time.Second)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisFailureIsNotMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := DialRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer c.Close()

	_, err = DialRedis(context.Background(), "http://nope")
	assert.Error(t, err)
}
