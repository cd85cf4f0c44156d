package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-graph/internal/config"
	"task-graph/pkg/cache"
	"task-graph/pkg/task"
)

func TestOpenStoreSQLiteCreatesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")

	store, err := OpenStore(ctx, config.Database{URL: "sqlite://" + path})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	created, err := store.Create(ctx, &task.Task{Title: "schema ok"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "schema ok", created.Title)
}

func TestOpenCacheDefaultsToMemory(t *testing.T) {
	c, err := OpenCache(context.Background(), config.Cache{})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryCache{}, c)
}

func TestOpenCacheRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := OpenCache(context.Background(), config.Cache{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	assert.IsType(t, &cache.RedisCache{}, c)
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}
