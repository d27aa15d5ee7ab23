package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultCacheConfig()
	cfg.Addr = mr.Addr()
	cfg.RecordTTL = time.Minute

	cache, err := NewCache(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return mr, cache
}

type fakeRecord struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

func TestCache_RecordRoundtrip(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	in := fakeRecord{ExecutionID: "exec_abc", State: "completed"}
	require.NoError(t, cache.PutRecord(ctx, in.ExecutionID, in))

	var out fakeRecord
	require.NoError(t, cache.GetRecord(ctx, "exec_abc", &out))
	assert.Equal(t, in, out)
}

func TestCache_RecordMiss(t *testing.T) {
	_, cache := setupCache(t)

	var out fakeRecord
	err := cache.GetRecord(context.Background(), "exec_ghost", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_RecordTTLExpiry(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.PutRecord(ctx, "exec_abc", fakeRecord{ExecutionID: "exec_abc"}))

	mr.FastForward(2 * time.Minute)

	var out fakeRecord
	err := cache.GetRecord(ctx, "exec_abc", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_Popularity(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	n, err := cache.Popularity(ctx, "skill_a")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		_, err := cache.IncrPopularity(ctx, "skill_a")
		require.NoError(t, err)
	}

	n, err = cache.Popularity(ctx, "skill_a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCache_Ping(t *testing.T) {
	mr, cache := setupCache(t)
	require.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}
