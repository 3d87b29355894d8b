package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenQiao97/taskmesh/types"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_UpsertGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	rec := record("r1", "hello redis")
	rec.Tags = []string{"ns", "evt:agent.started"}
	rec.Provenance = types.Provenance{Source: "src", Actor: "agent-1"}
	require.NoError(t, store.Upsert(ctx, rec, testNS))

	got, err := store.Get(ctx, "r1", testNS)
	require.NoError(t, err)
	assert.Equal(t, "hello redis", got.Text)
	assert.Equal(t, rec.Tags, got.Tags)
	assert.Equal(t, "agent-1", got.Provenance.Actor)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.Get(context.Background(), "ghost", testNS)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, record("r1", "x"), testNS))
	require.NoError(t, store.Delete(ctx, "r1", testNS))

	_, err := store.Get(ctx, "r1", testNS)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	err = store.Delete(ctx, "r1", testNS)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestRedisStore_NativeTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	rec := record("ttl", "short lived")
	rec.TTL = time.Minute
	require.NoError(t, store.Upsert(ctx, rec, testNS))

	// TTL 由 Redis 原生过期承载
	assert.Greater(t, mr.TTL(recordKey(testNS, "ttl")), time.Duration(0))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "ttl", testNS)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestRedisStore_NoTTLMeansNoExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, record("keep", "forever"), testNS))
	mr.FastForward(24 * time.Hour)

	_, err := store.Get(ctx, "keep", testNS)
	assert.NoError(t, err)
}

func TestRedisStore_SearchByText(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, record("r1", "workflow completed"), testNS))
	require.NoError(t, store.Upsert(ctx, record("r2", "agent failed"), testNS))
	require.NoError(t, store.Upsert(ctx, record("r3", "another FAILED run"), "other.ns"))

	matches, err := store.SearchByText(ctx, "failed", testNS, 0)
	require.NoError(t, err)
	// 跨命名空间的记录不可见
	require.Len(t, matches, 1)
	assert.Equal(t, "r2", matches[0].ID)

	matches, err = store.SearchByText(ctx, "", testNS, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRedisStore_SearchByVector(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	withVec := func(id string, vec []float32) types.MemoryRecord {
		r := record(id, id)
		r.Embedding = vec
		return r
	}
	require.NoError(t, store.Upsert(ctx, withVec("aligned", []float32{1, 0}), testNS))
	require.NoError(t, store.Upsert(ctx, withVec("orthogonal", []float32{0, 1}), testNS))
	require.NoError(t, store.Upsert(ctx, record("noVec", "text"), testNS))

	matches, err := store.SearchByVector(ctx, []float32{1, 0}, testNS, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "aligned", matches[0].ID)
}

func TestRedisStore_PurgeExpiredFallback(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	// 模拟历史数据：记录自身过期但键没有原生 TTL
	stale := record("stale", "old")
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	stale.TTL = time.Hour
	require.NoError(t, store.Upsert(ctx, stale, testNS))
	require.NoError(t, store.client.Persist(ctx, recordKey(testNS, "stale")).Err())

	require.NoError(t, store.Upsert(ctx, record("fresh", "new"), testNS))

	purged, err := store.PurgeExpired(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.Get(ctx, "stale", testNS)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = store.Get(ctx, "fresh", testNS)
	assert.NoError(t, err)
}
