package imagegen

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

func newRedisHistory(t *testing.T, size int) (*miniredis.Miniredis, *RedisHistory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisHistory(client, "", size)
}

func TestRedisHistory_CapsList(t *testing.T) {
	mr, h := newRedisHistory(t, 3)
	ctx := context.Background()

	for _, fp := range []models.Fingerprint{0x1, 0x2, 0x3, 0x4, 0x5} {
		require.NoError(t, h.Remember(ctx, fp))
	}

	list, err := mr.List(DefaultHistoryKey)
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.Fingerprint(0x5).String(),
		models.Fingerprint(0x4).String(),
		models.Fingerprint(0x3).String(),
	}, list, "newest first, oldest trimmed")
	assert.Equal(t, 3, h.Len())
}

func TestRedisHistory_MaxSimilarity(t *testing.T) {
	mr, h := newRedisHistory(t, 10)
	ctx := context.Background()

	sim, err := h.MaxSimilarity(ctx, 0xffff)
	require.NoError(t, err)
	assert.Zero(t, sim, "empty history")

	require.NoError(t, h.Remember(ctx, 0xffff))
	mr.Lpush(DefaultHistoryKey, "not-hex")

	sim, err = h.MaxSimilarity(ctx, 0xffff)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sim)

	sim, err = h.MaxSimilarity(ctx, 0xfffe)
	require.NoError(t, err)
	assert.Equal(t, 1-1.0/models.FingerprintBits, sim)
}

func TestRedisHistory_SharedAcrossBatches(t *testing.T) {
	_, global := newRedisHistory(t, 10)
	ctx := context.Background()
	f := NewFingerprinter(nil)
	fp, err := f.FromBytes(blockPNG(t, 11))
	require.NoError(t, err)

	first := NewCombinedHistory(NewBatchHistory(), global, nil)
	require.NoError(t, first.Remember(ctx, fp))

	second := NewCombinedHistory(NewBatchHistory(), global, nil)
	sim, err := second.MaxSimilarity(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sim, "a later batch sees the earlier batch's image")
}

func TestRedisHistory_Unavailable(t *testing.T) {
	mr, h := newRedisHistory(t, 10)
	mr.Close()

	_, err := h.MaxSimilarity(context.Background(), 0x1)
	assert.ErrorContains(t, err, "failed to read fingerprint history")
	assert.ErrorContains(t, h.Remember(context.Background(), 0x1), "failed to record fingerprint")
}
