package imagegen

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// BatchHistory holds the fingerprints accepted within one batch.
type BatchHistory struct {
	mu  sync.RWMutex
	fps []models.Fingerprint
}

var _ agent.History = (*BatchHistory)(nil)

func NewBatchHistory() *BatchHistory {
	return &BatchHistory{}
}

func (h *BatchHistory) MaxSimilarity(_ context.Context, fp models.Fingerprint) (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maxSimilarity(fp, h.fps), nil
}

func (h *BatchHistory) Remember(_ context.Context, fp models.Fingerprint) error {
	h.mu.Lock()
	h.fps = append(h.fps, fp)
	h.mu.Unlock()
	return nil
}

func (h *BatchHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fps)
}

func maxSimilarity(fp models.Fingerprint, set []models.Fingerprint) float64 {
	best := 0.0
	for _, o := range set {
		if s := fp.Similarity(o); s > best {
			best = s
		}
	}
	return best
}

// DefaultHistoryKey is the redis list shared by all batches.
const DefaultHistoryKey = "fingerprints:global"

// RedisHistory keeps a capped list of recent fingerprints across batches.
type RedisHistory struct {
	client redis.Cmdable
	key    string
	size   int64
}

var _ agent.History = (*RedisHistory)(nil)

// NewRedisHistory keeps at most size fingerprints under key.
func NewRedisHistory(client redis.Cmdable, key string, size int) *RedisHistory {
	if key == "" {
		key = DefaultHistoryKey
	}
	if size <= 0 {
		size = 1000
	}
	return &RedisHistory{client: client, key: key, size: int64(size)}
}

func (h *RedisHistory) load(ctx context.Context) ([]models.Fingerprint, error) {
	vals, err := h.client.LRange(ctx, h.key, 0, h.size-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprint history: %w", err)
	}
	out := make([]models.Fingerprint, 0, len(vals))
	for _, v := range vals {
		fp, err := models.ParseFingerprint(v)
		if err != nil {
			continue
		}
		out = append(out, fp)
	}
	return out, nil
}

func (h *RedisHistory) MaxSimilarity(ctx context.Context, fp models.Fingerprint) (float64, error) {
	fps, err := h.load(ctx)
	if err != nil {
		return 0, err
	}
	return maxSimilarity(fp, fps), nil
}

func (h *RedisHistory) Remember(ctx context.Context, fp models.Fingerprint) error {
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, h.key, fp.String())
		pipe.LTrim(ctx, h.key, 0, h.size-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return nil
}

// Len is the configured cap; the live length needs a round trip.
func (h *RedisHistory) Len() int {
	return int(h.size)
}

// CombinedHistory checks the batch first and then a shared store. Shared
// store failures are logged and otherwise ignored.
type CombinedHistory struct {
	batch  *BatchHistory
	global agent.History
	logger logger.Logger
}

var _ agent.History = (*CombinedHistory)(nil)

// NewCombinedHistory returns batch alone when global is nil.
func NewCombinedHistory(batch *BatchHistory, global agent.History, log logger.Logger) agent.History {
	if global == nil {
		return batch
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &CombinedHistory{batch: batch, global: global, logger: log}
}

func (h *CombinedHistory) MaxSimilarity(ctx context.Context, fp models.Fingerprint) (float64, error) {
	local, _ := h.batch.MaxSimilarity(ctx, fp)
	shared, err := h.global.MaxSimilarity(ctx, fp)
	if err != nil {
		h.logger.Warn("Shared fingerprint history unavailable", logger.Error(err))
		return local, nil
	}
	if shared > local {
		return shared, nil
	}
	return local, nil
}

func (h *CombinedHistory) Remember(ctx context.Context, fp models.Fingerprint) error {
	_ = h.batch.Remember(ctx, fp)
	if err := h.global.Remember(ctx, fp); err != nil {
		h.logger.Warn("Failed to share fingerprint", logger.Error(err))
	}
	return nil
}

func (h *CombinedHistory) Len() int { return h.batch.Len() }
