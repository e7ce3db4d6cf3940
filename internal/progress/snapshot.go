package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// SnapshotStore keeps the latest ProgressState and the final Summary of each
// batch in redis so that any process can answer status queries.
type SnapshotStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewSnapshotStore(client redis.Cmdable, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

func stateKey(batchID string) string   { return fmt.Sprintf("progress:state:%s", batchID) }
func summaryKey(batchID string) string { return fmt.Sprintf("progress:summary:%s", batchID) }

// SaveState overwrites the stored state of st.BatchID.
func (s *SnapshotStore) SaveState(ctx context.Context, st models.ProgressState) error {
	return s.set(ctx, stateKey(st.BatchID), st)
}

// LoadState returns ErrBatchNotFound when nothing is stored.
func (s *SnapshotStore) LoadState(ctx context.Context, batchID string) (models.ProgressState, error) {
	var st models.ProgressState
	if err := s.get(ctx, stateKey(batchID), &st); err != nil {
		return models.ProgressState{}, err
	}
	return st, nil
}

func (s *SnapshotStore) SaveSummary(ctx context.Context, sum *models.Summary) error {
	return s.set(ctx, summaryKey(sum.BatchID), sum)
}

func (s *SnapshotStore) LoadSummary(ctx context.Context, batchID string) (*models.Summary, error) {
	var sum models.Summary
	if err := s.get(ctx, summaryKey(batchID), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *SnapshotStore) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
