package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
)

// summaryCache keeps summaries of batches run in this process and forwards
// everything to the shared snapshot store when there is one.
type summaryCache struct {
	remote Snapshots

	mu        sync.RWMutex
	summaries map[string]*models.Summary
}

func newSummaryCache(remote Snapshots) *summaryCache {
	return &summaryCache{remote: remote, summaries: make(map[string]*models.Summary)}
}

func (c *summaryCache) SaveState(ctx context.Context, st models.ProgressState) error {
	if c.remote == nil {
		return nil
	}
	return c.remote.SaveState(ctx, st)
}

func (c *summaryCache) SaveSummary(ctx context.Context, s *models.Summary) error {
	c.mu.Lock()
	c.summaries[s.BatchID] = s
	c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote.SaveSummary(ctx, s)
}

func (c *summaryCache) LoadState(ctx context.Context, batchID string) (models.ProgressState, error) {
	if c.remote == nil {
		return models.ProgressState{}, fmt.Errorf("%w: %s", progress.ErrBatchNotFound, batchID)
	}
	return c.remote.LoadState(ctx, batchID)
}

func (c *summaryCache) LoadSummary(ctx context.Context, batchID string) (*models.Summary, error) {
	c.mu.RLock()
	s, ok := c.summaries[batchID]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}
	if c.remote == nil {
		return nil, fmt.Errorf("%w: %s", progress.ErrBatchNotFound, batchID)
	}
	return c.remote.LoadSummary(ctx, batchID)
}

// Forget drops local summaries; the shared store expires on its own TTL.
func (c *summaryCache) Forget(batchIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range batchIDs {
		delete(c.summaries, id)
	}
}
