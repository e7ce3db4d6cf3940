package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

var (
	// ErrBatchNotFound is returned for unknown or evicted batches.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrInvalidTransition is returned when an update would move a batch
	// backwards or out of a terminal phase.
	ErrInvalidTransition = errors.New("invalid progress transition")
	// ErrBatchExists is returned when Start is called twice for one id.
	ErrBatchExists = errors.New("batch already tracked")
)

// Update is one phase advance. Counters are cumulative for the batch.
type Update struct {
	Phase           models.Phase
	Chunk           int
	ItemsCompleted  int
	ImagesGenerated int
	// Stage, when set, records StageStatus for that stage.
	Stage       string
	StageStatus models.AgentStatus
}

type entry struct {
	state models.ProgressState
	// perItem is a moving average of wall time per completed item.
	perItem  time.Duration
	lastMark time.Time
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock replaces time.Now.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithSmoothing sets the moving-average weight of the newest sample.
func WithSmoothing(alpha float64) TrackerOption {
	return func(t *Tracker) {
		if alpha > 0 && alpha <= 1 {
			t.alpha = alpha
		}
	}
}

// Tracker owns every batch's ProgressState. Callers only ever see copies.
type Tracker struct {
	mu      sync.RWMutex
	batches map[string]*entry
	now     func() time.Time
	alpha   float64
	logger  logger.Logger
}

func NewTracker(log logger.Logger, opts ...TrackerOption) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	t := &Tracker{
		batches: make(map[string]*entry),
		now:     time.Now,
		alpha:   0.3,
		logger:  log.Named("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start registers a batch in the initializing phase.
func (t *Tracker) Start(batchID string, totalChunks, totalItems int, stages []string) (models.ProgressState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.batches[batchID]; ok {
		return models.ProgressState{}, fmt.Errorf("%w: %s", ErrBatchExists, batchID)
	}
	now := t.now()
	st := models.ProgressState{
		BatchID:     batchID,
		Phase:       models.PhaseInitializing,
		TotalChunks: totalChunks,
		TotalItems:  totalItems,
		StageStatus: make(map[string]models.AgentStatus, len(stages)),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	for _, s := range stages {
		st.StageStatus[s] = models.AgentIdle
	}
	t.batches[batchID] = &entry{state: st, lastMark: now}
	return st.Clone(), nil
}

// Advance applies u. Chunks only move forward; within a chunk the phase only
// moves forward. Counters never decrease and items never exceed the total.
func (t *Tracker) Advance(batchID string, u Update) (models.ProgressState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.batches[batchID]
	if !ok {
		return models.ProgressState{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	st := &e.state
	if st.Phase.Terminal() {
		return st.Clone(), fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, batchID, st.Phase)
	}
	if u.Phase.Terminal() || u.Phase.Rank() < 0 {
		return st.Clone(), fmt.Errorf("%w: cannot advance to %q", ErrInvalidTransition, u.Phase)
	}
	if u.Chunk < st.CurrentChunk || (u.Chunk == st.CurrentChunk && u.Phase.Rank() < st.Phase.Rank()) {
		return st.Clone(), fmt.Errorf("%w: %s chunk %d to %s chunk %d",
			ErrInvalidTransition, st.Phase, st.CurrentChunk, u.Phase, u.Chunk)
	}

	now := t.now()
	st.Phase = u.Phase
	st.CurrentChunk = u.Chunk
	if u.Stage != "" {
		st.StageStatus[u.Stage] = u.StageStatus
	}
	if u.ImagesGenerated > st.ImagesGenerated {
		st.ImagesGenerated = u.ImagesGenerated
	}
	t.markItems(e, u.ItemsCompleted, now)
	st.UpdatedAt = now
	return st.Clone(), nil
}

func (t *Tracker) markItems(e *entry, completed int, now time.Time) {
	st := &e.state
	if completed > st.TotalItems {
		completed = st.TotalItems
	}
	if completed > st.ItemsCompleted {
		delta := completed - st.ItemsCompleted
		sample := now.Sub(e.lastMark) / time.Duration(delta)
		if e.perItem == 0 {
			e.perItem = sample
		} else {
			e.perItem = time.Duration(t.alpha*float64(sample) + (1-t.alpha)*float64(e.perItem))
		}
		e.lastMark = now
		st.ItemsCompleted = completed
	}
	remaining := st.TotalItems - st.ItemsCompleted
	st.EstimatedTimeRemainingMs = (e.perItem * time.Duration(remaining)).Milliseconds()
}

// Complete moves the batch to the complete phase.
func (t *Tracker) Complete(batchID string, itemsCompleted, imagesGenerated int) (models.ProgressState, error) {
	return t.finish(batchID, models.PhaseComplete, "", itemsCompleted, imagesGenerated)
}

// Fail moves the batch to the error phase.
func (t *Tracker) Fail(batchID, reason string) (models.ProgressState, error) {
	return t.finish(batchID, models.PhaseError, reason, -1, -1)
}

func (t *Tracker) finish(batchID string, phase models.Phase, reason string, items, images int) (models.ProgressState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.batches[batchID]
	if !ok {
		return models.ProgressState{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	st := &e.state
	if st.Phase.Terminal() {
		return st.Clone(), fmt.Errorf("%w: batch %s is already %s", ErrInvalidTransition, batchID, st.Phase)
	}

	now := t.now()
	if items >= 0 {
		t.markItems(e, items, now)
	}
	if images > st.ImagesGenerated {
		st.ImagesGenerated = images
	}
	for name, s := range st.StageStatus {
		switch {
		case phase == models.PhaseComplete && s != models.AgentError:
			st.StageStatus[name] = models.AgentComplete
		case phase == models.PhaseError && s == models.AgentWorking:
			st.StageStatus[name] = models.AgentError
		}
	}
	st.Phase = phase
	st.Error = reason
	st.EstimatedTimeRemainingMs = 0
	st.UpdatedAt = now
	st.FinishedAt = now

	t.logger.Info("Batch finished",
		logger.String("batch_id", batchID),
		logger.String("phase", string(phase)),
		logger.Int("items_completed", st.ItemsCompleted),
		logger.Int("total_items", st.TotalItems),
	)
	return st.Clone(), nil
}

// Get returns a copy of the batch state.
func (t *Tracker) Get(batchID string) (models.ProgressState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.batches[batchID]
	if !ok {
		return models.ProgressState{}, false
	}
	return e.state.Clone(), true
}

// Len is the number of tracked batches.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.batches)
}

// Cleanup evicts terminal batches whose age is strictly greater than
// retention and returns their ids. With retention 0 a batch finished at the
// current clock reading is not yet eligible.
func (t *Tracker) Cleanup(retention time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var removed []string
	for id, e := range t.batches {
		if !e.state.Phase.Terminal() {
			continue
		}
		if now.Sub(e.state.FinishedAt) > retention {
			delete(t.batches, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.logger.Info("Evicted finished batches",
			logger.Int("count", len(removed)),
			logger.Duration("retention", retention),
		)
	}
	return removed
}
