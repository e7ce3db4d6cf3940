package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// ErrAllChunksFailed ends a batch in the error phase.
var ErrAllChunksFailed = errors.New("every chunk failed")

// StateStore persists tracker snapshots and summaries for other processes.
type StateStore interface {
	SaveState(ctx context.Context, st models.ProgressState) error
	SaveSummary(ctx context.Context, s *models.Summary) error
}

// HistoryFunc returns the fingerprint history for a new batch.
type HistoryFunc func(batchID string) agent.History

// Coordinator drives one batch at a time through the stage pipeline, chunk
// by chunk. Run may be called concurrently for different batches.
type Coordinator struct {
	factory *agent.StageFactory
	tracker *progress.Tracker
	emitter progress.Emitter
	store   StateStore
	history HistoryFunc
	logger  logger.Logger
	now     func() time.Time
}

type CoordinatorOption func(*Coordinator)

// WithStateStore mirrors every tracker update into s.
func WithStateStore(s StateStore) CoordinatorOption {
	return func(c *Coordinator) { c.store = s }
}

func WithHistory(fn HistoryFunc) CoordinatorOption {
	return func(c *Coordinator) { c.history = fn }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(factory *agent.StageFactory, tracker *progress.Tracker, emitter progress.Emitter, log logger.Logger, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Coordinator{
		factory: factory,
		tracker: tracker,
		emitter: emitter,
		logger:  log.Named("coordinator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run holds the state of one batch execution.
type run struct {
	batch     *models.Batch
	pipeline  *agent.Pipeline
	history   agent.History
	summary   *models.Summary
	completed int
	images    int
	names     []string
	log       logger.Logger
}

// Run executes the batch and returns its summary. Item and chunk failures are
// reported in the summary; the error is non-nil only when the batch as a
// whole ended in the error phase.
func (c *Coordinator) Run(ctx context.Context, batch *models.Batch) (*models.Summary, error) {
	started := c.now()
	r := &run{
		batch: batch,
		summary: &models.Summary{
			BatchID:        batch.ID,
			TotalItems:     batch.TotalItems(),
			ItemsSucceeded: []models.ItemOutcome{},
			ItemsFailed:    []models.ItemOutcome{},
			StartedAt:      started,
		},
		log: c.logger.With(logger.String("batch_id", batch.ID)),
	}

	pipeline, err := c.factory.Build(batch.Request)
	if err != nil {
		return c.abort(ctx, r, fmt.Errorf("failed to build pipeline: %w", err))
	}
	r.pipeline = pipeline

	stageNames := make([]string, 0, len(pipeline.Stages))
	for _, k := range pipeline.Kinds() {
		stageNames = append(stageNames, k.String())
	}
	st, err := c.tracker.Start(batch.ID, len(batch.Chunks), r.summary.TotalItems, stageNames)
	if err != nil {
		return nil, fmt.Errorf("failed to start tracking batch %s: %w", batch.ID, err)
	}
	c.publish(ctx, st)

	if c.history != nil {
		r.history = c.history(batch.ID)
	}

	r.log.Info("Batch started",
		logger.Int("chunks", len(batch.Chunks)),
		logger.Int("total_items", r.summary.TotalItems),
		logger.Strings("stages", stageNames),
	)

	failedChunks := 0
	for _, chunk := range batch.Chunks {
		if err := ctx.Err(); err != nil {
			c.failChunk(r, chunk, nil, fmt.Sprintf("cancelled: %v", err))
			failedChunks++
			continue
		}
		if tally := c.runChunk(ctx, r, chunk); tally.Error != "" {
			failedChunks++
		}
	}

	c.finishSummary(r)
	switch {
	case ctx.Err() != nil:
		return c.abort(ctx, r, fmt.Errorf("batch cancelled: %w", ctx.Err()))
	case failedChunks == len(batch.Chunks):
		return c.abort(ctx, r, fmt.Errorf("%w: %s", ErrAllChunksFailed, lastChunkError(r.summary)))
	}

	st, err = c.tracker.Complete(batch.ID, r.completed, r.images)
	if err != nil {
		r.log.Error("Failed to complete batch progress", logger.Error(err))
	} else {
		c.publish(ctx, st)
	}
	r.summary.Success = true
	r.summary.Status = models.BatchComplete
	c.saveSummary(ctx, r.summary)
	c.emit(ctx, progress.NewCompleteEvent(r.summary, c.now()))

	r.log.Info("Batch complete",
		logger.Int("succeeded", len(r.summary.ItemsSucceeded)),
		logger.Int("failed", len(r.summary.ItemsFailed)),
		logger.Int("images_generated", r.summary.ImagesGenerated),
		logger.Int64("total_time_ms", r.summary.TotalTimeMs),
	)
	return r.summary, nil
}

// runChunk drives every stage over one chunk. A stage error loses the chunk
// but never the batch.
func (c *Coordinator) runChunk(ctx context.Context, r *run, chunk models.Chunk) models.ChunkTally {
	start := c.now()
	w := agent.NewWork(r.batch.ID, chunk, r.batch.Request, r.history, r.log)
	w.Exclude = append([]string(nil), r.names...)

	for _, stage := range r.pipeline.Stages {
		kind := stage.Kind()
		c.advance(ctx, r, w, kind, models.AgentWorking)

		err := stage.Execute(ctx, w)
		if r.history == nil && w.History != nil {
			r.history = w.History
		}
		if err != nil {
			c.advance(ctx, r, w, kind, models.AgentError)
			w.Tally.DurationMs = c.now().Sub(start).Milliseconds()
			c.failChunk(r, chunk, w, fmt.Sprintf("%s stage failed: %v", kind, err))
			return w.Tally
		}
		c.advance(ctx, r, w, kind, models.AgentComplete)
	}

	for _, item := range w.Items {
		if item.State != models.ItemPersisted && !item.Failed() {
			item.Fail("pipeline", fmt.Sprintf("item stopped in state %s", item.State))
		}
		if !item.Failed() {
			r.names = append(r.names, item.Name)
		}
	}
	w.Tally.DurationMs = c.now().Sub(start).Milliseconds()
	c.collect(r, w)

	r.log.Info("Chunk finished",
		logger.Int("chunk", chunk.Index),
		logger.Int("succeeded", w.Tally.Succeeded),
		logger.Int("failed", w.Tally.Failed),
		logger.Int64("duration_ms", w.Tally.DurationMs),
	)
	return w.Tally
}

// failChunk reports every unpersisted slot of the chunk as failed. Items
// already drafted keep their identity; slots never drafted get synthetic
// outcomes.
func (c *Coordinator) failChunk(r *run, chunk models.Chunk, w *agent.Work, reason string) {
	if w == nil {
		w = agent.NewWork(r.batch.ID, chunk, r.batch.Request, nil, r.log)
	}
	stage := "chunk"
	for _, item := range w.Items {
		if !item.Failed() && item.State != models.ItemPersisted {
			item.Fail(stage, reason)
		}
	}
	for slot := len(w.Items) + 1; slot <= chunk.Size; slot++ {
		w.Items = append(w.Items, &models.ContentItem{
			ID:           fmt.Sprintf("chunk-%d-slot-%d", chunk.Index, slot),
			BatchID:      r.batch.ID,
			ChunkIndex:   chunk.Index,
			State:        models.ItemFailed,
			FailedStage:  stage,
			FailedReason: reason,
		})
	}
	w.Tally.Error = reason
	c.collect(r, w)

	r.log.Error("Chunk failed",
		logger.Int("chunk", chunk.Index),
		logger.Int("items", chunk.Size),
		logger.String("reason", reason),
	)
}

// collect folds a finished chunk into the summary and the batch counters.
func (c *Coordinator) collect(r *run, w *agent.Work) {
	for _, item := range w.Items {
		out := outcome(item)
		if item.Failed() {
			r.summary.ItemsFailed = append(r.summary.ItemsFailed, out)
			w.Tally.Failed++
		} else {
			r.summary.ItemsSucceeded = append(r.summary.ItemsSucceeded, out)
			w.Tally.Succeeded++
		}
	}
	r.completed += w.Chunk.Size
	r.images += w.Tally.ImagesGenerated

	s := r.summary
	s.ImagesGenerated += w.Tally.ImagesGenerated
	s.ImagesUploaded += w.Tally.ImagesUploaded
	s.SoftDuplicates += w.Tally.SoftDuplicates
	s.StoragePending += w.Tally.StoragePending
	s.Validation.Add(w.Tally.Validation)
	s.Chunks = append(s.Chunks, w.Tally)
}

func outcome(item *models.ContentItem) models.ItemOutcome {
	return models.ItemOutcome{
		ID:       item.ID,
		RecordID: item.RecordID,
		Name:     item.Name,
		ImageURL: item.ImageURL,
		State:    item.State,
		Stage:    item.FailedStage,
		Reason:   item.FailedReason,
		Flags:    item.Flags,
	}
}

// advance records a stage status change and broadcasts the new state.
func (c *Coordinator) advance(ctx context.Context, r *run, w *agent.Work, kind agent.Kind, status models.AgentStatus) {
	terminal := w.CountState(models.ItemPersisted, models.ItemFailed)
	st, err := c.tracker.Advance(r.batch.ID, progress.Update{
		Phase:           kind.Phase(),
		Chunk:           w.Chunk.Index,
		ItemsCompleted:  r.completed + terminal,
		ImagesGenerated: r.images + w.Tally.ImagesGenerated,
		Stage:           kind.String(),
		StageStatus:     status,
	})
	if err != nil {
		r.log.Warn("Progress update rejected",
			logger.String("stage", kind.String()),
			logger.Error(err),
		)
		return
	}
	c.publish(ctx, st)
}

func (c *Coordinator) finishSummary(r *run) {
	s := r.summary
	s.FinishedAt = c.now()
	s.TotalTimeMs = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	if r.pipeline == nil {
		return
	}
	for _, snap := range r.pipeline.Metrics() {
		t := snap.Total()
		s.Stages = append(s.Stages, models.StageMetrics{
			Stage:          snap.Unit,
			Calls:          t.Calls,
			Attempts:       t.Attempts,
			Retries:        t.Retries,
			Successes:      t.Successes,
			Failures:       t.Failures,
			TotalLatencyMs: t.TotalLatency.Milliseconds(),
		})
	}
}

// abort ends the batch in the error phase. The error event is the terminal
// message on the push channel.
func (c *Coordinator) abort(ctx context.Context, r *run, cause error) (*models.Summary, error) {
	if r.summary.FinishedAt.IsZero() {
		c.finishSummary(r)
	}
	r.summary.Success = false
	r.summary.Status = models.BatchFailed
	r.summary.Error = cause.Error()

	if st, err := c.tracker.Fail(r.batch.ID, cause.Error()); err == nil {
		c.save(ctx, st)
	}
	c.saveSummary(ctx, r.summary)
	c.emit(ctx, progress.NewErrorEvent(r.batch.ID, cause.Error(), c.now()))

	r.log.Error("Batch failed", logger.Error(cause))
	return r.summary, cause
}

func lastChunkError(s *models.Summary) string {
	for i := len(s.Chunks) - 1; i >= 0; i-- {
		if s.Chunks[i].Error != "" {
			return s.Chunks[i].Error
		}
	}
	return "no chunks ran"
}

func (c *Coordinator) publish(ctx context.Context, st models.ProgressState) {
	c.save(ctx, st)
	c.emit(ctx, progress.NewProgressEvent(st, c.now()))
}

// Persistence of snapshots and events is best effort; batch processing never
// waits on observers.
func (c *Coordinator) save(ctx context.Context, st models.ProgressState) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveState(context.WithoutCancel(ctx), st); err != nil {
		c.logger.Warn("Failed to save progress snapshot",
			logger.String("batch_id", st.BatchID),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) saveSummary(ctx context.Context, s *models.Summary) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSummary(context.WithoutCancel(ctx), s); err != nil {
		c.logger.Warn("Failed to save summary",
			logger.String("batch_id", s.BatchID),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) emit(ctx context.Context, e progress.Event) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("Failed to emit progress event",
			logger.String("batch_id", e.BatchID),
			logger.String("event", string(e.Type)),
			logger.Error(err),
		)
	}
}
