package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/pkg/converters"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/queue"
)

var (
	ErrInvalidRequest    = errors.New("invalid generation request")
	ErrBatchRunning      = errors.New("batch has not finished")
	ErrReportUnavailable = errors.New("report storage not configured")
)

// Snapshots is the cross-process state store, normally redis.
type Snapshots interface {
	StateStore
	LoadState(ctx context.Context, batchID string) (models.ProgressState, error)
	LoadSummary(ctx context.Context, batchID string) (*models.Summary, error)
}

// ReportStore keeps the JSON reports of finished batches.
type ReportStore interface {
	Store(ctx context.Context, reader io.Reader, key, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	CleanupBefore(ctx context.Context, prefix string, threshold time.Time) error
}

// Relay feeds events from other processes into the local broadcaster.
type Relay interface {
	Run(ctx context.Context) error
}

// Deps wires the collaborators of the service. Only Factory, Tracker and
// Broadcaster are required.
type Deps struct {
	Factory     *agent.StageFactory
	Tracker     *progress.Tracker
	Broadcaster *progress.Broadcaster
	// Emitter defaults to the broadcaster.
	Emitter   progress.Emitter
	Snapshots Snapshots
	Queue     queue.Queue
	Reports   ReportStore
	Relay     Relay
	History   HistoryFunc
}

type ServiceConfig struct {
	Mode            string
	ChunkSize       int
	Retention       time.Duration
	CleanupInterval time.Duration
	ReportRetention time.Duration
	StaleAfter      time.Duration
	SweepInterval   time.Duration
}

// ConfigFrom maps the process config onto the service.
func ConfigFrom(cfg *config.Config) ServiceConfig {
	return ServiceConfig{
		Mode:            cfg.Server.Mode,
		ChunkSize:       cfg.Pipeline.ChunkSize,
		Retention:       cfg.Pipeline.Retention,
		CleanupInterval: cfg.Pipeline.CleanupInterval,
		ReportRetention: cfg.Pipeline.ReportRetention,
		StaleAfter:      cfg.Observers.StaleAfter,
		SweepInterval:   cfg.Observers.SweepInterval,
	}
}

type GenerationService struct {
	coordinator *Coordinator
	tracker     *progress.Tracker
	broadcaster *progress.Broadcaster
	store       *summaryCache
	queue       queue.Queue
	reports     ReportStore
	relay       Relay
	converter   converters.SummaryConverter
	config      ServiceConfig
	logger      logger.Logger
	now         func() time.Time

	mu       sync.Mutex
	accepted map[string]*models.Batch

	// Inline batches run on ctx and are tracked by wg.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ BatchGenerator = (*GenerationService)(nil)

func NewService(deps Deps, cfg ServiceConfig, log logger.Logger) (*GenerationService, error) {
	if deps.Factory == nil || deps.Tracker == nil || deps.Broadcaster == nil {
		return nil, fmt.Errorf("stage factory, tracker and broadcaster are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeInline
	}
	if cfg.Mode == config.ModeQueue && deps.Queue == nil {
		return nil, fmt.Errorf("queue mode requires a queue")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = progress.DefaultStaleAfter
	}
	if log == nil {
		log = logger.NewNop()
	}

	emitter := deps.Emitter
	if emitter == nil {
		emitter = deps.Broadcaster
	}
	store := newSummaryCache(deps.Snapshots)
	opts := []CoordinatorOption{WithStateStore(store)}
	if deps.History != nil {
		opts = append(opts, WithHistory(deps.History))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GenerationService{
		coordinator: NewCoordinator(deps.Factory, deps.Tracker, emitter, log, opts...),
		tracker:     deps.Tracker,
		broadcaster: deps.Broadcaster,
		store:       store,
		queue:       deps.Queue,
		reports:     deps.Reports,
		relay:       deps.Relay,
		converter:   converters.NewJSONConverter(),
		config:      cfg,
		logger:      log.Named("generation"),
		now:         time.Now,
		accepted:    make(map[string]*models.Batch),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// CreateBatch accepts req and starts it in the configured mode.
func (s *GenerationService) CreateBatch(ctx context.Context, req models.GenerationRequest) (*models.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req = req.Copy()
	// A request may only ask for smaller chunks than configured.
	size := s.config.ChunkSize
	if req.ChunkSize > size {
		return nil, fmt.Errorf("%w: chunk size %d exceeds configured %d", ErrInvalidRequest, req.ChunkSize, size)
	}
	if req.ChunkSize > 0 {
		size = req.ChunkSize
	}
	chunks, err := PlanChunks(req.Count, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	batch := &models.Batch{
		ID:        uuid.New().String(),
		Request:   req,
		Chunks:    chunks,
		Status:    models.BatchRunning,
		CreatedAt: s.now(),
	}

	if s.config.Mode == config.ModeQueue {
		if err := s.enqueue(ctx, batch); err != nil {
			return nil, err
		}
	} else {
		s.mu.Lock()
		s.accepted[batch.ID] = batch
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(s.ctx, batch)
		}()
	}

	s.logger.Info("Batch accepted",
		logger.String("batch_id", batch.ID),
		logger.String("mode", s.config.Mode),
		logger.Int("count", req.Count),
		logger.Int("chunks", len(chunks)),
	)
	return batch, nil
}

func (s *GenerationService) enqueue(ctx context.Context, batch *models.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	task := &queue.Task{
		ID:       batch.ID,
		Type:     queue.TaskTypeBatchGenerate,
		Priority: 2,
		Payload:  payload,
		Metadata: map[string]string{
			"count":       fmt.Sprintf("%d", batch.Request.Count),
			"requestedBy": batch.Request.RequestedBy,
		},
		CreatedAt: batch.CreatedAt,
	}
	// Saved first so the worker's own snapshots always win.
	if err := s.store.SaveState(ctx, pendingState(batch)); err != nil {
		s.logger.Warn("Failed to save initial batch state",
			logger.String("batch_id", batch.ID),
			logger.Error(err),
		)
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("Failed to enqueue batch",
			logger.String("batch_id", batch.ID),
			logger.Error(err),
		)
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return nil
}

func pendingState(batch *models.Batch) models.ProgressState {
	return models.ProgressState{
		BatchID:     batch.ID,
		Phase:       models.PhaseInitializing,
		TotalChunks: len(batch.Chunks),
		TotalItems:  batch.TotalItems(),
		StageStatus: map[string]models.AgentStatus{},
		StartedAt:   batch.CreatedAt,
		UpdatedAt:   batch.CreatedAt,
	}
}

// HandleBatch runs a queued batch in the worker process.
func (s *GenerationService) HandleBatch(ctx context.Context, payload []byte) error {
	var batch models.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	if batch.ID == "" || len(batch.Chunks) == 0 {
		return fmt.Errorf("invalid batch payload: missing id or chunks")
	}
	_, err := s.execute(ctx, &batch)
	return err
}

func (s *GenerationService) execute(ctx context.Context, batch *models.Batch) (*models.Summary, error) {
	defer func() {
		s.mu.Lock()
		delete(s.accepted, batch.ID)
		s.mu.Unlock()
	}()

	summary, err := s.coordinator.Run(ctx, batch)
	if summary != nil {
		s.writeReport(context.WithoutCancel(ctx), summary)
	}
	return summary, err
}

func (s *GenerationService) writeReport(ctx context.Context, summary *models.Summary) {
	if s.reports == nil {
		return
	}
	report, err := s.converter.Convert(summary)
	if err == nil {
		var data []byte
		if data, err = converters.Encode(report); err == nil {
			_, err = s.reports.Store(ctx, bytes.NewReader(data), converters.ReportKey(summary.BatchID), "application/json")
		}
	}
	if err != nil {
		s.logger.Warn("Failed to store batch report",
			logger.String("batch_id", summary.BatchID),
			logger.Error(err),
		)
	}
}

// GetStatus checks the local tracker, then the shared snapshot, then batches
// accepted but not yet started.
func (s *GenerationService) GetStatus(ctx context.Context, batchID string) (models.ProgressState, error) {
	if st, ok := s.tracker.Get(batchID); ok {
		return st, nil
	}
	if st, err := s.store.LoadState(ctx, batchID); err == nil {
		return st, nil
	} else if !errors.Is(err, progress.ErrBatchNotFound) {
		s.logger.Warn("Failed to load progress snapshot",
			logger.String("batch_id", batchID),
			logger.Error(err),
		)
	}

	s.mu.Lock()
	batch, ok := s.accepted[batchID]
	s.mu.Unlock()
	if ok {
		return pendingState(batch), nil
	}

	if s.queue != nil {
		if state, err := s.queue.TaskState(ctx, batchID); err == nil {
			s.logger.Debug("Batch known only to the queue",
				logger.String("batch_id", batchID),
				logger.String("state", state),
			)
			return models.ProgressState{
				BatchID:     batchID,
				Phase:       models.PhaseInitializing,
				StageStatus: map[string]models.AgentStatus{},
			}, nil
		}
	}
	return models.ProgressState{}, fmt.Errorf("%w: %s", progress.ErrBatchNotFound, batchID)
}

func (s *GenerationService) GetSummary(ctx context.Context, batchID string) (*models.Summary, error) {
	sum, err := s.store.LoadSummary(ctx, batchID)
	if err == nil {
		return sum, nil
	}
	if st, serr := s.GetStatus(ctx, batchID); serr == nil && !st.Phase.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrBatchRunning, batchID, st.Phase)
	}
	return nil, err
}

func (s *GenerationService) GetReport(ctx context.Context, batchID string) (io.ReadCloser, error) {
	if s.reports == nil {
		return nil, ErrReportUnavailable
	}
	if _, err := s.GetSummary(ctx, batchID); err != nil {
		return nil, err
	}
	r, err := s.reports.Get(ctx, converters.ReportKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// Subscribe registers an observer and replays what it missed: the terminal
// event of a finished batch, or the current state of a running one.
func (s *GenerationService) Subscribe(ctx context.Context, batchID string) (*progress.Subscription, error) {
	sub := s.broadcaster.Subscribe(batchID)

	var replay progress.Event
	if sum, err := s.store.LoadSummary(ctx, batchID); err == nil {
		if sum.Status == models.BatchFailed {
			replay = progress.NewErrorEvent(batchID, sum.Error, s.now())
		} else {
			replay = progress.NewCompleteEvent(sum, s.now())
		}
	} else {
		st, err := s.GetStatus(ctx, batchID)
		if err != nil {
			_ = s.broadcaster.Unsubscribe(sub.ID)
			return nil, err
		}
		replay = progress.NewProgressEvent(st, s.now())
	}

	// A live event published since Subscribe supersedes the snapshot, and a
	// live terminal event may already have closed the observer.
	sent, err := s.broadcaster.Replay(sub.ID, replay)
	if err != nil && !errors.Is(err, progress.ErrObserverNotFound) {
		s.logger.Warn("Failed to replay state to observer",
			logger.String("batch_id", batchID),
			logger.String("observer_id", sub.ID),
			logger.Error(err),
		)
	} else if err == nil && !sent {
		s.logger.Debug("Skipped stale replay",
			logger.String("batch_id", batchID),
			logger.String("observer_id", sub.ID),
		)
	}
	return sub, nil
}

func (s *GenerationService) Unsubscribe(observerID string) error {
	return s.broadcaster.Unsubscribe(observerID)
}

func (s *GenerationService) Touch(observerID string) error {
	return s.broadcaster.Touch(observerID)
}

func (s *GenerationService) Stats() progress.Stats {
	return s.broadcaster.Stats()
}

// Cleanup evicts finished batches older than the retention window and, when
// configured, old reports.
func (s *GenerationService) Cleanup(ctx context.Context) error {
	removed := s.tracker.Cleanup(s.config.Retention)
	s.store.Forget(removed...)

	if s.reports != nil && s.config.ReportRetention > 0 {
		threshold := s.now().Add(-s.config.ReportRetention)
		if err := s.reports.CleanupBefore(ctx, converters.ReportPrefix+"/", threshold); err != nil {
			return fmt.Errorf("failed to cleanup reports: %w", err)
		}
	}
	return nil
}

// Run drives the background loops until ctx is done.
func (s *GenerationService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.broadcaster.Run(ctx, s.config.SweepInterval, s.config.StaleAfter)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					s.logger.Warn("Cleanup failed", logger.Error(err))
				}
			}
		}
	})
	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(ctx) })
	}
	return g.Wait()
}

// Close cancels inline batches and waits for them to report.
func (s *GenerationService) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every inline batch has finished.
func (s *GenerationService) Wait() {
	s.wg.Wait()
}
