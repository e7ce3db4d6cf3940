package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/pkg/converters"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/queue"
)

func newTestService(t *testing.T, deps Deps, cfg ServiceConfig) *GenerationService {
	t.Helper()
	if deps.Factory == nil {
		deps.Factory = newFactory(t, &textGen{}, &memRepo{})
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(logger.NewNop())
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = progress.NewBroadcaster(logger.NewNop(), progress.WithBuffer(256))
	}
	s, err := NewService(deps, cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestService_InlineBatch(t *testing.T) {
	reports := &memReports{}
	s := newTestService(t, Deps{Reports: reports}, ServiceConfig{})

	batch, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 7})
	require.NoError(t, err)
	require.Len(t, batch.Chunks, 2)
	s.Wait()

	st, err := s.GetStatus(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, st.Phase)
	assert.Equal(t, 7, st.ItemsCompleted)

	sum, err := s.GetSummary(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Len(t, sum.ItemsSucceeded, 7)

	r, err := s.GetReport(context.Background(), batch.ID)
	require.NoError(t, err)
	defer r.Close()
	var report converters.BatchReport
	require.NoError(t, json.NewDecoder(r).Decode(&report))
	assert.Equal(t, batch.ID, report.BatchID)
	assert.Equal(t, 7, report.Metadata.Succeeded)

	require.NoError(t, s.Cleanup(context.Background()))
}

func TestService_RejectsInvalidRequest(t *testing.T) {
	s := newTestService(t, Deps{}, ServiceConfig{})
	_, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.CreateBatch(context.Background(), models.GenerationRequest{Count: 3, StoreImages: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_UnknownBatch(t *testing.T) {
	s := newTestService(t, Deps{}, ServiceConfig{})

	_, err := s.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, progress.ErrBatchNotFound)

	_, err = s.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, progress.ErrBatchNotFound)
	assert.Zero(t, s.Stats().TotalObservers, "failed subscribe leaves no observer behind")

	_, err = s.GetReport(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrReportUnavailable)
}

func TestService_LateSubscriberGetsTerminalEvent(t *testing.T) {
	s := newTestService(t, Deps{}, ServiceConfig{})
	batch, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 5})
	require.NoError(t, err)
	s.Wait()

	sub, err := s.Subscribe(context.Background(), batch.ID)
	require.NoError(t, err)

	events := collect(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, progress.EventSubscribed, events[0].Type)
	assert.Equal(t, progress.EventComplete, events[1].Type)
	assert.Zero(t, s.Stats().TotalObservers)
}

func TestService_ObserverSeesWholeBatch(t *testing.T) {
	release := make(chan struct{})
	gen := &textGen{}
	gen.fn = func(call, count int) ([]models.RecipeDraft, error) {
		if call == 1 {
			<-release
		}
		out := make([]models.RecipeDraft, count)
		for i := range out {
			out[i] = validDraft("Dish " + string(rune('A'+call)) + string(rune('a'+i)))
		}
		return out, nil
	}
	s := newTestService(t, Deps{Factory: newFactory(t, gen, &memRepo{})}, ServiceConfig{})

	batch, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 10})
	require.NoError(t, err)

	sub, err := s.Subscribe(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().TotalObservers)
	close(release)

	events := collect(t, sub)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, progress.EventSubscribed, events[0].Type)
	assert.Equal(t, progress.EventProgress, events[1].Type, "current state replayed on subscribe")
	assert.Equal(t, progress.EventComplete, events[len(events)-1].Type)
}

func TestService_Unsubscribe(t *testing.T) {
	s := newTestService(t, Deps{}, ServiceConfig{})
	assert.ErrorIs(t, s.Unsubscribe("missing"), progress.ErrObserverNotFound)
	assert.ErrorIs(t, s.Touch("missing"), progress.ErrObserverNotFound)
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) TaskState(_ context.Context, taskID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == taskID {
			return "pending", nil
		}
	}
	return "", queue.ErrTaskNotFound
}

func (q *fakeQueue) Close() error { return nil }

func TestService_QueueMode(t *testing.T) {
	q := &fakeQueue{}
	server := newTestService(t, Deps{Queue: q}, ServiceConfig{Mode: config.ModeQueue})

	batch, err := server.CreateBatch(context.Background(), models.GenerationRequest{Count: 6, ChunkSize: 3})
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, queue.TaskTypeBatchGenerate, task.Type)
	assert.Equal(t, batch.ID, task.ID)

	st, err := server.GetStatus(context.Background(), batch.ID)
	require.NoError(t, err, "queue knows the batch before a worker picks it up")
	assert.Equal(t, models.PhaseInitializing, st.Phase)

	worker := newTestService(t, Deps{}, ServiceConfig{})
	require.NoError(t, worker.HandleBatch(context.Background(), task.Payload))

	sum, err := worker.GetSummary(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Len(t, sum.ItemsSucceeded, 6)
	assert.Len(t, sum.Chunks, 2)

	assert.Error(t, worker.HandleBatch(context.Background(), []byte(`{"id":""}`)))
	assert.Error(t, worker.HandleBatch(context.Background(), []byte(`not json`)))
}

func TestService_QueueModeEnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis down")}
	s := newTestService(t, Deps{Queue: q}, ServiceConfig{Mode: config.ModeQueue})

	_, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 2})
	assert.ErrorContains(t, err, "redis down")
}

func TestService_RequiresQueueInQueueMode(t *testing.T) {
	_, err := NewService(Deps{
		Factory:     newFactory(t, &textGen{}, &memRepo{}),
		Tracker:     progress.NewTracker(nil),
		Broadcaster: progress.NewBroadcaster(nil),
	}, ServiceConfig{Mode: config.ModeQueue}, nil)
	assert.Error(t, err)
}

func TestService_SummaryWhileRunning(t *testing.T) {
	release := make(chan struct{})
	gen := &textGen{}
	gen.fn = func(call, count int) ([]models.RecipeDraft, error) {
		<-release
		out := make([]models.RecipeDraft, count)
		for i := range out {
			out[i] = validDraft("Dish " + string(rune('a'+i)))
		}
		return out, nil
	}
	s := newTestService(t, Deps{Factory: newFactory(t, gen, &memRepo{})}, ServiceConfig{})

	batch, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 2})
	require.NoError(t, err)

	_, err = s.GetSummary(context.Background(), batch.ID)
	assert.ErrorIs(t, err, ErrBatchRunning)
	close(release)
	s.Wait()

	_, err = s.GetSummary(context.Background(), batch.ID)
	assert.NoError(t, err)
}

func TestService_ChunkSizeCapped(t *testing.T) {
	s := newTestService(t, Deps{}, ServiceConfig{ChunkSize: 5})

	_, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 500, ChunkSize: 500})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.CreateBatch(context.Background(), models.GenerationRequest{Count: 20, ChunkSize: 6})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	batch, err := s.CreateBatch(context.Background(), models.GenerationRequest{Count: 7, ChunkSize: 2})
	require.NoError(t, err)
	assert.Len(t, batch.Chunks, 4)

	batch, err = s.CreateBatch(context.Background(), models.GenerationRequest{Count: 12})
	require.NoError(t, err)
	for _, c := range batch.Chunks {
		assert.LessOrEqual(t, c.Size, 5)
	}
	s.Wait()
}
