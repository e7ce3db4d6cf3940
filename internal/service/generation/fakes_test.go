package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/agent/concept"
	"github.com/feichai0017/recipe-pipeline/internal/agent/persist"
	"github.com/feichai0017/recipe-pipeline/internal/agent/validation"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func validDraft(name string) models.RecipeDraft {
	return models.RecipeDraft{
		Name:     name,
		Servings: 2,
		Nutrition: models.NutritionProfile{
			models.FieldCalories: 400, models.FieldProtein: 30,
			models.FieldCarbs: 40, models.FieldFat: 13,
		},
	}
}

// textGen answers each chunk call through fn; call is 1-based.
type textGen struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	fn      func(call, count int) ([]models.RecipeDraft, error)
}

func (g *textGen) Generate(_ context.Context, prompt string, _ models.TargetConstraints, count int) ([]models.RecipeDraft, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(call, count)
	}
	out := make([]models.RecipeDraft, count)
	for i := range out {
		out[i] = validDraft(fmt.Sprintf("Recipe %d-%d", call, i+1))
	}
	return out, nil
}

type memRepo struct {
	mu       sync.Mutex
	inserted []string
	failFor  map[string]bool
}

func (r *memRepo) Insert(_ context.Context, item *models.ContentItem) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[item.Name] {
		return "", errors.New("unique violation")
	}
	r.inserted = append(r.inserted, item.Name)
	return fmt.Sprintf("%d", len(r.inserted)), nil
}

func (r *memRepo) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inserted...)
}

// stubStage stands in for stages a test never runs.
type stubStage struct{ kind agent.Kind }

func (s stubStage) Kind() agent.Kind                           { return s.kind }
func (s stubStage) Execute(context.Context, *agent.Work) error { return nil }
func (s stubStage) Metrics() retry.Snapshot                    { return retry.Snapshot{Unit: string(s.kind)} }

func newFactory(t *testing.T, gen concept.Generator, repo persist.Repository) *agent.StageFactory {
	t.Helper()
	log := logger.NewNop()
	f, err := agent.NewStageFactory(log, map[agent.Kind]agent.Builder{
		agent.KindConcept: func() agent.Stage {
			return concept.NewStage(gen, retry.New("concept", retry.DefaultPolicy(), log, retry.WithSleep(noSleep)), log)
		},
		agent.KindValidation: func() agent.Stage {
			return validation.NewStage(validation.NewValidator(nil), log)
		},
		agent.KindImage:   func() agent.Stage { return stubStage{kind: agent.KindImage} },
		agent.KindStorage: func() agent.Stage { return stubStage{kind: agent.KindStorage} },
		agent.KindPersistence: func() agent.Stage {
			return persist.NewStage(repo, retry.DefaultPolicy(), log, retry.WithSleep(noSleep))
		},
	})
	require.NoError(t, err)
	return f
}

func newBatch(t *testing.T, id string, count, size int) *models.Batch {
	t.Helper()
	chunks, err := PlanChunks(count, size)
	require.NoError(t, err)
	return &models.Batch{
		ID:        id,
		Request:   models.GenerationRequest{Count: count, Categories: []string{"dinner"}},
		Chunks:    chunks,
		Status:    models.BatchRunning,
		CreatedAt: time.Now(),
	}
}

type harness struct {
	coordinator *Coordinator
	tracker     *progress.Tracker
	broadcaster *progress.Broadcaster
}

func newHarness(t *testing.T, gen concept.Generator, repo persist.Repository) *harness {
	t.Helper()
	tracker := progress.NewTracker(logger.NewNop())
	b := progress.NewBroadcaster(logger.NewNop(), progress.WithBuffer(256))
	return &harness{
		coordinator: NewCoordinator(newFactory(t, gen, repo), tracker, b, logger.NewNop()),
		tracker:     tracker,
		broadcaster: b,
	}
}

func collect(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var out []progress.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("subscription not closed after %d events", len(out))
			return out
		}
	}
}

type memReports struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memReports) Store(_ context.Context, r io.Reader, key, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return key, nil
}

func (m *memReports) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memReports) CleanupBefore(_ context.Context, prefix string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}
