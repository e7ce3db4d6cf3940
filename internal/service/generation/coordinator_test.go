package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

func TestPlanChunks(t *testing.T) {
	for _, tc := range []struct {
		count, size int
		want        []int
	}{
		{10, 5, []int{5, 5}},
		{11, 5, []int{5, 5, 1}},
		{3, 5, []int{3}},
		{7, 0, []int{5, 2}},
		{1, 1, []int{1}},
	} {
		chunks, err := PlanChunks(tc.count, tc.size)
		require.NoError(t, err)

		sizes := make([]int, len(chunks))
		sum := 0
		for i, c := range chunks {
			sizes[i] = c.Size
			sum += c.Size
			assert.Equal(t, i+1, c.Index)
		}
		assert.Equal(t, tc.want, sizes, "count=%d size=%d", tc.count, tc.size)
		assert.Equal(t, tc.count, sum)
	}

	_, err := PlanChunks(0, 5)
	assert.Error(t, err)
}

func TestCoordinator_TwoChunks(t *testing.T) {
	gen := &textGen{}
	repo := &memRepo{}
	h := newHarness(t, gen, repo)
	sub := h.broadcaster.Subscribe("batch-a")

	summary, err := h.coordinator.Run(context.Background(), newBatch(t, "batch-a", 10, 5))
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, models.BatchComplete, summary.Status)
	require.Len(t, summary.Chunks, 2)
	assert.Equal(t, 5, summary.Chunks[0].Requested)
	assert.Equal(t, 5, summary.Chunks[1].Requested)
	assert.LessOrEqual(t, len(summary.ItemsSucceeded), 10)
	assert.Len(t, summary.ItemsSucceeded, 10)
	assert.Empty(t, summary.ItemsFailed)
	assert.Equal(t, models.ValidationStats{Validated: 10}, summary.Validation)
	assert.Equal(t, 2, gen.calls)
	assert.Len(t, repo.names(), 10)
	for _, o := range summary.ItemsSucceeded {
		assert.Equal(t, models.ItemPersisted, o.State)
		assert.NotEmpty(t, o.RecordID)
	}

	stages := make([]string, 0, len(summary.Stages))
	for _, s := range summary.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"concept", "validation", "persistence"}, stages)

	// Chunk 2 was told about the recipes of chunk 1.
	require.Len(t, gen.prompts, 2)
	assert.NotContains(t, gen.prompts[0], "Do not repeat")
	assert.Contains(t, gen.prompts[1], "Recipe 1-1")

	st, ok := h.tracker.Get("batch-a")
	require.True(t, ok)
	assert.Equal(t, models.PhaseComplete, st.Phase)
	assert.Equal(t, 10, st.ItemsCompleted)

	events := collect(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, progress.EventSubscribed, events[0].Type)
	assert.Equal(t, progress.EventComplete, events[len(events)-1].Type)

	last := 0
	sawChunk2 := false
	for _, e := range events[1 : len(events)-1] {
		require.Equal(t, progress.EventProgress, e.Type)
		var p progress.ProgressPayload
		require.NoError(t, json.Unmarshal(e.Data, &p))
		assert.GreaterOrEqual(t, p.ItemsCompleted, last, "itemsCompleted never decreases")
		assert.LessOrEqual(t, p.ItemsCompleted, 10)
		last = p.ItemsCompleted
		assert.Equal(t, 2, p.TotalChunks)
		if p.CurrentChunk == 2 {
			sawChunk2 = true
		}
	}
	assert.True(t, sawChunk2)

	var done progress.CompletePayload
	require.NoError(t, json.Unmarshal(events[len(events)-1].Data, &done))
	assert.True(t, done.Success)
	assert.Len(t, done.ItemsSucceeded, 10)
}

func TestCoordinator_InvalidItemNeverPersisted(t *testing.T) {
	gen := &textGen{fn: func(call, count int) ([]models.RecipeDraft, error) {
		out := make([]models.RecipeDraft, count)
		for i := range out {
			out[i] = validDraft(fmt.Sprintf("Recipe %d-%d", call, i+1))
		}
		delete(out[1].Nutrition, models.FieldCalories)
		out[1].Name = "Broken"
		return out, nil
	}}
	repo := &memRepo{}
	h := newHarness(t, gen, repo)

	summary, err := h.coordinator.Run(context.Background(), newBatch(t, "b", 5, 5))
	require.NoError(t, err)

	assert.Len(t, summary.ItemsSucceeded, 4)
	require.Len(t, summary.ItemsFailed, 1)
	assert.Equal(t, "Broken", summary.ItemsFailed[0].Name)
	assert.Equal(t, "validation", summary.ItemsFailed[0].Stage)
	assert.Equal(t, 1, summary.Validation.Failed)
	assert.NotContains(t, repo.names(), "Broken")
}

func TestCoordinator_ChunkFailureIsIsolated(t *testing.T) {
	gen := &textGen{fn: func(call, count int) ([]models.RecipeDraft, error) {
		if call == 1 {
			return nil, retry.Permanent(fmt.Errorf("model not found"))
		}
		out := make([]models.RecipeDraft, count)
		for i := range out {
			out[i] = validDraft(fmt.Sprintf("Recipe %d-%d", call, i+1))
		}
		return out, nil
	}}
	h := newHarness(t, gen, &memRepo{})

	summary, err := h.coordinator.Run(context.Background(), newBatch(t, "b", 8, 5))
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Len(t, summary.ItemsSucceeded, 3)
	require.Len(t, summary.ItemsFailed, 5)
	for i, o := range summary.ItemsFailed {
		assert.Equal(t, fmt.Sprintf("chunk-1-slot-%d", i+1), o.ID)
		assert.Equal(t, "chunk", o.Stage)
		assert.Contains(t, o.Reason, "model not found")
	}
	require.Len(t, summary.Chunks, 2)
	assert.NotEmpty(t, summary.Chunks[0].Error)
	assert.Empty(t, summary.Chunks[1].Error)

	st, _ := h.tracker.Get("b")
	assert.Equal(t, models.PhaseComplete, st.Phase)
	assert.Equal(t, 8, st.ItemsCompleted)
	assert.Equal(t, models.AgentComplete, st.StageStatus["concept"])
}

func TestCoordinator_AllChunksFailed(t *testing.T) {
	gen := &textGen{fn: func(int, int) ([]models.RecipeDraft, error) {
		return nil, fmt.Errorf("connection refused")
	}}
	h := newHarness(t, gen, &memRepo{})
	sub := h.broadcaster.Subscribe("b")

	summary, err := h.coordinator.Run(context.Background(), newBatch(t, "b", 10, 5))
	require.ErrorIs(t, err, ErrAllChunksFailed)

	assert.False(t, summary.Success)
	assert.Equal(t, models.BatchFailed, summary.Status)
	assert.Len(t, summary.ItemsFailed, 10)
	// Three attempts per chunk.
	assert.Equal(t, 6, gen.calls)

	st, _ := h.tracker.Get("b")
	assert.Equal(t, models.PhaseError, st.Phase)
	assert.Contains(t, st.Error, "connection refused")

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, progress.EventError, last.Type)
	var p progress.ErrorPayload
	require.NoError(t, json.Unmarshal(last.Data, &p))
	assert.Equal(t, models.PhaseError, p.Phase)
}

func TestCoordinator_PersistenceFailureFailsOnlyThatItem(t *testing.T) {
	repo := &memRepo{failFor: map[string]bool{"Recipe 1-2": true}}
	h := newHarness(t, &textGen{}, repo)

	summary, err := h.coordinator.Run(context.Background(), newBatch(t, "b", 5, 5))
	require.NoError(t, err)

	assert.Len(t, summary.ItemsSucceeded, 4)
	require.Len(t, summary.ItemsFailed, 1)
	assert.Equal(t, "persistence", summary.ItemsFailed[0].Stage)
	assert.Equal(t, 1, summary.Chunks[0].PersistFailures)
}

func TestCoordinator_CancelledBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &textGen{}
	gen.fn = func(call, count int) ([]models.RecipeDraft, error) {
		cancel()
		out := make([]models.RecipeDraft, count)
		for i := range out {
			out[i] = validDraft(fmt.Sprintf("Recipe %d-%d", call, i+1))
		}
		return out, nil
	}
	h := newHarness(t, gen, &memRepo{})

	summary, err := h.coordinator.Run(ctx, newBatch(t, "b", 10, 5))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.BatchFailed, summary.Status)
	assert.Len(t, summary.ItemsFailed, 10)
	assert.Equal(t, 1, gen.calls)

	st, _ := h.tracker.Get("b")
	assert.Equal(t, models.PhaseError, st.Phase)
}

func TestCoordinator_UnsubscribeDoesNotChangeSummary(t *testing.T) {
	run := func(observe bool) *models.Summary {
		h := newHarness(t, &textGen{}, &memRepo{})
		if observe {
			sub := h.broadcaster.Subscribe("b")
			gen := &textGen{}
			gen.fn = func(call, count int) ([]models.RecipeDraft, error) {
				if call == 1 {
					require.NoError(t, h.broadcaster.Unsubscribe(sub.ID))
				}
				out := make([]models.RecipeDraft, count)
				for i := range out {
					out[i] = validDraft(fmt.Sprintf("Recipe %d-%d", call, i+1))
				}
				return out, nil
			}
			h.coordinator = NewCoordinator(newFactory(t, gen, &memRepo{}), h.tracker, h.broadcaster, nil)
		}
		summary, err := h.coordinator.Run(context.Background(), newBatch(t, "b", 10, 5))
		require.NoError(t, err)
		return summary
	}

	observed, unobserved := run(true), run(false)
	assert.Equal(t, len(unobserved.ItemsSucceeded), len(observed.ItemsSucceeded))
	assert.Equal(t, len(unobserved.ItemsFailed), len(observed.ItemsFailed))
	assert.Equal(t, unobserved.Validation, observed.Validation)
}

func TestCoordinator_SavesSnapshots(t *testing.T) {
	rec := &recordingStore{}
	tracker := progress.NewTracker(nil)
	c := NewCoordinator(newFactory(t, &textGen{}, &memRepo{}), tracker, nil, nil, WithStateStore(rec))

	_, err := c.Run(context.Background(), newBatch(t, "b", 5, 5))
	require.NoError(t, err)

	require.NotEmpty(t, rec.states)
	assert.Equal(t, models.PhaseInitializing, rec.states[0].Phase)
	assert.Equal(t, models.PhaseComplete, rec.states[len(rec.states)-1].Phase)
	require.NotNil(t, rec.summary)
	assert.Equal(t, "b", rec.summary.BatchID)
	assert.True(t, rec.summary.Success)
}

type recordingStore struct {
	states  []models.ProgressState
	summary *models.Summary
}

func (r *recordingStore) SaveState(_ context.Context, st models.ProgressState) error {
	r.states = append(r.states, st)
	return nil
}

func (r *recordingStore) SaveSummary(_ context.Context, s *models.Summary) error {
	if strings.TrimSpace(s.BatchID) == "" {
		return fmt.Errorf("empty batch id")
	}
	r.summary = s
	return nil
}
