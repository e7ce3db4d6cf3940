package concept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

var (
	// ErrShortResponse means the service returned fewer recipes than asked for.
	ErrShortResponse = errors.New("text generation returned too few recipes")
	// ErrMalformedResponse means the service output could not be parsed.
	ErrMalformedResponse = errors.New("text generation returned malformed output")
)

// Generator is the text-generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string, constraints models.TargetConstraints, count int) ([]models.RecipeDraft, error)
}

// Stage drafts a chunk worth of recipes with one service call per chunk.
type Stage struct {
	gen    Generator
	unit   *retry.Unit
	logger logger.Logger
	newID  func() string
	now    func() time.Time
}

var _ agent.Stage = (*Stage)(nil)

// Option customises the stage.
type Option func(*Stage)

// WithIDFunc overrides item id generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Stage) { s.newID = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Stage) { s.now = now }
}

// NewStage builds the concept stage around gen.
func NewStage(gen Generator, unit *retry.Unit, log logger.Logger, opts ...Option) *Stage {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Stage{
		gen:    gen,
		unit:   unit,
		logger: log.Named("concept"),
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Kind() agent.Kind { return agent.KindConcept }

func (s *Stage) Metrics() retry.Snapshot { return s.unit.Metrics() }

// Execute fills w.Items with exactly w.Chunk.Size drafts or fails the chunk.
func (s *Stage) Execute(ctx context.Context, w *agent.Work) error {
	want := w.Chunk.Size
	prompt := BuildPrompt(w.Request, want, w.Exclude)

	drafts, err := retry.Do(ctx, s.unit, "generate_chunk", func(ctx context.Context) ([]models.RecipeDraft, error) {
		out, err := s.gen.Generate(ctx, prompt, w.Request.Constraints, want)
		if err != nil {
			return nil, err
		}
		if len(out) < want {
			return nil, fmt.Errorf("%w: got %d of %d", ErrShortResponse, len(out), want)
		}
		return out[:want], nil
	})
	if err != nil {
		s.logger.Error("Chunk generation failed",
			logger.String("batch_id", w.BatchID),
			logger.Int("chunk", w.Chunk.Index),
			logger.Error(err),
		)
		return fmt.Errorf("failed to generate chunk %d: %w", w.Chunk.Index, err)
	}

	w.Items = make([]*models.ContentItem, 0, len(drafts))
	for _, d := range drafts {
		w.Items = append(w.Items, s.toItem(w, d))
	}
	w.Tally.Drafted = len(w.Items)

	s.logger.Info("Chunk drafted",
		logger.String("batch_id", w.BatchID),
		logger.Int("chunk", w.Chunk.Index),
		logger.Int("items", len(w.Items)),
	)
	return nil
}

func (s *Stage) toItem(w *agent.Work, d models.RecipeDraft) *models.ContentItem {
	nutrition := d.Nutrition.Clone()
	category := strings.TrimSpace(d.Category)
	if category == "" && len(w.Request.Categories) > 0 {
		category = w.Request.Categories[0]
	}
	return &models.ContentItem{
		ID:          s.newID(),
		BatchID:     w.BatchID,
		ChunkIndex:  w.Chunk.Index,
		Name:        strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Description),
		Category:    category,
		Cuisine:     strings.TrimSpace(d.Cuisine),
		Tags:        d.Tags,
		Ingredients: d.Ingredients,
		Steps:       d.Steps,
		Servings:    d.Servings,
		PrepMinutes: d.PrepMinutes,
		Nutrition:   nutrition,
		State:       models.ItemDraft,
		CreatedAt:   s.now(),
	}
}
