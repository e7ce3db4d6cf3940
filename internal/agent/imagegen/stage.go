package imagegen

import (
	"context"
	"fmt"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Image is one generated picture as returned by the image service.
type Image struct {
	Data        []byte
	ContentType string
	URL         string
}

// Generator is the image-generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Image, error)
}

// Config controls duplicate handling.
type Config struct {
	// Threshold is the similarity at or above which an image is a duplicate.
	Threshold float64 `yaml:"duplicateThreshold"`
	// Attempts is how many distinct images are tried per item.
	Attempts int `yaml:"duplicateAttempts"`
	// Placeholder is used when the service cannot produce any image.
	Placeholder string `yaml:"placeholderImage"`
}

func (c Config) normalized() Config {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.95
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// Stage generates one image per item and rejects near duplicates.
type Stage struct {
	gen    Generator
	unit   *retry.Unit
	fp     *Fingerprinter
	config Config
	logger logger.Logger
}

var _ agent.Stage = (*Stage)(nil)

// NewStage builds the image stage; fp may be nil for the default chain.
func NewStage(gen Generator, unit *retry.Unit, fp *Fingerprinter, config Config, log logger.Logger) *Stage {
	if fp == nil {
		fp = NewFingerprinter(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Stage{
		gen:    gen,
		unit:   unit,
		fp:     fp,
		config: config.normalized(),
		logger: log.Named("imagegen"),
	}
}

func (s *Stage) Kind() agent.Kind { return agent.KindImage }

func (s *Stage) Metrics() retry.Snapshot { return s.unit.Metrics() }

// Execute never fails items: the worst outcome is a placeholder image.
func (s *Stage) Execute(ctx context.Context, w *agent.Work) error {
	history := w.History
	if history == nil {
		history = NewBatchHistory()
		w.History = history
	}
	for _, item := range w.Active() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.process(ctx, w, history, item)
	}
	return nil
}

func (s *Stage) process(ctx context.Context, w *agent.Work, history agent.History, item *models.ContentItem) {
	base := BuildPrompt(item)
	var best *models.ImageCandidate

	for attempt := 1; attempt <= s.config.Attempts; attempt++ {
		prompt := Reseed(base, item, attempt)
		cand, err := s.generate(ctx, item, prompt, attempt)
		if err != nil {
			if best != nil {
				break
			}
			s.fallback(w, item, err)
			return
		}

		sim, err := history.MaxSimilarity(ctx, cand.Fingerprint)
		if err != nil {
			s.logger.Warn("Duplicate check failed, accepting image",
				logger.String("item_id", item.ID),
				logger.Error(err),
			)
			sim = 0
		}
		cand.Similarity = sim

		if sim < s.config.Threshold {
			s.accept(ctx, w, history, item, cand)
			return
		}

		s.logger.Info("Duplicate image rejected",
			logger.String("batch_id", w.BatchID),
			logger.String("item_id", item.ID),
			logger.Int("attempt", attempt),
			logger.Float64("similarity", sim),
		)
		if best == nil || cand.Similarity < best.Similarity {
			best = cand
		}
	}

	// Every attempt collided; keep the least similar one.
	item.Flags.SoftDuplicate = true
	w.Tally.SoftDuplicates++
	s.logger.Warn("Accepting duplicate image after exhausting attempts",
		logger.String("batch_id", w.BatchID),
		logger.String("item_id", item.ID),
		logger.Float64("similarity", best.Similarity),
	)
	s.accept(ctx, w, history, item, best)
}

func (s *Stage) generate(ctx context.Context, item *models.ContentItem, prompt string, attempt int) (*models.ImageCandidate, error) {
	return retry.Do(ctx, s.unit, "generate_image", func(ctx context.Context) (*models.ImageCandidate, error) {
		img, err := s.gen.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		fp, err := s.fp.FromBytes(img.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint image: %w", err)
		}
		contentType := ContentType(img.Data, img.ContentType)
		tempURL := img.URL
		if tempURL == "" {
			tempURL = DataURI(contentType, img.Data)
		}
		return &models.ImageCandidate{
			ItemID:       item.ID,
			Data:         img.Data,
			ContentType:  contentType,
			TemporaryURL: tempURL,
			Prompt:       prompt,
			Attempt:      attempt,
			Fingerprint:  fp,
		}, nil
	})
}

func (s *Stage) accept(ctx context.Context, w *agent.Work, history agent.History, item *models.ContentItem, cand *models.ImageCandidate) {
	if err := history.Remember(ctx, cand.Fingerprint); err != nil {
		s.logger.Warn("Failed to remember fingerprint",
			logger.String("item_id", item.ID),
			logger.Error(err),
		)
	}
	item.Fingerprint = cand.Fingerprint
	item.ImagePrompt = cand.Prompt
	item.ImageURL = cand.TemporaryURL
	item.ImageRef = models.ImageRefTemporary
	w.Images[item.ID] = cand
	w.Tally.ImagesGenerated++
	item.Advance(models.ItemImaged)
}

func (s *Stage) fallback(w *agent.Work, item *models.ContentItem, err error) {
	s.logger.Error("Image generation failed, using placeholder",
		logger.String("batch_id", w.BatchID),
		logger.String("item_id", item.ID),
		logger.Error(err),
	)
	item.Flags.ImageFallback = true
	item.ImageURL = s.config.Placeholder
	if s.config.Placeholder != "" {
		item.ImageRef = models.ImageRefPlaceholder
	}
	w.Tally.ImageFallbacks++
	item.Advance(models.ItemImaged)
}
