package validation

import (
	"context"
	"sync"
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Stage runs the validator over a chunk. It never retries and never fails
// the chunk.
type Stage struct {
	validator *Validator
	logger    logger.Logger

	mu      sync.Mutex
	metrics retry.OpMetrics
}

var _ agent.Stage = (*Stage)(nil)

// NewStage wraps validator; nil means default rules.
func NewStage(validator *Validator, log logger.Logger) *Stage {
	if validator == nil {
		validator = NewValidator(nil)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Stage{validator: validator, logger: log.Named("validation")}
}

func (s *Stage) Kind() agent.Kind { return agent.KindValidation }

// Metrics reports one call per item checked.
func (s *Stage) Metrics() retry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry.Snapshot{
		Unit: string(agent.KindValidation),
		Ops:  map[string]retry.OpMetrics{"validate": s.metrics},
	}
}

func (s *Stage) Execute(_ context.Context, w *agent.Work) error {
	start := time.Now()
	var stats models.ValidationStats

	for _, item := range w.Active() {
		res := s.validator.Validate(item, w.Request.Constraints)
		if !res.IsValid {
			item.Fail(string(agent.KindValidation), res.Reason())
			stats.Failed++
			s.logger.Warn("Item failed validation",
				logger.String("batch_id", w.BatchID),
				logger.String("item_id", item.ID),
				logger.String("name", item.Name),
				logger.String("reason", res.Reason()),
			)
			continue
		}
		if res.AutoFixed() {
			item.Flags.AutoFixed = true
			stats.AutoFixed++
			s.logger.Info("Item auto-fixed",
				logger.String("batch_id", w.BatchID),
				logger.String("item_id", item.ID),
				logger.Int("fixes", len(res.Fixes)),
			)
		}
		stats.Validated++
		item.Advance(models.ItemValidated)
	}

	w.Tally.Validation.Add(stats)

	s.mu.Lock()
	n := stats.Validated + stats.Failed
	s.metrics.Calls += n
	s.metrics.Attempts += n
	s.metrics.Successes += stats.Validated
	s.metrics.Failures += stats.Failed
	if n > 0 {
		s.metrics.MaxAttempts = 1
	}
	s.metrics.TotalLatency += time.Since(start)
	s.mu.Unlock()
	return nil
}
