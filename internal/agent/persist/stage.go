package persist

import (
	"context"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Repository is the system of record.
type Repository interface {
	Insert(ctx context.Context, item *models.ContentItem) (string, error)
}

// Stage writes finished items. Each item gets exactly one insert; a failure
// fails the item rather than risking a duplicate or partial write.
type Stage struct {
	repo   Repository
	unit   *retry.Unit
	logger logger.Logger
}

var _ agent.Stage = (*Stage)(nil)

// NewStage forces unit down to a single attempt.
func NewStage(repo Repository, policy retry.Policy, log logger.Logger, opts ...retry.Option) *Stage {
	if log == nil {
		log = logger.NewNop()
	}
	policy.MaxAttempts = 1
	return &Stage{
		repo:   repo,
		unit:   retry.New(string(agent.KindPersistence), policy, log, opts...),
		logger: log.Named("persist"),
	}
}

func (s *Stage) Kind() agent.Kind { return agent.KindPersistence }

func (s *Stage) Metrics() retry.Snapshot { return s.unit.Metrics() }

func (s *Stage) Execute(ctx context.Context, w *agent.Work) error {
	for _, item := range w.Active() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := retry.Do(ctx, s.unit, "insert", func(ctx context.Context) (string, error) {
			return s.repo.Insert(ctx, item)
		})
		if err != nil {
			item.Fail(string(agent.KindPersistence), err.Error())
			w.Tally.PersistFailures++
			s.logger.Error("Failed to persist item",
				logger.String("batch_id", w.BatchID),
				logger.String("item_id", item.ID),
				logger.Error(err),
			)
			continue
		}
		item.RecordID = id
		item.Advance(models.ItemPersisted)
	}
	return nil
}
