package generation

import (
	"context"
	"io"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
)

type BatchGenerator interface {
	CreateBatch(ctx context.Context, req models.GenerationRequest) (*models.Batch, error)
	GetStatus(ctx context.Context, batchID string) (models.ProgressState, error)
	GetSummary(ctx context.Context, batchID string) (*models.Summary, error)
	GetReport(ctx context.Context, batchID string) (io.ReadCloser, error)
	Subscribe(ctx context.Context, batchID string) (*progress.Subscription, error)
	Unsubscribe(observerID string) error
	Touch(observerID string) error
	Stats() progress.Stats
	HandleBatch(ctx context.Context, payload []byte) error
}
