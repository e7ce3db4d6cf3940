package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/queue"
)

// BatchHandler runs one queued batch from its task payload.
type BatchHandler interface {
	HandleBatch(ctx context.Context, payload []byte) error
}

type BatchWorker struct {
	BaseWorker
	handler BatchHandler
}

func NewBatchWorker(cfg *Config, handler BatchHandler, log logger.Logger) *BatchWorker {
	if log == nil {
		log = logger.NewNop()
	}
	w := &BatchWorker{
		BaseWorker: newBaseWorker(cfg, log.Named("worker")),
		handler:    handler,
	}
	w.mux.HandleFunc(queue.TaskTypeBatchGenerate, w.handleBatch)
	return w
}

func (w *BatchWorker) handleBatch(ctx context.Context, t *asynq.Task) error {
	task, err := decodeTask(t)
	if err != nil {
		w.logger.Error("Dropping invalid batch task", logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("Processing batch task",
		logger.String("task_id", task.ID),
		logger.Any("metadata", task.Metadata),
	)

	if err := w.handler.HandleBatch(ctx, task.Payload); err != nil {
		if _, werr := t.ResultWriter().Write([]byte(fmt.Sprintf(`{"status":"failed","error":%q}`, err.Error()))); werr != nil {
			w.logger.Error("Failed to write task failure", logger.Error(werr))
		}
		return err
	}

	if _, err := t.ResultWriter().Write([]byte(`{"status":"completed"}`)); err != nil {
		w.logger.Error("Failed to write task completion", logger.Error(err))
	}
	return nil
}
