package handlers

import (
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/service/generation"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

type Handlers struct {
	Batch    *BatchHandler
	Observer *ObserverHandler
}

func NewHandlers(
	service generation.BatchGenerator,
	heartbeat time.Duration,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Batch:    NewBatchHandler(service, heartbeat, logger),
		Observer: NewObserverHandler(service, logger),
	}
}
