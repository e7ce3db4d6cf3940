package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/recipe-pipeline/internal/service/generation"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

type ObserverHandler struct {
	service generation.BatchGenerator
	logger  logger.Logger
}

func NewObserverHandler(service generation.BatchGenerator, log logger.Logger) *ObserverHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ObserverHandler{service: service, logger: log}
}

// Unsubscribe removes an observer before its batch ends.
func (h *ObserverHandler) Unsubscribe(c *gin.Context) {
	observerID := c.Param("observerId")
	if err := h.service.Unsubscribe(observerID); err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to unsubscribe", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Observer removed",
		"observerId": observerID,
	})
}

// Stats reports how many observers each batch has.
func (h *ObserverHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats())
}
