package handlers

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/internal/service/generation"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

const defaultHeartbeat = 15 * time.Second

type BatchHandler struct {
	service   generation.BatchGenerator
	heartbeat time.Duration
	logger    logger.Logger
}

// CreateResponse is returned when a batch is accepted.
type CreateResponse struct {
	BatchID    string         `json:"batchId"`
	Status     string         `json:"status"`
	TotalItems int            `json:"totalItems"`
	Chunks     []models.Chunk `json:"chunks"`
	CreatedAt  string         `json:"createdAt"`
	StatusURL  string         `json:"statusUrl"`
	EventsURL  string         `json:"eventsUrl"`
}

func NewBatchHandler(service generation.BatchGenerator, heartbeat time.Duration, log logger.Logger) *BatchHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &BatchHandler{
		service:   service,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// CreateBatch accepts a generation request.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req models.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	batch, err := h.service.CreateBatch(c.Request.Context(), req)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to create batch", err)
		return
	}

	base := "/api/v1/batches/" + batch.ID
	c.JSON(http.StatusAccepted, CreateResponse{
		BatchID:    batch.ID,
		Status:     string(batch.Status),
		TotalItems: batch.TotalItems(),
		Chunks:     batch.Chunks,
		CreatedAt:  batch.CreatedAt.Format(time.RFC3339),
		StatusURL:  base,
		EventsURL:  base + "/events",
	})
}

// GetStatus returns the current ProgressState.
func (h *BatchHandler) GetStatus(c *gin.Context) {
	batchID := c.Param("batchId")
	st, err := h.service.GetStatus(c.Request.Context(), batchID)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetSummary returns the summary of a finished batch.
func (h *BatchHandler) GetSummary(c *gin.Context) {
	batchID := c.Param("batchId")
	sum, err := h.service.GetSummary(c.Request.Context(), batchID)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get summary", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// DownloadReport serves the stored JSON report.
func (h *BatchHandler) DownloadReport(c *gin.Context) {
	batchID := c.Param("batchId")
	r, err := h.service.GetReport(c.Request.Context(), batchID)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get report", err)
		return
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		handleError(c, h.logger, http.StatusInternalServerError, "Failed to read report", err)
		return
	}

	filename := fmt.Sprintf("report_%s.json", batchID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/json", data)
}

// StreamEvents pushes progress events over server-sent events until the
// batch ends or the client goes away.
func (h *BatchHandler) StreamEvents(c *gin.Context) {
	batchID := c.Param("batchId")
	ctx := c.Request.Context()

	sub, err := h.service.Subscribe(ctx, batchID)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to subscribe", err)
		return
	}
	// Already gone after a terminal event.
	defer func() { _ = h.service.Unsubscribe(sub.ID) }()

	ctx = logger.WithContext(ctx, logger.ContextFields{BatchID: batchID, ObserverID: sub.ID})
	log := logger.FromContext(ctx, h.logger)
	log.Debug("Observer connected")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Observer-ID", sub.ID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	sent := 0
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.Events:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			sent++
			return !e.Terminal()
		case <-ticker.C:
			if err := h.service.Touch(sub.ID); err != nil {
				return false
			}
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
	log.Debug("Observer disconnected", logger.Int("events", sent))
}
