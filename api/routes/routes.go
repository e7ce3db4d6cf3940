package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/recipe-pipeline/api/handlers"
	"github.com/feichai0017/recipe-pipeline/api/middleware"
)

// SetupRoutes registers every route on r.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.RequestID(), middleware.CORS())

	v1 := r.Group("/api/v1")

	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	batches := v1.Group("/batches")
	{
		batches.POST("", h.Batch.CreateBatch)
		batches.GET("/:batchId", h.Batch.GetStatus)
		batches.GET("/:batchId/summary", h.Batch.GetSummary)
		batches.GET("/:batchId/events", h.Batch.StreamEvents)
		batches.GET("/:batchId/report", h.Batch.DownloadReport)
	}

	observers := v1.Group("/observers")
	{
		observers.GET("/stats", h.Observer.Stats)
		observers.DELETE("/:observerId", h.Observer.Unsubscribe)
	}
}
