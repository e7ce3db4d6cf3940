package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/internal/service/generation"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generation.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, progress.ErrBatchNotFound), errors.Is(err, progress.ErrObserverNotFound):
		return http.StatusNotFound
	case errors.Is(err, generation.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, generation.ErrReportUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func handleError(c *gin.Context, log logger.Logger, status int, message string, err error) {
	log = logger.FromContext(c.Request.Context(), log)
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Debug(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.AbortWithStatusJSON(status, response)
}
