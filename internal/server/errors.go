package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rag-gateway/internal/models"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/workerpool"
)

// statusFor maps pipeline errors to client error statuses. Anything not
// recognised is reported as a bad request.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrEmbeddingUnavailable),
		errors.Is(err, models.ErrIndexUnavailable),
		errors.Is(err, models.ErrGenerationFailed),
		errors.Is(err, models.ErrTokenizerUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrClosed):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, rag.ErrBriefNotConfigured):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	zerolog.Ctx(c.Request.Context()).Debug().Err(err).Int("status", status).Msg("Request failed")
	c.String(status, "Error: "+err.Error())
}
