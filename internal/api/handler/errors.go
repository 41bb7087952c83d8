package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/userstate"
)

// respondError maps service errors to HTTP responses. Anything unexpected is logged and
// reported without detail.
func respondError(c *gin.Context, logger *slog.Logger, op string, err error) {
	var validationErr *jobs.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
	case errors.Is(err, userstate.ErrInvalidUserKey),
		errors.Is(err, userstate.ErrInvalidState),
		errors.Is(err, jobs.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
	default:
		logger.Error("Request failed",
			slog.String("op", op),
			slog.Any("error", err),
		)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to " + op,
		})
	}
}
