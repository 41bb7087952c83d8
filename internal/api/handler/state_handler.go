package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/watchsync/internal/api/dto"
	"github.com/cuongbtq/watchsync/internal/userstate"
)

// GetState handles GET /api/v1/state
func (h *StateHandler) GetState(c *gin.Context) {
	state, found, err := h.userState.Read(c.Request.Context(), userKey(c))
	if err != nil {
		respondError(c, h.logger, "read user state", err)
		return
	}
	if state == nil {
		state = userstate.State{}
	}

	c.JSON(http.StatusOK, dto.GetStateResponse{
		State: state,
		Found: found,
	})
}

// WriteState handles POST /api/v1/state
// Merges the uploaded state into the stored one and returns the result, which the device
// should adopt in place of its own copy
func (h *StateHandler) WriteState(c *gin.Context) {
	var incoming userstate.State
	if err := c.ShouldBindJSON(&incoming); err != nil {
		h.logger.Warn("Invalid user state body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	merged, changed, err := h.userState.Write(c.Request.Context(), userKey(c), incoming)
	if err != nil {
		respondError(c, h.logger, "write user state", err)
		return
	}

	c.JSON(http.StatusOK, dto.WriteStateResponse{
		State:   merged,
		Changed: changed,
	})
}
