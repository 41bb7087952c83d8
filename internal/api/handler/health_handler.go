package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports the state of the backing services
type HealthHandler struct {
	service  string
	checkers []HealthChecker
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service:  deps.ServiceName,
		checkers: deps.HealthCheckers,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.checkers))
	for _, checker := range h.checkers {
		if err := checker.HealthCheck(c.Request.Context()); err != nil {
			checks[checker.Name()] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[checker.Name()] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  health,
		"service": h.service,
		"checks":  checks,
	})
}
