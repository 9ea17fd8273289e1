// handlers_health.go - Health check handlers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	backend  string
	tools    func() map[string]bool
	jobs     JobService
	history  History
	required []string
}

// HealthConfig describes what the health endpoint reports on
type HealthConfig struct {
	Version string
	// Backend names the artifact store in use
	Backend string
	// Tools reports which external programs are available
	Tools func() map[string]bool
	// Required lists tools whose absence degrades the service
	Required []string
}

// NewHealthHandler creates a new health handler. jobs and history may be nil.
func NewHealthHandler(cfg HealthConfig, jobs JobService, history History) HealthHandler {
	return &HealthHandlerImpl{
		version:  cfg.Version,
		backend:  cfg.Backend,
		tools:    cfg.Tools,
		jobs:     jobs,
		history:  history,
		required: cfg.Required,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	status := "ok"
	resp := map[string]interface{}{
		"version": h.version,
	}
	if h.backend != "" {
		resp["storage"] = h.backend
	}

	if h.tools != nil {
		tools := h.tools()
		resp["tools"] = tools
		for _, name := range h.required {
			if !tools[name] {
				status = "degraded"
			}
		}
	}

	if h.jobs != nil {
		resp["jobs"] = h.jobs.Counts()
	}

	if h.history != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if stats, err := h.history.Stats(ctx); err == nil {
			resp["history"] = stats
		} else {
			resp["history"] = map[string]string{"error": err.Error()}
		}
	}

	resp["status"] = status
	return c.JSON(http.StatusOK, resp)
}
