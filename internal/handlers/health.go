package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pocketagent/bridge/internal/bridge"
)

// HealthHandler serves liveness probes.
type HealthHandler struct {
	logger  *slog.Logger
	tracker *bridge.Tracker
}

// NewHealthHandler creates a HealthHandler over the state tracker.
func NewHealthHandler(log *slog.Logger, tracker *bridge.Tracker) *HealthHandler {
	return &HealthHandler{
		logger:  log.With(slog.String("handler", "health")),
		tracker: tracker,
	}
}

// Register mounts the health routes.
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.HEAD("/healthz", h.HealthHead)
}

// Health reports process liveness plus the bridge service flag.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"service_running": h.tracker.ServiceRunning(),
	})
}

// HealthHead answers HEAD probes with no body.
func (h *HealthHandler) HealthHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
