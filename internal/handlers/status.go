package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pocketagent/bridge/internal/bridge"
)

// StatusHandler exposes the observable per-channel connection states.
type StatusHandler struct {
	logger  *slog.Logger
	tracker *bridge.Tracker
}

// NewStatusHandler creates a StatusHandler over the state tracker.
func NewStatusHandler(log *slog.Logger, tracker *bridge.Tracker) *StatusHandler {
	return &StatusHandler{
		logger:  log.With(slog.String("handler", "status")),
		tracker: tracker,
	}
}

// Register mounts the status route.
func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/bridge/status", h.Status)
}

type statusResponse struct {
	ServiceRunning bool                   `json:"service_running"`
	Channels       []bridge.ChannelStatus `json:"channels"`
}

// Status returns every channel's current connection state in a stable order.
func (h *StatusHandler) Status(c echo.Context) error {
	channels, running := h.tracker.Snapshot()
	return c.JSON(http.StatusOK, statusResponse{
		ServiceRunning: running,
		Channels:       channels,
	})
}
