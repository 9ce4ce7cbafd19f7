package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pocketagent/bridge/internal/bridge"
	"github.com/pocketagent/bridge/internal/bridge/adapters/line"
)

const maxWebhookBody = 1 << 20

// LineWebhookHandler receives LINE platform callbacks on the shared HTTP
// server and hands the raw body to the LINE adapter for signature
// verification and event parsing.
type LineWebhookHandler struct {
	logger  *slog.Logger
	adapter *line.Adapter
}

// NewLineWebhookHandler creates the webhook handler over the LINE adapter.
func NewLineWebhookHandler(log *slog.Logger, adapter *line.Adapter) *LineWebhookHandler {
	return &LineWebhookHandler{
		logger:  log.With(slog.String("handler", "line_webhook")),
		adapter: adapter,
	}
}

// Register mounts the webhook route.
func (h *LineWebhookHandler) Register(e *echo.Echo) {
	e.POST("/channels/line/webhook", h.Webhook)
}

// Webhook verifies and dispatches one delivery. LINE retries on any non-2xx
// answer, so signature failures return 401 and a stopped channel 503.
func (h *LineWebhookHandler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	signature := c.Request().Header.Get(line.SignatureHeader)
	err = h.adapter.HandleWebhook(c.Request().Context(), signature, body)
	switch {
	case err == nil:
		return c.NoContent(http.StatusOK)
	case errors.Is(err, line.ErrBadSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	case errors.Is(err, line.ErrNotConnected):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "channel not running")
	default:
		var protoErr *bridge.ProtocolError
		if errors.As(err, &protoErr) {
			h.logger.Warn("malformed webhook dropped", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
		}
		h.logger.Error("webhook processing failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
}
