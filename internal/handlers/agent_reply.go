package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pocketagent/bridge/internal/bridge"
)

// AgentReplyHandler receives the agent engine's asynchronous answers and
// routes them back to the originating chat.
type AgentReplyHandler struct {
	logger *slog.Logger
	router *bridge.Router
}

// NewAgentReplyHandler creates the reply handler over the router.
func NewAgentReplyHandler(log *slog.Logger, router *bridge.Router) *AgentReplyHandler {
	return &AgentReplyHandler{
		logger: log.With(slog.String("handler", "agent_reply")),
		router: router,
	}
}

// Register mounts the reply route.
func (h *AgentReplyHandler) Register(e *echo.Echo) {
	e.POST("/agent/reply", h.Reply)
}

// Reply dispatches one agent reply. A reply for an unknown conversation is
// answered 404 and never redirected elsewhere; a delivery failure on the
// target channel is 502 so the engine can decide whether to retry.
func (h *AgentReplyHandler) Reply(c echo.Context) error {
	var reply bridge.AgentReply
	if err := c.Bind(&reply); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed reply payload")
	}
	if strings.TrimSpace(reply.ConversationID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	err := h.router.OnAgentReply(c.Request().Context(), reply)
	switch {
	case err == nil:
		return c.NoContent(http.StatusOK)
	case errors.Is(err, bridge.ErrUnknownConversation):
		return echo.NewHTTPError(http.StatusNotFound, "unknown conversation")
	default:
		h.logger.Error("reply delivery failed",
			slog.String("conversation_id", reply.ConversationID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusBadGateway, "reply delivery failed")
	}
}
