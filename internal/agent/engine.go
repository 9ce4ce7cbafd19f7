// Package agent contains the client for the external agent execution
// engine. The bridge submits inbound messages over HTTP and receives the
// engine's answers asynchronously on its own reply endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pocketagent/bridge/internal/bridge"
)

const defaultTimeout = 30 * time.Second

// submitRequest is the payload posted to the engine for each inbound message.
type submitRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Text           string                 `json:"text"`
	Attachments    []bridge.AttachmentRef `json:"attachments,omitempty"`
}

// GatewayClient implements bridge.Engine against an HTTP agent gateway.
type GatewayClient struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	token   string
}

// NewGatewayClient creates a client for the gateway at baseURL. token is an
// optional bearer token attached to every request.
func NewGatewayClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *GatewayClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GatewayClient{
		logger:  log.With(slog.String("component", "agent")),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Submit hands one message to the engine. A non-2xx answer is an error; the
// engine's actual reply arrives later through the bridge's reply endpoint.
func (g *GatewayClient) Submit(ctx context.Context, conversationID string, text string, attachments []bridge.AttachmentRef) error {
	if g.baseURL == "" {
		return fmt.Errorf("agent gateway url not configured")
	}
	payload, err := json.Marshal(submitRequest{
		ConversationID: conversationID,
		Text:           text,
		Attachments:    attachments,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit to agent gateway: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	g.logger.Debug("message submitted", slog.String("conversation_id", conversationID))
	return nil
}
