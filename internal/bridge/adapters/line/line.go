// Package line implements the LINE channel adapter. Inbound messages arrive
// on the bridge's webhook endpoint and are verified against the channel
// secret; outbound replies go through the push message API.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelLine

const (
	apiBase          = "https://api.line.me"
	maxMessageLength = 5000
	requestTimeout   = 30 * time.Second
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Line-Signature"

// ErrNotConnected is returned for webhook deliveries while the channel is
// stopped; the caller should answer 503 so LINE retries later.
var ErrNotConnected = fmt.Errorf("line channel not connected")

// ErrBadSignature is returned when the webhook body does not match its
// signature. The request must be rejected without processing any event.
var ErrBadSignature = fmt.Errorf("line signature mismatch")

// Adapter implements bridge.Adapter for LINE. Connect does not open an
// outbound transport; it validates the credentials and arms the webhook
// entry point with the current config and inbound handler.
type Adapter struct {
	logger *slog.Logger
	client *http.Client

	mu      sync.RWMutex
	cfg     bridge.ChannelConfig
	handler bridge.InboundHandler
	armed   bool
}

// NewAdapter creates a LINE adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "line")),
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Type returns the LINE channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

// Connect validates the access token against the bot info endpoint and arms
// the webhook. Stopping disarms it; deliveries while disarmed are rejected.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	secret := cfg.Credential("channel_secret")
	token := cfg.Credential("channel_access_token")
	if secret == "" || token == "" {
		return nil, &bridge.AuthError{Channel: Type, Reason: "channel_secret and channel_access_token are required"}
	}
	if err := a.verifyToken(ctx, token); err != nil {
		return nil, err
	}
	a.logger.Info("connected")

	a.mu.Lock()
	a.cfg = cfg
	a.handler = handler
	a.armed = true
	a.mu.Unlock()

	conn := bridge.NewConnection(func(_ context.Context) error {
		a.mu.Lock()
		a.armed = false
		a.handler = nil
		a.mu.Unlock()
		return nil
	})
	return conn, nil
}

func (a *Adapter) verifyToken(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/v2/bot/info", nil)
	if err != nil {
		return &bridge.ConnectError{Channel: Type, Op: "bot info", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return &bridge.ConnectError{Channel: Type, Op: "bot info", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &bridge.AuthError{Channel: Type, Reason: "channel access token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return &bridge.ConnectError{Channel: Type, Op: "bot info", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// HandleWebhook verifies the signature and forwards every message event to
// the inbound handler. It is called by the HTTP layer with the raw body so
// the HMAC covers exactly the bytes LINE signed.
func (a *Adapter) HandleWebhook(ctx context.Context, signature string, body []byte) error {
	a.mu.RLock()
	cfg, handler, armed := a.cfg, a.handler, a.armed
	a.mu.RUnlock()
	if !armed || handler == nil {
		return ErrNotConnected
	}
	if !VerifySignature(cfg.Credential("channel_secret"), signature, body) {
		a.logger.Warn("webhook signature rejected")
		return ErrBadSignature
	}

	var payload struct {
		Events []webhookEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &bridge.ProtocolError{Channel: Type, Detail: "malformed webhook body", Err: err}
	}
	for _, ev := range payload.Events {
		msg, ok := mapEvent(ev)
		if !ok {
			continue
		}
		if err := handler(ctx, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}
	return nil
}

// VerifySignature checks the base64 HMAC-SHA256 of body against the header
// value using a constant-time comparison.
func VerifySignature(channelSecret, signature string, body []byte) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Send pushes the reply to the chat. LINE allows five messages per push, so
// long text plus attachments are delivered in batches.
func (a *Adapter) Send(ctx context.Context, cfg bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	token := cfg.Credential("channel_access_token")
	if token == "" {
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("channel_access_token is required")}
	}
	var messages []map[string]any
	for _, chunk := range splitText(msg.Text, maxMessageLength) {
		messages = append(messages, map[string]any{"type": "text", "text": chunk})
	}
	for _, att := range msg.Attachments {
		if att.Kind == bridge.AttachmentImage && strings.HasPrefix(att.URL, "https://") {
			messages = append(messages, map[string]any{
				"type":               "image",
				"originalContentUrl": att.URL,
				"previewImageUrl":    att.URL,
			})
			continue
		}
		messages = append(messages, map[string]any{"type": "text", "text": att.URL})
	}
	for len(messages) > 0 {
		batch := messages
		if len(batch) > 5 {
			batch = batch[:5]
		}
		messages = messages[len(batch):]
		if err := a.push(ctx, token, msg.ExternalChatID, batch); err != nil {
			return &bridge.SendError{Channel: Type, Err: err}
		}
	}
	return nil
}

func (a *Adapter) push(ctx context.Context, token, to string, messages []map[string]any) error {
	payload, err := json.Marshal(map[string]any{"to": to, "messages": messages})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/v2/bot/message/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

type webhookEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Source    struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"message"`
}

func mapEvent(ev webhookEvent) (bridge.InboundMessage, bool) {
	if ev.Type != "message" || ev.Source.UserID == "" {
		return bridge.InboundMessage{}, false
	}
	chatID := ev.Source.UserID
	switch ev.Source.Type {
	case "group":
		chatID = ev.Source.GroupID
	case "room":
		chatID = ev.Source.RoomID
	}
	msg := bridge.InboundMessage{
		Channel:        Type,
		ExternalChatID: chatID,
		ExternalUserID: ev.Source.UserID,
		ReceivedAt:     time.UnixMilli(ev.Timestamp).UTC(),
	}
	switch ev.Message.Type {
	case "text":
		msg.Text = strings.TrimSpace(ev.Message.Text)
	case "image", "video", "audio", "file":
		// Content bytes are fetched lazily through the content API; the
		// reference carries the message id.
		msg.Attachments = []bridge.AttachmentRef{{
			Kind: attachmentKind(ev.Message.Type),
			URL:  contentRef(ev.Message.ID),
		}}
	default:
		return bridge.InboundMessage{}, false
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return bridge.InboundMessage{}, false
	}
	return msg, true
}

func attachmentKind(messageType string) bridge.AttachmentKind {
	switch messageType {
	case "image":
		return bridge.AttachmentImage
	case "audio":
		return bridge.AttachmentAudio
	case "video":
		return bridge.AttachmentVideo
	default:
		return bridge.AttachmentFile
	}
}

func contentRef(messageID string) string {
	return "line-content://" + messageID
}

func splitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
