// Package slack implements the Slack channel adapter using Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelSlack

const maxMessageLength = 4000

// Adapter implements bridge.Adapter for Slack. Every socket-mode envelope is
// acked immediately after it is read and before any processing, so a slow
// agent never pushes Slack into redelivery or disconnect.
type Adapter struct {
	logger *slog.Logger

	mu     sync.RWMutex
	client *slack.Client
}

// NewAdapter creates a Slack adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "slack")),
	}
}

// Type returns the Slack channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

// Connect validates both tokens with auth.test, then runs the socket-mode
// client. The client reconnects internally; a terminal run error closes the
// connection so the supervisor can restart it.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	botToken := cfg.Credential("bot_token")
	appToken := cfg.Credential("app_token")
	if botToken == "" || appToken == "" {
		return nil, &bridge.AuthError{Channel: Type, Reason: "bot_token and app_token are required"}
	}

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		if isInvalidAuth(err) {
			return nil, &bridge.AuthError{Channel: Type, Reason: "token rejected", Err: err}
		}
		return nil, &bridge.ConnectError{Channel: Type, Op: "auth.test", Err: err}
	}
	botUID := authResp.UserID
	a.logger.Info("connected", slog.String("bot_user", authResp.User))

	a.mu.Lock()
	a.client = api
	a.mu.Unlock()

	socketClient := socketmode.New(api)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := bridge.NewConnection(func(_ context.Context) error {
		cancel()
		return nil
	})

	go func() {
		for {
			select {
			case <-loopCtx.Done():
				return
			case evt, ok := <-socketClient.Events:
				if !ok {
					return
				}
				a.handleEvent(loopCtx, socketClient, evt, botUID, handler, state)
			}
		}
	}()

	go func() {
		err := socketClient.RunContext(loopCtx)
		if loopCtx.Err() != nil {
			return
		}
		if isInvalidAuth(err) {
			conn.Fail(&bridge.AuthError{Channel: Type, Reason: "token revoked", Err: err})
			return
		}
		conn.Fail(&bridge.ConnectError{Channel: Type, Op: "socketmode", Err: err})
	}()

	return conn, nil
}

// envelopeAcker is the slice of socketmode.Client that confirms envelopes.
type envelopeAcker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

func (a *Adapter) handleEvent(ctx context.Context, acker envelopeAcker, evt socketmode.Event, botUID string, handler bridge.InboundHandler, state bridge.StateFunc) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		if state != nil {
			state(bridge.StateConnected, nil)
		}
	case socketmode.EventTypeConnectionError:
		if state != nil {
			state(bridge.StateReconnecting, fmt.Errorf("socket mode connection error"))
		}
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Ack first. Processing happens after the envelope is confirmed so
		// Slack never redelivers because the agent was busy.
		if evt.Request != nil {
			acker.Ack(*evt.Request)
		}
		a.handleEventsAPI(ctx, apiEvent, botUID, handler)
	default:
		// Unacked envelopes cause socket-mode disconnects.
		if evt.Request != nil {
			acker.Ack(*evt.Request)
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent, botUID string, handler bridge.InboundHandler) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip the bot's own messages and edits/deletions.
	if ev.User == "" || ev.User == botUID || ev.SubType != "" {
		return
	}
	text := strings.TrimSpace(ev.Text)
	var attachments []bridge.AttachmentRef
	for _, file := range ev.Files {
		attachments = append(attachments, bridge.AttachmentRef{
			Kind: classifyMime(file.Mimetype),
			URL:  file.URLPrivate,
			Name: file.Name,
			Mime: file.Mimetype,
		})
	}
	if text == "" && len(attachments) == 0 {
		return
	}
	msg := bridge.InboundMessage{
		Channel:        Type,
		ExternalChatID: ev.Channel,
		ExternalUserID: ev.User,
		DisplayName:    ev.Username,
		Text:           text,
		Attachments:    attachments,
		ReceivedAt:     parseSlackTimestamp(ev.TimeStamp),
	}
	if err := handler(ctx, msg); err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
	}
}

// Send posts the reply with chat.postMessage, splitting long text.
func (a *Adapter) Send(ctx context.Context, cfg bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		client = slack.New(cfg.Credential("bot_token"))
	}
	text := msg.Text
	for _, att := range msg.Attachments {
		text += "\n" + att.URL
	}
	for _, chunk := range splitMessage(strings.TrimSpace(text), maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := client.PostMessageContext(ctx, msg.ExternalChatID, slack.MsgOptionText(chunk, false))
		if err != nil {
			return &bridge.SendError{Channel: Type, Err: err}
		}
	}
	return nil
}

func classifyMime(mime string) bridge.AttachmentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return bridge.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return bridge.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return bridge.AttachmentVideo
	default:
		return bridge.AttachmentFile
	}
}

func parseSlackTimestamp(ts string) time.Time {
	secs, err := strconv.ParseInt(strings.SplitN(ts, ".", 2)[0], 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func isInvalidAuth(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid_auth") ||
		strings.Contains(msg, "not_authed") ||
		strings.Contains(msg, "account_inactive")
}

func splitMessage(msg string, maxLen int) []string {
	if msg == "" {
		return nil
	}
	if len(msg) <= maxLen {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
