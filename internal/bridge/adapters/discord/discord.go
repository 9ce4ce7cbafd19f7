// Package discord implements the Discord channel adapter over the gateway
// websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelDiscord

const maxMessageLength = 2000

// Adapter implements bridge.Adapter for Discord. The gateway session
// heartbeats and resumes on its own; the adapter only surfaces the session's
// connect, disconnect, and resume events as connection states.
type Adapter struct {
	logger *slog.Logger

	mu      sync.RWMutex
	session *discordgo.Session
}

// NewAdapter creates a Discord adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "discord")),
	}
}

// Type returns the Discord channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

// Connect opens the gateway session with message-content intents and wires
// the event handlers. The bot's own messages are filtered by author id so
// replies never loop back in as inbound traffic.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	token := cfg.Credential("bot_token")
	if token == "" {
		return nil, &bridge.AuthError{Channel: Type, Reason: "bot_token is required"}
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, &bridge.ConnectError{Channel: Type, Op: "session", Err: err}
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := bridge.NewConnection(func(_ context.Context) error {
		cancel()
		return session.Close()
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		msg, ok := mapMessage(m)
		if !ok {
			return
		}
		if err := handler(loopCtx, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		if state != nil {
			state(bridge.StateReconnecting, fmt.Errorf("gateway disconnected"))
		}
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		if state != nil {
			state(bridge.StateConnected, nil)
		}
	})

	if err := session.Open(); err != nil {
		cancel()
		if strings.Contains(err.Error(), "Authentication failed") {
			return nil, &bridge.AuthError{Channel: Type, Reason: "bot token rejected", Err: err}
		}
		return nil, &bridge.ConnectError{Channel: Type, Op: "open", Err: err}
	}
	a.logger.Info("connected", slog.String("bot_username", session.State.User.Username))

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	return conn, nil
}

// Send delivers the reply to the Discord channel, splitting text that
// exceeds the platform message length limit.
func (a *Adapter) Send(ctx context.Context, cfg bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("not connected")}
	}
	text := msg.Text
	for _, att := range msg.Attachments {
		// Discord renders plain URLs inline; by-reference attachments go out
		// as links appended to the text.
		text += "\n" + att.URL
	}
	for _, chunk := range splitMessage(strings.TrimSpace(text), maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := session.ChannelMessageSend(msg.ExternalChatID, chunk); err != nil {
			return &bridge.SendError{Channel: Type, Err: err}
		}
	}
	return nil
}

func mapMessage(m *discordgo.MessageCreate) (bridge.InboundMessage, bool) {
	text := strings.TrimSpace(m.Content)
	var attachments []bridge.AttachmentRef
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		attachments = append(attachments, bridge.AttachmentRef{
			Kind: classifyAttachment(att.ContentType),
			URL:  att.URL,
			Name: att.Filename,
			Mime: att.ContentType,
		})
	}
	if text == "" && len(attachments) == 0 {
		return bridge.InboundMessage{}, false
	}
	displayName := m.Author.GlobalName
	if displayName == "" {
		displayName = m.Author.Username
	}
	return bridge.InboundMessage{
		Channel:        Type,
		ExternalChatID: m.ChannelID,
		ExternalUserID: m.Author.ID,
		DisplayName:    displayName,
		Text:           text,
		Attachments:    attachments,
		ReceivedAt:     m.Timestamp.UTC(),
	}, true
}

func classifyAttachment(contentType string) bridge.AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return bridge.AttachmentImage
	case strings.HasPrefix(contentType, "audio/"):
		return bridge.AttachmentAudio
	case strings.HasPrefix(contentType, "video/"):
		return bridge.AttachmentVideo
	default:
		return bridge.AttachmentFile
	}
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
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
