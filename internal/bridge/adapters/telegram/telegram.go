// Package telegram implements the Telegram channel adapter using Bot API
// long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelTelegram

const (
	maxMessageLength = 4096
	pollTimeoutSecs  = 30
)

// Adapter implements bridge.Adapter for Telegram.
type Adapter struct {
	logger *slog.Logger
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI // keyed by bot token
}

// NewAdapter creates a Telegram adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

// Connect validates the bot token with getMe, then starts the long-poll
// loop. The loop owns the update offset: an update is acknowledged to
// Telegram only by the next poll carrying offset = lastUpdateID+1, after the
// batch was handed to the router, so no update is silently skipped.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	token := cfg.Credential("bot_token")
	if token == "" {
		return nil, &bridge.AuthError{Channel: Type, Reason: "bot_token is required"}
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		if isUnauthorized(err) {
			return nil, &bridge.AuthError{Channel: Type, Reason: "bot token rejected", Err: err}
		}
		return nil, &bridge.ConnectError{Channel: Type, Op: "getMe", Err: err}
	}
	a.logger.Info("connected", slog.String("bot_username", bot.Self.UserName))

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := bridge.NewConnection(func(_ context.Context) error {
		cancel()
		return nil
	})

	go a.poll(loopCtx, bot, handler, state, conn)
	return conn, nil
}

func (a *Adapter) poll(ctx context.Context, bot *tgbotapi.BotAPI, handler bridge.InboundHandler, state bridge.StateFunc, conn *bridge.BaseConnection) {
	backoff := bridge.NewBackoff(bridge.DefaultBackoffBase, bridge.DefaultBackoffCap)
	offset := 0
	for {
		if ctx.Err() != nil {
			return
		}
		updateConfig := tgbotapi.NewUpdate(offset)
		updateConfig.Timeout = pollTimeoutSecs
		updates, err := bot.GetUpdates(updateConfig)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isUnauthorized(err) {
				conn.Fail(&bridge.AuthError{Channel: Type, Reason: "bot token revoked", Err: err})
				return
			}
			a.logger.Warn("poll failed, backing off", slog.Any("error", err))
			if state != nil {
				state(bridge.StateReconnecting, err)
			}
			if backoff.Sleep(ctx) != nil {
				return
			}
			continue
		}
		if backoff.Attempts() > 0 {
			backoff.Reset()
			if state != nil {
				state(bridge.StateConnected, nil)
			}
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			msg, ok := mapUpdate(update)
			if !ok {
				continue
			}
			if err := handler(ctx, msg); err != nil {
				a.logger.Error("handle inbound failed", slog.Any("error", err))
			}
		}
	}
}

// Send delivers the reply to the chat, splitting text that exceeds the
// Telegram message length limit and sending attachments by URL reference.
func (a *Adapter) Send(ctx context.Context, cfg bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	token := cfg.Credential("bot_token")
	if token == "" {
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("bot_token is required")}
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return &bridge.SendError{Channel: Type, Err: err}
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ExternalChatID), 10, 64)
	if err != nil {
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("invalid chat id %q", msg.ExternalChatID)}
	}
	for _, chunk := range splitText(msg.Text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return &bridge.SendError{Channel: Type, Err: err}
		}
	}
	for _, att := range msg.Attachments {
		if err := sendAttachment(bot, chatID, att); err != nil {
			return &bridge.SendError{Channel: Type, Err: err}
		}
	}
	return nil
}

func sendAttachment(bot *tgbotapi.BotAPI, chatID int64, att bridge.AttachmentRef) error {
	if strings.TrimSpace(att.URL) == "" {
		return fmt.Errorf("attachment url is required")
	}
	file := tgbotapi.FileURL(att.URL)
	switch att.Kind {
	case bridge.AttachmentImage:
		_, err := bot.Send(tgbotapi.NewPhoto(chatID, file))
		return err
	case bridge.AttachmentAudio:
		_, err := bot.Send(tgbotapi.NewAudio(chatID, file))
		return err
	case bridge.AttachmentVideo:
		_, err := bot.Send(tgbotapi.NewVideo(chatID, file))
		return err
	default:
		_, err := bot.Send(tgbotapi.NewDocument(chatID, file))
		return err
	}
}

// mapUpdate converts a Telegram update into the canonical envelope. Updates
// without a message payload (edits, channel posts, callbacks) are skipped.
func mapUpdate(update tgbotapi.Update) (bridge.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.From == nil {
		return bridge.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	attachments := collectAttachments(m)
	if text == "" && len(attachments) == 0 {
		return bridge.InboundMessage{}, false
	}
	displayName := strings.TrimSpace(m.From.UserName)
	if displayName == "" {
		displayName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return bridge.InboundMessage{
		Channel:        Type,
		ExternalChatID: strconv.FormatInt(m.Chat.ID, 10),
		ExternalUserID: strconv.FormatInt(m.From.ID, 10),
		DisplayName:    displayName,
		Text:           text,
		Attachments:    attachments,
		ReceivedAt:     time.Unix(int64(m.Date), 0).UTC(),
	}, true
}

func collectAttachments(m *tgbotapi.Message) []bridge.AttachmentRef {
	var refs []bridge.AttachmentRef
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		refs = append(refs, bridge.AttachmentRef{Kind: bridge.AttachmentImage, URL: fileRef(best.FileID)})
	}
	if m.Document != nil {
		refs = append(refs, bridge.AttachmentRef{
			Kind: bridge.AttachmentFile,
			URL:  fileRef(m.Document.FileID),
			Name: m.Document.FileName,
			Mime: m.Document.MimeType,
		})
	}
	if m.Audio != nil {
		refs = append(refs, bridge.AttachmentRef{Kind: bridge.AttachmentAudio, URL: fileRef(m.Audio.FileID), Mime: m.Audio.MimeType})
	}
	if m.Voice != nil {
		refs = append(refs, bridge.AttachmentRef{Kind: bridge.AttachmentAudio, URL: fileRef(m.Voice.FileID), Mime: m.Voice.MimeType})
	}
	if m.Video != nil {
		refs = append(refs, bridge.AttachmentRef{Kind: bridge.AttachmentVideo, URL: fileRef(m.Video.FileID), Mime: m.Video.MimeType})
	}
	return refs
}

// fileRef builds an opaque by-reference locator for a Telegram file. The
// engine resolves it through the bot API when it actually needs the bytes.
func fileRef(fileID string) string {
	return "tg-file://" + fileID
}

// splitText splits text into chunks of at most limit bytes on rune
// boundaries, preferring newline then space break points.
func splitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		window := text[:cut]
		if idx := strings.LastIndexByte(window, '\n'); idx > limit/2 {
			cut = idx
		} else if idx := strings.LastIndexByte(window, ' '); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 404
	}
	return strings.Contains(err.Error(), "Unauthorized")
}
