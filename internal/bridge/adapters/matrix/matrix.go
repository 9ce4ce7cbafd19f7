// Package matrix implements the Matrix channel adapter over the client-server
// HTTP API. The pack carries no Matrix SDK, so the adapter speaks the /sync
// and /send endpoints directly.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelMatrix

const (
	syncTimeoutMs  = 30000
	requestTimeout = 45 * time.Second
)

// CursorStore persists the sync token so a restart resumes from the last
// processed batch instead of replaying history.
type CursorStore interface {
	Cursor(ctx context.Context, channelType bridge.ChannelType) (string, error)
	SetCursor(ctx context.Context, channelType bridge.ChannelType, value string) error
}

// Adapter implements bridge.Adapter for Matrix.
type Adapter struct {
	logger  *slog.Logger
	cursors CursorStore
	client  *http.Client
}

// NewAdapter creates a Matrix adapter. cursors may be nil; the sync token is
// then held in memory only.
func NewAdapter(log *slog.Logger, cursors CursorStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "matrix")),
		cursors: cursors,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Type returns the Matrix channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

type session struct {
	homeserver  string
	accessToken string
	userID      string
}

func (a *Adapter) newSession(cfg bridge.ChannelConfig) (session, error) {
	s := session{
		homeserver:  strings.TrimRight(cfg.Credential("homeserver_url"), "/"),
		accessToken: cfg.Credential("access_token"),
		userID:      cfg.Credential("user_id"),
	}
	if s.homeserver == "" || s.accessToken == "" {
		return session{}, fmt.Errorf("homeserver_url and access_token are required")
	}
	return s, nil
}

// Connect verifies the access token with whoami, then starts the long-poll
// sync loop. The since token advances only after a batch has been handed to
// the router, and is persisted so restarts do not replay messages.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	sess, err := a.newSession(cfg)
	if err != nil {
		return nil, &bridge.AuthError{Channel: Type, Reason: err.Error()}
	}
	userID, err := a.whoami(ctx, sess)
	if err != nil {
		return nil, err
	}
	if sess.userID == "" {
		sess.userID = userID
	}
	a.logger.Info("connected", slog.String("user_id", sess.userID))

	since := ""
	if a.cursors != nil {
		since, err = a.cursors.Cursor(ctx, Type)
		if err != nil {
			a.logger.Warn("load sync cursor failed", slog.Any("error", err))
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := bridge.NewConnection(func(_ context.Context) error {
		cancel()
		return nil
	})
	go a.syncLoop(loopCtx, sess, since, handler, state, conn)
	return conn, nil
}

func (a *Adapter) syncLoop(ctx context.Context, sess session, since string, handler bridge.InboundHandler, state bridge.StateFunc, conn *bridge.BaseConnection) {
	backoff := bridge.NewBackoff(bridge.DefaultBackoffBase, bridge.DefaultBackoffCap)
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := a.sync(ctx, sess, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if bridge.IsAuthError(err) {
				conn.Fail(err)
				return
			}
			a.logger.Warn("sync failed, backing off", slog.Any("error", err))
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

		for roomID := range resp.Rooms.Invite {
			if err := a.joinRoom(ctx, sess, roomID); err != nil {
				a.logger.Warn("auto-join failed", slog.String("room_id", roomID), slog.Any("error", err))
			}
		}
		// Replaying the initial sync would re-deliver old timelines; events
		// are forwarded only once a since token exists.
		if since != "" {
			for roomID, room := range resp.Rooms.Join {
				for _, ev := range room.Timeline.Events {
					msg, ok := mapEvent(roomID, ev, sess.userID)
					if !ok {
						continue
					}
					if err := handler(ctx, msg); err != nil {
						a.logger.Error("handle inbound failed", slog.Any("error", err))
					}
				}
			}
		}

		since = resp.NextBatch
		if a.cursors != nil {
			if err := a.cursors.SetCursor(ctx, Type, since); err != nil {
				a.logger.Warn("persist sync cursor failed", slog.Any("error", err))
			}
		}
	}
}

// Send delivers the reply as an m.room.message event with a unique
// transaction id, so a retried request cannot duplicate the message.
func (a *Adapter) Send(ctx context.Context, cfg bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	sess, err := a.newSession(cfg)
	if err != nil {
		return &bridge.SendError{Channel: Type, Err: err}
	}
	text := msg.Text
	for _, att := range msg.Attachments {
		text += "\n" + att.URL
	}
	body := map[string]any{
		"msgtype": "m.text",
		"body":    strings.TrimSpace(text),
	}
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		sess.homeserver, url.PathEscape(msg.ExternalChatID), uuid.NewString())
	if err := a.doJSON(ctx, http.MethodPut, endpoint, sess.accessToken, body, nil); err != nil {
		return &bridge.SendError{Channel: Type, Err: err}
	}
	return nil
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []timelineEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]json.RawMessage `json:"invite"`
	} `json:"rooms"`
}

type timelineEvent struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	OriginT int64  `json:"origin_server_ts"`
	Content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
		URL     string `json:"url"`
	} `json:"content"`
}

func (a *Adapter) sync(ctx context.Context, sess session, since string) (*syncResponse, error) {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/sync?timeout=%d", sess.homeserver, syncTimeoutMs)
	if since != "" {
		endpoint += "&since=" + url.QueryEscape(since)
	}
	var resp syncResponse
	if err := a.doJSON(ctx, http.MethodGet, endpoint, sess.accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) whoami(ctx context.Context, sess session) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	endpoint := sess.homeserver + "/_matrix/client/v3/account/whoami"
	if err := a.doJSON(ctx, http.MethodGet, endpoint, sess.accessToken, nil, &resp); err != nil {
		if bridge.IsAuthError(err) {
			return "", err
		}
		return "", &bridge.ConnectError{Channel: Type, Op: "whoami", Err: err}
	}
	return resp.UserID, nil
}

func (a *Adapter) joinRoom(ctx context.Context, sess session, roomID string) error {
	endpoint := sess.homeserver + "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return a.doJSON(ctx, http.MethodPost, endpoint, sess.accessToken, map[string]any{}, nil)
}

func (a *Adapter) doJSON(ctx context.Context, method, endpoint, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &bridge.AuthError{Channel: Type, Reason: "access token rejected", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("matrix api status %d: %s", resp.StatusCode, truncate(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &bridge.ProtocolError{Channel: Type, Detail: "malformed response", Err: err}
		}
	}
	return nil
}

func mapEvent(roomID string, ev timelineEvent, selfUserID string) (bridge.InboundMessage, bool) {
	if ev.Type != "m.room.message" || ev.Sender == "" || ev.Sender == selfUserID {
		return bridge.InboundMessage{}, false
	}
	msg := bridge.InboundMessage{
		Channel:        Type,
		ExternalChatID: roomID,
		ExternalUserID: ev.Sender,
		DisplayName:    localpart(ev.Sender),
		ReceivedAt:     time.UnixMilli(ev.OriginT).UTC(),
	}
	switch ev.Content.MsgType {
	case "m.text", "m.notice", "m.emote":
		msg.Text = strings.TrimSpace(ev.Content.Body)
	case "m.image":
		msg.Attachments = []bridge.AttachmentRef{{Kind: bridge.AttachmentImage, URL: ev.Content.URL, Name: ev.Content.Body}}
	case "m.audio":
		msg.Attachments = []bridge.AttachmentRef{{Kind: bridge.AttachmentAudio, URL: ev.Content.URL, Name: ev.Content.Body}}
	case "m.video":
		msg.Attachments = []bridge.AttachmentRef{{Kind: bridge.AttachmentVideo, URL: ev.Content.URL, Name: ev.Content.Body}}
	case "m.file":
		msg.Attachments = []bridge.AttachmentRef{{Kind: bridge.AttachmentFile, URL: ev.Content.URL, Name: ev.Content.Body}}
	default:
		return bridge.InboundMessage{}, false
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return bridge.InboundMessage{}, false
	}
	return msg, true
}

// localpart extracts "alice" from "@alice:example.org".
func localpart(userID string) string {
	trimmed := strings.TrimPrefix(userID, "@")
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
