// Package webchat implements the built-in web chat channel: a local HTTP
// server that upgrades browser connections to websockets. There is no
// external platform; the bridge itself is the platform.
package webchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Type is the channel type served by this adapter.
const Type = bridge.ChannelWebChat

const (
	writeTimeout   = 10 * time.Second
	maxFrameBytes  = 64 * 1024
	defaultPort    = 8441
	clientSendBuff = 32
)

// clientFrame is the wire format for messages from the browser.
type clientFrame struct {
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
}

// serverFrame is the wire format for replies pushed to the browser.
type serverFrame struct {
	Text        string                 `json:"text"`
	Attachments []bridge.AttachmentRef `json:"attachments,omitempty"`
	SentAt      time.Time              `json:"sent_at"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan serverFrame
	done chan struct{}
	once sync.Once
}

// shutdown releases the client exactly once. send is never closed; writers
// observe done instead, so a reply racing a disconnect cannot panic.
func (cl *client) shutdown() {
	cl.once.Do(func() {
		close(cl.done)
		if cl.conn != nil {
			_ = cl.conn.Close()
		}
	})
}

// Adapter implements bridge.Adapter for the web chat channel.
type Adapter struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewAdapter creates a web chat adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "webchat")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The chat page may be served from any local origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// Type returns the web chat channel type.
func (a *Adapter) Type() bridge.ChannelType {
	return Type
}

// Connect starts the local chat server on the configured port. The access
// token, when set, is checked at websocket upgrade; per-message allow-list
// checks do not apply to this channel.
func (a *Adapter) Connect(ctx context.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler, state bridge.StateFunc) (bridge.Connection, error) {
	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.GET("/ws", func(c echo.Context) error {
		return a.serveWS(loopCtx, c, cfg, handler)
	})

	conn := bridge.NewConnection(func(stopCtx context.Context) error {
		cancel()
		a.closeClients()
		return e.Shutdown(stopCtx)
	})

	go func() {
		err := e.Start(fmt.Sprintf(":%d", port))
		if loopCtx.Err() != nil {
			return
		}
		if err != nil && err != http.ErrServerClosed {
			conn.Fail(&bridge.ConnectError{Channel: Type, Op: "listen", Err: err})
		}
	}()
	a.logger.Info("chat server listening", slog.Int("port", port))
	return conn, nil
}

func (a *Adapter) serveWS(ctx context.Context, c echo.Context, cfg bridge.ChannelConfig, handler bridge.InboundHandler) error {
	if !tokenOK(cfg.AccessToken, c.Request()) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}
	ws, err := a.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan serverFrame, clientSendBuff),
		done: make(chan struct{}),
	}
	a.mu.Lock()
	a.clients[cl.id] = cl
	a.mu.Unlock()
	a.logger.Info("client connected", slog.String("client_id", cl.id))

	go a.writePump(cl)
	a.readPump(ctx, cl, handler)
	return nil
}

func (a *Adapter) readPump(ctx context.Context, cl *client, handler bridge.InboundHandler) {
	defer a.dropClient(cl)
	cl.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.logger.Warn("malformed client frame dropped", slog.String("client_id", cl.id))
			continue
		}
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			continue
		}
		msg := bridge.InboundMessage{
			Channel:        Type,
			ExternalChatID: cl.id,
			ExternalUserID: cl.id,
			DisplayName:    strings.TrimSpace(frame.DisplayName),
			Text:           text,
			ReceivedAt:     time.Now().UTC(),
		}
		if err := handler(ctx, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}
}

func (a *Adapter) writePump(cl *client) {
	for {
		select {
		case frame := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.conn.WriteJSON(frame); err != nil {
				a.logger.Warn("client write failed", slog.String("client_id", cl.id), slog.Any("error", err))
				return
			}
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = cl.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
			return
		}
	}
}

// Send pushes the reply to the websocket client identified by the external
// chat id. A disconnected client is a per-message send failure.
func (a *Adapter) Send(ctx context.Context, _ bridge.ChannelConfig, msg bridge.OutboundMessage) error {
	a.mu.RLock()
	cl, ok := a.clients[msg.ExternalChatID]
	a.mu.RUnlock()
	if !ok {
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("client %s not connected", msg.ExternalChatID)}
	}
	frame := serverFrame{
		Text:        msg.Text,
		Attachments: msg.Attachments,
		SentAt:      time.Now().UTC(),
	}
	// Checked before the queue attempt: a dropped client's buffer may still
	// have room, and a frame queued there would silently vanish.
	select {
	case <-cl.done:
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("client %s disconnected", msg.ExternalChatID)}
	default:
	}
	select {
	case cl.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return &bridge.SendError{Channel: Type, Err: fmt.Errorf("client %s send buffer full", msg.ExternalChatID)}
	}
}

func (a *Adapter) dropClient(cl *client) {
	a.mu.Lock()
	delete(a.clients, cl.id)
	a.mu.Unlock()
	cl.shutdown()
	a.logger.Info("client disconnected", slog.String("client_id", cl.id))
}

func (a *Adapter) closeClients() {
	a.mu.Lock()
	clients := make([]*client, 0, len(a.clients))
	for _, cl := range a.clients {
		clients = append(clients, cl)
	}
	a.clients = map[string]*client{}
	a.mu.Unlock()
	for _, cl := range clients {
		cl.shutdown()
	}
}

// tokenOK accepts the access token from the query string or a bearer
// header. An empty configured token disables the check for local use.
func tokenOK(accessToken string, r *http.Request) bool {
	if accessToken == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(accessToken), []byte(presented)) == 1
}
