package bridge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

// ErrUnknownConversation is returned by OnAgentReply when the reverse lookup
// fails (conversation deleted or never seen). The reply is dropped; it is
// never retried against a different channel.
var ErrUnknownConversation = errors.New("unknown conversation")

// Engine is the external agent execution engine. Submit hands over one
// inbound message tagged with its internal conversation id; the engine
// answers asynchronously through Router.OnAgentReply.
type Engine interface {
	Submit(ctx context.Context, conversationID string, text string, attachments []AttachmentRef) error
}

// ConversationMapper resolves external chats to internal conversation ids
// and back. Safe for concurrent use by all adapter receive loops.
type ConversationMapper interface {
	Resolve(ctx context.Context, channelType ChannelType, externalChatID string) (string, error)
	ReverseLookup(conversationID string) (ChannelType, string, bool)
}

const (
	routerWorkers   = 4
	routerQueueSize = 256
)

// Router is the single convergence point between the adapters and the agent
// engine. Inbound messages are hashed by (channel, external chat) onto a
// fixed worker, so messages for one chat are processed in receipt order
// while different chats proceed in parallel.
type Router struct {
	logger   *slog.Logger
	registry *Registry
	configs  *ConfigStore
	mapper   ConversationMapper
	engine   Engine

	queues    []chan InboundMessage
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRouter creates a Router over the given registry, config store,
// conversation mapper, and agent engine.
func NewRouter(log *slog.Logger, registry *Registry, configs *ConfigStore, mapper ConversationMapper, engine Engine) *Router {
	if log == nil {
		log = slog.Default()
	}
	queues := make([]chan InboundMessage, routerWorkers)
	for i := range queues {
		queues[i] = make(chan InboundMessage, routerQueueSize)
	}
	return &Router{
		logger:   log.With(slog.String("component", "router")),
		registry: registry,
		configs:  configs,
		mapper:   mapper,
		engine:   engine,
		queues:   queues,
	}
}

// Start launches the worker pool. Safe to call once.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := range r.queues {
			r.wg.Add(1)
			go r.work(r.queues[i])
		}
	})
}

// Shutdown stops the worker pool. Queued messages not yet processed are
// dropped; adapters are already stopped by the time this runs.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// OnInbound applies the allow-list and enqueues the message for processing.
// It blocks the calling adapter loop only for the enqueue itself; the
// conversation resolution and agent handoff run on the worker pool so a
// slow agent cannot stall a platform ack deadline.
func (r *Router) OnInbound(ctx context.Context, msg InboundMessage) error {
	cfg, ok := r.configs.Get(msg.Channel)
	if !ok {
		r.logger.Warn("inbound for unconfigured channel", slog.String("channel", msg.Channel.String()))
		return nil
	}
	if !Authorized(cfg, msg.ExternalUserID) {
		// Dropped without a reply so the bridge's presence is not confirmed
		// to unauthorized senders.
		r.logger.Debug("inbound rejected by allow-list",
			slog.String("channel", msg.Channel.String()),
			slog.String("external_user_id", msg.ExternalUserID),
		)
		return nil
	}
	idx := routeIndex(msg.RouteKey(), len(r.queues))
	select {
	case r.queues[idx] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnAgentReply reverse-looks-up the conversation and dispatches the reply to
// the adapter owning the channel. A reply carrying an engine error is
// delivered as user-visible error text: the recipient is already an
// authorized party in an active conversation.
func (r *Router) OnAgentReply(ctx context.Context, reply AgentReply) error {
	channelType, externalChatID, ok := r.mapper.ReverseLookup(reply.ConversationID)
	if !ok {
		r.logger.Warn("agent reply dropped: conversation not mapped",
			slog.String("conversation_id", reply.ConversationID),
		)
		return ErrUnknownConversation
	}
	text := reply.Text
	if reply.Err != "" {
		text = "The assistant could not process your request: " + reply.Err
	}
	out := OutboundMessage{
		Channel:        channelType,
		ExternalChatID: externalChatID,
		Text:           text,
		Attachments:    reply.Attachments,
	}
	return r.dispatch(ctx, out)
}

func (r *Router) work(queue <-chan InboundMessage) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-queue:
			r.process(msg)
		}
	}
}

func (r *Router) process(msg InboundMessage) {
	conversationID, err := r.mapper.Resolve(r.ctx, msg.Channel, msg.ExternalChatID)
	if err != nil {
		r.logger.Error("conversation resolve failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("external_chat_id", msg.ExternalChatID),
			slog.Any("error", err),
		)
		return
	}
	if err := r.engine.Submit(r.ctx, conversationID, msg.Text, msg.Attachments); err != nil {
		r.logger.Error("agent submit failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
		// The sender is authorized; tell them instead of failing silently.
		failure := OutboundMessage{
			Channel:        msg.Channel,
			ExternalChatID: msg.ExternalChatID,
			Text:           "The assistant is unavailable right now. Please try again shortly.",
		}
		if sendErr := r.dispatch(r.ctx, failure); sendErr != nil {
			r.logger.Warn("failure notice delivery failed", slog.Any("error", sendErr))
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg OutboundMessage) error {
	adapter, ok := r.registry.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("no adapter registered for channel %s", msg.Channel)
	}
	cfg, ok := r.configs.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("no config for channel %s", msg.Channel)
	}
	if err := adapter.Send(ctx, cfg, msg); err != nil {
		r.logger.Error("outbound send failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("external_chat_id", msg.ExternalChatID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func routeIndex(key string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(buckets))
}
