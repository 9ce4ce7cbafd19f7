package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketagent/bridge/internal/bridge"
)

type chatRef struct {
	channel        bridge.ChannelType
	externalChatID string
}

// Mapper is the in-memory bidirectional index over conversation links. Both
// directions are single map lookups; the write lock is taken only when a new
// chat appears. With a LinkStore attached, new links are persisted before
// they become visible, so a mapping never silently changes across restarts.
type Mapper struct {
	logger *slog.Logger
	store  LinkStore

	mu             sync.RWMutex
	byExternal     map[string]string
	byConversation map[string]chatRef
}

// NewMapper creates a Mapper. store may be nil for a memory-only mapper;
// otherwise the persisted links are loaded before the mapper is returned.
func NewMapper(ctx context.Context, log *slog.Logger, store LinkStore) (*Mapper, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Mapper{
		logger:         log.With(slog.String("component", "conversation")),
		store:          store,
		byExternal:     map[string]string{},
		byConversation: map[string]chatRef{},
	}
	if store == nil {
		return m, nil
	}
	links, err := store.LoadLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversation links: %w", err)
	}
	for _, link := range links {
		ref := chatRef{channel: link.Channel, externalChatID: link.ExternalChatID}
		m.byExternal[externalKey(link.Channel, link.ExternalChatID)] = link.ConversationID
		m.byConversation[link.ConversationID] = ref
	}
	m.logger.Info("conversation links loaded", slog.Int("count", len(links)))
	return m, nil
}

// Resolve returns the conversation id for the external chat, creating and
// persisting a new link on first contact. Repeated calls for the same chat
// always return the same id.
func (m *Mapper) Resolve(ctx context.Context, channelType bridge.ChannelType, externalChatID string) (string, error) {
	key := externalKey(channelType, externalChatID)

	m.mu.RLock()
	id, ok := m.byExternal[key]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byExternal[key]; ok {
		return id, nil
	}
	id = uuid.NewString()
	if m.store != nil {
		link := Link{
			ConversationID: id,
			Channel:        channelType,
			ExternalChatID: externalChatID,
			CreatedAt:      time.Now().UTC(),
		}
		if err := m.store.SaveLink(ctx, link); err != nil {
			return "", fmt.Errorf("persist conversation link: %w", err)
		}
	}
	m.byExternal[key] = id
	m.byConversation[id] = chatRef{channel: channelType, externalChatID: externalChatID}
	m.logger.Debug("conversation created",
		slog.String("conversation_id", id),
		slog.String("channel", channelType.String()),
	)
	return id, nil
}

// ReverseLookup returns the external chat a conversation id is bound to.
func (m *Mapper) ReverseLookup(conversationID string) (bridge.ChannelType, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byConversation[conversationID]
	if !ok {
		return "", "", false
	}
	return ref.channel, ref.externalChatID, true
}

// Len returns the number of known conversations.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConversation)
}

func externalKey(channelType bridge.ChannelType, externalChatID string) string {
	return string(channelType) + ":" + externalChatID
}
