// Package bridge provides the core of the multi-channel messaging bridge:
// the canonical message envelope, the adapter contract, the per-channel
// connection state machine, and the routing layer between external chat
// platforms and the agent execution engine.
package bridge

import (
	"strings"
	"time"
)

// ChannelType identifies one of the supported messaging platforms.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelMatrix   ChannelType = "matrix"
	ChannelLine     ChannelType = "line"
	ChannelWebChat  ChannelType = "webchat"
)

// AllChannelTypes returns the closed set of supported channel types.
func AllChannelTypes() []ChannelType {
	return []ChannelType{
		ChannelTelegram,
		ChannelDiscord,
		ChannelSlack,
		ChannelMatrix,
		ChannelLine,
		ChannelWebChat,
	}
}

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Valid reports whether the channel type belongs to the closed set.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelDiscord, ChannelSlack, ChannelMatrix, ChannelLine, ChannelWebChat:
		return true
	}
	return false
}

// BotStyle reports whether senders on this channel are authenticated
// per message via the allow-list. WebChat authenticates at the transport
// (connection access token) instead.
func (c ChannelType) BotStyle() bool {
	return c != ChannelWebChat
}

// ParseChannelType validates and normalizes a raw string into a ChannelType.
func ParseChannelType(raw string) (ChannelType, bool) {
	ct := ChannelType(strings.TrimSpace(strings.ToLower(raw)))
	if !ct.Valid() {
		return "", false
	}
	return ct, true
}

// ConnectionState is the lifecycle state of one channel connection.
// It is owned by the adapter that reports it and only observed by the
// orchestrator and the state tracker.
type ConnectionState string

const (
	StateStopped      ConnectionState = "stopped"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// String returns the connection state as a plain string.
func (s ConnectionState) String() string {
	return string(s)
}

// Active reports whether the state describes a live or in-progress connection.
func (s ConnectionState) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// AttachmentKind classifies an attachment reference.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

// AttachmentRef is a by-reference attachment on a canonical message.
// The bridge never carries attachment bytes, only resolvable references.
type AttachmentRef struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Mime string         `json:"mime,omitempty"`
}

// InboundMessage is the canonical envelope for a message received from an
// external platform. Adapters construct it immediately after parsing a
// platform-native event; it is immutable from then on and consumed exactly
// once by the router.
type InboundMessage struct {
	Channel        ChannelType
	ExternalChatID string
	ExternalUserID string
	DisplayName    string
	Text           string
	Attachments    []AttachmentRef
	ReceivedAt     time.Time
}

// RouteKey returns the per-conversation ordering key.
func (m InboundMessage) RouteKey() string {
	return m.Channel.String() + ":" + m.ExternalChatID
}

// OutboundMessage is the canonical envelope for a reply delivered back to an
// external platform. Constructed by the router from an agent reply and
// consumed exactly once by the adapter owning the channel type.
type OutboundMessage struct {
	Channel        ChannelType
	ExternalChatID string
	Text           string
	Attachments    []AttachmentRef
}

// ChannelConfig is the per-channel configuration snapshot the orchestrator
// reads when (re)starting a channel. Credentials are opaque to the core and
// interpreted only by the matching adapter.
type ChannelConfig struct {
	Type           ChannelType
	Enabled        bool
	Credentials    map[string]string
	AllowedUserIDs map[string]struct{}

	// WebChat only: local listen port and optional static access token.
	Port        int
	AccessToken string
}

// Credential returns the trimmed credential value for the given key, or
// empty string if absent.
func (c ChannelConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(c.Credentials[key])
}

// ParseAllowList parses a comma-separated list of external user identifiers
// into a set. Blank entries are dropped.
func ParseAllowList(raw string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// AgentReply is the agent engine's asynchronous answer for one internal
// conversation. Err carries an engine-side failure description; the router
// turns it into user-visible error text for the originating chat.
type AgentReply struct {
	ConversationID string          `json:"conversation_id"`
	Text           string          `json:"text"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	Err            string          `json:"error,omitempty"`
}
