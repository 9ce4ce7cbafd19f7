package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketagent/bridge/internal/bridge"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		maxLen int
		chunks int
	}{
		{"empty", "", 100, 0},
		{"fits", "hello", 100, 1},
		{"exact", strings.Repeat("a", 100), 100, 1},
		{"splits", strings.Repeat("a", 250), 100, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitMessage(tt.msg, tt.maxLen)
			if len(chunks) != tt.chunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.chunks)
			}
			var total int
			for _, c := range chunks {
				if len(c) > tt.maxLen {
					t.Fatalf("chunk exceeds max: %d", len(c))
				}
				total += len(c)
			}
			if total != len(tt.msg) {
				t.Fatalf("content lost: %d != %d", total, len(tt.msg))
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	msg := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if strings.Contains(chunks[0], "b") {
		t.Fatalf("split ignored the newline: %q", chunks[0])
	}
}

func TestMapMessage(t *testing.T) {
	now := time.Now()
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-1",
		Content:   "  hello  ",
		Timestamp: now,
		Author:    &discordgo.User{ID: "user-1", Username: "alice", GlobalName: "Alice"},
	}}
	msg, ok := mapMessage(m)
	if !ok {
		t.Fatal("message must map")
	}
	if msg.Channel != bridge.ChannelDiscord || msg.ExternalChatID != "chan-1" || msg.ExternalUserID != "user-1" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.Text != "hello" {
		t.Fatalf("text = %q", msg.Text)
	}
	if msg.DisplayName != "Alice" {
		t.Fatalf("global name not preferred: %q", msg.DisplayName)
	}
}

func TestMapMessageAttachmentsOnly(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-2",
		Author:    &discordgo.User{ID: "user-2", Username: "bob"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example/img.png", Filename: "img.png", ContentType: "image/png"},
			nil,
		},
	}}
	msg, ok := mapMessage(m)
	if !ok {
		t.Fatal("attachment-only message must map")
	}
	if msg.DisplayName != "bob" {
		t.Fatalf("username fallback missed: %q", msg.DisplayName)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Kind != bridge.AttachmentImage {
		t.Fatalf("kind = %s", msg.Attachments[0].Kind)
	}
}

func TestMapMessageSkipsEmpty(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-3",
		Content:   "   ",
		Author:    &discordgo.User{ID: "user-3"},
	}}
	if _, ok := mapMessage(m); ok {
		t.Fatal("empty message must be skipped")
	}
}

func TestClassifyAttachment(t *testing.T) {
	tests := []struct {
		contentType string
		want        bridge.AttachmentKind
	}{
		{"image/png", bridge.AttachmentImage},
		{"audio/ogg", bridge.AttachmentAudio},
		{"video/mp4", bridge.AttachmentVideo},
		{"application/pdf", bridge.AttachmentFile},
		{"", bridge.AttachmentFile},
	}
	for _, tt := range tests {
		if got := classifyAttachment(tt.contentType); got != tt.want {
			t.Fatalf("classifyAttachment(%q) = %s, want %s", tt.contentType, got, tt.want)
		}
	}
}
