package telegram

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pocketagent/bridge/internal/bridge"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		limit  int
		chunks int
	}{
		{"empty", "", 10, 0},
		{"whitespace only", "   \n  ", 10, 0},
		{"fits", "hello", 10, 1},
		{"exact limit", strings.Repeat("a", 10), 10, 1},
		{"splits", strings.Repeat("a", 25), 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitText(tt.text, tt.limit)
			if len(chunks) != tt.chunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.chunks)
			}
			for _, c := range chunks {
				if len(c) > tt.limit {
					t.Fatalf("chunk exceeds limit: %d > %d", len(c), tt.limit)
				}
			}
		})
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
	chunks := splitText(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if strings.Contains(chunks[0], "y") {
		t.Fatalf("split did not honor the newline: %q", chunks[0])
	}
}

func TestSplitTextRuneBoundary(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 40)
	for _, chunk := range splitText(text, 100) {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk split inside a rune: %q", chunk)
		}
	}
}

func TestMapUpdate(t *testing.T) {
	update := tgbotapi.Update{
		UpdateID: 7,
		Message: &tgbotapi.Message{
			Date: 1700000000,
			Chat: &tgbotapi.Chat{ID: -100123},
			From: &tgbotapi.User{ID: 42, UserName: "alice"},
			Text: "  hello  ",
		},
	}
	msg, ok := mapUpdate(update)
	if !ok {
		t.Fatal("message update must map")
	}
	if msg.Channel != bridge.ChannelTelegram {
		t.Fatalf("channel = %s", msg.Channel)
	}
	if msg.ExternalChatID != "-100123" || msg.ExternalUserID != "42" {
		t.Fatalf("ids = %s/%s", msg.ExternalChatID, msg.ExternalUserID)
	}
	if msg.Text != "hello" {
		t.Fatalf("text = %q", msg.Text)
	}
	if msg.DisplayName != "alice" {
		t.Fatalf("display name = %q", msg.DisplayName)
	}
}

func TestMapUpdateSkips(t *testing.T) {
	tests := []struct {
		name   string
		update tgbotapi.Update
	}{
		{"no message", tgbotapi.Update{UpdateID: 1}},
		{"no sender", tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "x"}}},
		{"empty payload", tgbotapi.Update{Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: 1}, From: &tgbotapi.User{ID: 2}, Text: "   ",
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := mapUpdate(tt.update); ok {
				t.Fatal("update must be skipped")
			}
		})
	}
}

func TestMapUpdateCaptionAndAttachment(t *testing.T) {
	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			Chat:    &tgbotapi.Chat{ID: 5},
			From:    &tgbotapi.User{ID: 6, FirstName: "Bob", LastName: "Smith"},
			Caption: "see photo",
			Photo: []tgbotapi.PhotoSize{
				{FileID: "small"},
				{FileID: "large"},
			},
		},
	}
	msg, ok := mapUpdate(update)
	if !ok {
		t.Fatal("photo update must map")
	}
	if msg.Text != "see photo" {
		t.Fatalf("caption not used as text: %q", msg.Text)
	}
	if msg.DisplayName != "Bob Smith" {
		t.Fatalf("display name = %q", msg.DisplayName)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Kind != bridge.AttachmentImage {
		t.Fatalf("kind = %s", att.Kind)
	}
	if att.URL != "tg-file://large" {
		t.Fatalf("largest photo size not picked: %q", att.URL)
	}
}

func TestIsUnauthorized(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("network error"), false},
		{"401", tgbotapi.Error{Code: 401, Message: "Unauthorized"}, true},
		{"404 revoked token", tgbotapi.Error{Code: 404, Message: "Not Found"}, true},
		{"429", tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, false},
		{"wrapped", fmt.Errorf("getMe: %w", tgbotapi.Error{Code: 401, Message: "Unauthorized"}), true},
		{"text fallback", fmt.Errorf("Unauthorized"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUnauthorized(tt.err); got != tt.want {
				t.Fatalf("isUnauthorized(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
