package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pocketagent/bridge/internal/bridge"
)

func TestMapperResolveStable(t *testing.T) {
	m, err := NewMapper(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.Resolve(context.Background(), bridge.ChannelTelegram, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("empty conversation id")
	}
	again, err := m.Resolve(context.Background(), bridge.ChannelTelegram, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Fatalf("same chat resolved to %q then %q", first, again)
	}

	// The same chat id on another channel is a different conversation.
	other, err := m.Resolve(context.Background(), bridge.ChannelDiscord, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Fatal("channels must not share conversation ids")
	}
	if m.Len() != 2 {
		t.Fatalf("mapper holds %d conversations, want 2", m.Len())
	}
}

func TestMapperReverseLookup(t *testing.T) {
	m, err := NewMapper(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := m.Resolve(context.Background(), bridge.ChannelSlack, "C042")
	if err != nil {
		t.Fatal(err)
	}

	channel, chatID, ok := m.ReverseLookup(id)
	if !ok {
		t.Fatal("known conversation not found")
	}
	if channel != bridge.ChannelSlack || chatID != "C042" {
		t.Fatalf("reverse lookup returned %s/%s", channel, chatID)
	}

	if _, _, ok := m.ReverseLookup("no-such-conversation"); ok {
		t.Fatal("unknown conversation must miss")
	}
}

func TestMapperReloadsPersistedLinks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bridge.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMapper(context.Background(), nil, store)
	if err != nil {
		t.Fatal(err)
	}
	id, err := m.Resolve(context.Background(), bridge.ChannelMatrix, "!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	reloaded, err := NewMapper(context.Background(), nil, store)
	if err != nil {
		t.Fatal(err)
	}

	got, err := reloaded.Resolve(context.Background(), bridge.ChannelMatrix, "!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("conversation id changed across restart: %q then %q", id, got)
	}
	channel, chatID, ok := reloaded.ReverseLookup(id)
	if !ok || channel != bridge.ChannelMatrix || chatID != "!room:example.org" {
		t.Fatalf("reverse mapping lost after reload: %s/%s ok=%v", channel, chatID, ok)
	}
}

func TestSQLiteStoreSaveLinkIdempotent(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	link := Link{ConversationID: "c1", Channel: bridge.ChannelLine, ExternalChatID: "U777"}
	if err := store.SaveLink(context.Background(), link); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveLink(context.Background(), link); err != nil {
		t.Fatalf("replaying a link must be a no-op: %v", err)
	}

	links, err := store.LoadLinks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("got %d links, want 1", len(links))
	}
	if links[0].ConversationID != "c1" || links[0].Channel != bridge.ChannelLine {
		t.Fatalf("unexpected link: %+v", links[0])
	}
	if links[0].CreatedAt.IsZero() {
		t.Fatal("created_at not backfilled")
	}
}

func TestSQLiteStoreCursorUpsert(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cursor, err := store.Cursor(context.Background(), bridge.ChannelMatrix)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Fatalf("fresh store returned cursor %q", cursor)
	}

	if err := store.SetCursor(context.Background(), bridge.ChannelMatrix, "s1_100"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCursor(context.Background(), bridge.ChannelMatrix, "s1_200"); err != nil {
		t.Fatal(err)
	}
	cursor, err = store.Cursor(context.Background(), bridge.ChannelMatrix)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "s1_200" {
		t.Fatalf("cursor = %q, want latest value", cursor)
	}
}
