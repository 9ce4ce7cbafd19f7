// Package conversation maintains the bidirectional mapping between external
// chats and internal conversation ids, with optional SQLite persistence so
// conversation continuity survives restarts.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketagent/bridge/internal/bridge"
)

// Link is one persisted external-chat-to-conversation binding.
type Link struct {
	ConversationID string
	Channel        bridge.ChannelType
	ExternalChatID string
	CreatedAt      time.Time
}

// LinkStore persists conversation links and per-channel sync cursors.
type LinkStore interface {
	LoadLinks(ctx context.Context) ([]Link, error)
	SaveLink(ctx context.Context, link Link) error
	Cursor(ctx context.Context, channelType bridge.ChannelType) (string, error)
	SetCursor(ctx context.Context, channelType bridge.ChannelType, value string) error
	Close() error
}

// SQLiteStore implements LinkStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates the
// schema.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection keeps SQLite writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_links (
		conversation_id  TEXT PRIMARY KEY,
		channel          TEXT NOT NULL,
		external_chat_id TEXT NOT NULL,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(channel, external_chat_id)
	);

	CREATE TABLE IF NOT EXISTS channel_cursors (
		channel    TEXT PRIMARY KEY,
		cursor     TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadLinks returns every persisted link.
func (s *SQLiteStore) LoadLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, channel, external_chat_id, created_at FROM conversation_links`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var link Link
		var channel string
		if err := rows.Scan(&link.ConversationID, &channel, &link.ExternalChatID, &link.CreatedAt); err != nil {
			return nil, err
		}
		link.Channel = bridge.ChannelType(channel)
		if !link.Channel.Valid() {
			if s.logger != nil {
				s.logger.Warn("skipping link with unknown channel", slog.String("channel", channel))
			}
			continue
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// SaveLink persists one link. Replaying an existing link is a no-op.
func (s *SQLiteStore) SaveLink(ctx context.Context, link Link) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_links (conversation_id, channel, external_chat_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		link.ConversationID, link.Channel.String(), link.ExternalChatID, link.CreatedAt,
	)
	return err
}

// Cursor returns the persisted sync cursor for the channel, or "" when none
// has been stored yet.
func (s *SQLiteStore) Cursor(ctx context.Context, channelType bridge.ChannelType) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM channel_cursors WHERE channel = ?`, channelType.String(),
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// SetCursor stores the sync cursor for the channel.
func (s *SQLiteStore) SetCursor(ctx context.Context, channelType bridge.ChannelType, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_cursors (channel, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(channel) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		channelType.String(), value, time.Now().UTC(),
	)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
