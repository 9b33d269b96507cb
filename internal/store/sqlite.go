// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: One row per conversation key with parent ids stored as a JSON array

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			key             TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			parent_ids      TEXT NOT NULL DEFAULT '[]',
			title           TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Get returns the conversation for the key, or the zero value if absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, parent_ids, title, model
		FROM conversations WHERE key = ?`, key)

	var conv Conversation
	var parentsJSON string
	err := row.Scan(&conv.ConversationID, &parentsJSON, &conv.Title, &conv.Model)
	if err == sql.ErrNoRows {
		return Conversation{}, nil
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("reading conversation %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(parentsJSON), &conv.ParentIDs); err != nil {
		return Conversation{}, fmt.Errorf("decoding parent ids for %q: %w", key, err)
	}
	return conv, nil
}

// Merge applies a field-level patch via read-modify-write inside a
// transaction. Repeating the same merge is a no-op beyond the first.
func (s *SQLiteStore) Merge(ctx context.Context, key string, patch Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning merge for %q: %w", key, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT conversation_id, parent_ids, title, model
		FROM conversations WHERE key = ?`, key)

	var conv Conversation
	var parentsJSON string
	err = row.Scan(&conv.ConversationID, &parentsJSON, &conv.Title, &conv.Model)
	switch {
	case err == sql.ErrNoRows:
		// Absent key merges against the zero value
	case err != nil:
		return fmt.Errorf("reading conversation %q: %w", key, err)
	default:
		if err := json.Unmarshal([]byte(parentsJSON), &conv.ParentIDs); err != nil {
			return fmt.Errorf("decoding parent ids for %q: %w", key, err)
		}
	}

	if err := upsert(ctx, tx, key, patch.Apply(conv)); err != nil {
		return err
	}
	return tx.Commit()
}

// Replace overwrites the full record for the key.
func (s *SQLiteStore) Replace(ctx context.Context, key string, conv Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace for %q: %w", key, err)
	}
	defer tx.Rollback()

	if err := upsert(ctx, tx, key, conv); err != nil {
		return err
	}
	return tx.Commit()
}

func upsert(ctx context.Context, tx *sql.Tx, key string, conv Conversation) error {
	parents := conv.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("encoding parent ids for %q: %w", key, err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (key, conversation_id, parent_ids, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			parent_ids      = excluded.parent_ids,
			title           = excluded.title,
			model           = excluded.model,
			updated_at      = excluded.updated_at`,
		key, conv.ConversationID, string(parentsJSON), conv.Title, conv.Model, now, now)
	if err != nil {
		return fmt.Errorf("writing conversation %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
