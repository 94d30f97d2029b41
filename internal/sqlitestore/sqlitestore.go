// Package sqlitestore is a reference implementation of
// transport.DurableStore (spec §6 "Durable store (consumed)"), backed by
// modernc.org/sqlite in WAL mode with PRAGMA user_version schema migration.
// It demonstrates the contract the Triangulator consumes without making
// storage ownership a core concern (spec's Non-goals) — grounded directly
// on internal/agent/store.go's OpenStore/migrate shape.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

const currentSchemaVersion = 1

// PRIMARY KEY includes epoch_ms alongside the composite (epoch_ms,
// message_id) identity (spec §4.1): message_id is optional, and a
// publisher that never sets it would otherwise collide every sample in a
// session onto a single (session_id, "") row.
const schema = `
CREATE TABLE IF NOT EXISTS samples (
	session_id TEXT    NOT NULL,
	message_id TEXT    NOT NULL,
	epoch_ms   INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	PRIMARY KEY (session_id, message_id, epoch_ms)
);
CREATE INDEX IF NOT EXISTS idx_samples_session_epoch ON samples(session_id, epoch_ms);
`

// Store is a WAL-mode SQLite-backed DurableStore.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens a database at path, enabling WAL mode and running
// any pending schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate handles schema migrations using PRAGMA user_version for tracking.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Insert upserts one Sample, keyed by (session_id, epoch_ms, message_id)
// per spec §4.1's composite identity.
func (s *Store) Insert(ctx context.Context, sm sample.Sample) error {
	sm.Normalize()
	payload, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples (session_id, message_id, epoch_ms, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, message_id, epoch_ms) DO UPDATE SET payload=excluded.payload`,
		sm.SessionID, sm.MessageID, sm.EpochMS(), payload)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// FetchBySession implements transport.DurableStore: a paginated read of
// every sample recorded for sessionID, ordered chronologically.
func (s *Store) FetchBySession(ctx context.Context, sessionID string, offset, limit int) ([]sample.Sample, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM samples WHERE session_id = ? ORDER BY epoch_ms ASC LIMIT ? OFFSET ?`,
		sessionID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []sample.Sample
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return out, false, fmt.Errorf("scan sample: %w", err)
		}
		var sm sample.Sample
		if err := json.Unmarshal(payload, &sm); err != nil {
			return out, false, fmt.Errorf("unmarshal sample: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return out, false, fmt.Errorf("iterate samples: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}
