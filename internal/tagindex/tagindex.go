// Package tagindex keeps the local secondary index from tag to event
// identifier. It always lives beside the coordinator so tag-filtered reads
// never need a cross-network lookup: entries are created when an event is
// written to the hot tier and survive the event's archival. Archival must
// never remove entries; only an actual hot-tier delete does.
package tagindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaymesh/relay-server/internal/event"
)

var log = logging.Logger("tagindex")

// Index is a sqlite-backed tag index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database.
func Open(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open tag index: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initialize() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS tag_index (
			event_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (event_id, name, value)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tag_index table: %w", err)
	}
	if _, err := idx.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tag_lookup ON tag_index (name, value)
	`); err != nil {
		return fmt.Errorf("failed to create lookup index: %w", err)
	}
	return nil
}

// Close closes the index database.
func (idx *Index) Close() error { return idx.db.Close() }

// Upsert replaces all entries for the event with pairs freshly derived from
// its tag set. Only single-character tag names with non-empty values are
// kept.
func (idx *Index) Upsert(ctx context.Context, ev *event.Event) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tag_index WHERE event_id = ?`, ev.ID); err != nil {
		return fmt.Errorf("failed to clear entries for %s: %w", ev.ID, err)
	}
	for _, pair := range ev.IndexableTags() {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tag_index (event_id, name, value) VALUES (?, ?, ?)`,
			ev.ID, pair[0], pair[1]); err != nil {
			return fmt.Errorf("failed to index tag %s for %s: %w", pair[0], ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tag upsert: %w", err)
	}
	return nil
}

// Remove drops all entries for the event. Called on hot-tier deletes only.
func (idx *Index) Remove(ctx context.Context, eventID string) error {
	if _, err := idx.db.ExecContext(ctx,
		`DELETE FROM tag_index WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to remove entries for %s: %w", eventID, err)
	}
	return nil
}

// Lookup returns the IDs of events carrying the tag.
func (idx *Index) Lookup(ctx context.Context, name, value string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT event_id FROM tag_index WHERE name = ? AND value = ?`, name, value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tag %s=%s: %w", name, value, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of index entries.
func (idx *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tag_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// Rebuild repopulates the index from the given events, typically a scan of
// the hot partition after index loss.
func (idx *Index) Rebuild(ctx context.Context, events []*event.Event) (int64, error) {
	var indexed int64
	for _, ev := range events {
		if err := idx.Upsert(ctx, ev); err != nil {
			log.Warnf("Skipping index rebuild for %s: %v", ev.ID, err)
			continue
		}
		indexed++
	}
	return indexed, nil
}
