package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaymesh/relay-server/internal/event"
)

// LocalPartition stores events in a sqlite database file, one file per
// partition so detach leaves the data on disk untouched.
type LocalPartition struct {
	db   *sql.DB
	name string
	path string
}

// OpenLocalPartition opens (creating if needed) the partition database.
func OpenLocalPartition(name, path string) (*LocalPartition, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
	}

	p := &LocalPartition{db: db, name: name, path: path}
	if err := p.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *LocalPartition) initialize() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			kind INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL,
			sig TEXT,
			dedup TEXT,
			first_seen INTEGER NOT NULL,
			deleted_at INTEGER,
			expiry INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_author ON events (pubkey, kind, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_dedup ON events (dedup) WHERE dedup IS NOT NULL`,
	} {
		if _, err := p.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Name returns the partition name.
func (p *LocalPartition) Name() string { return p.name }

// Path returns the database file path.
func (p *LocalPartition) Path() string { return p.path }

// Close closes the partition database. The file stays on disk.
func (p *LocalPartition) Close() error { return p.db.Close() }

// Insert stores the event. A duplicate ID is silently skipped, never
// overwritten; the returned bool reports whether a row was written.
func (p *LocalPartition) Insert(ctx context.Context, ev *event.Event) (bool, error) {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}

	firstSeen := ev.FirstSeen
	if firstSeen == 0 {
		firstSeen = time.Now().Unix()
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, pubkey, kind, created_at, content, tags, sig, dedup, first_seen, deleted_at, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PubKey, ev.Kind, ev.CreatedAt, ev.Content, string(tags), ev.Sig,
		nullString(ev.DedupKey()), firstSeen, nullInt(ev.DeletedAt), nullInt(ev.Expiry))
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// InsertOrReplace applies latest-wins semantics for a replaceable event: an
// older event with the same dedup key is deleted, a newer one makes this
// insert a no-op. Only the hot tier calls this; replaceable events always
// carry a current timestamp so they always land hot, which is what lets the
// coordinator skip cross-tier uniqueness checks.
func (p *LocalPartition) InsertOrReplace(ctx context.Context, ev *event.Event) (bool, error) {
	dedup := ev.DedupKey()
	if dedup == "" {
		return p.Insert(ctx, ev)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	var existingCreated int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM events WHERE dedup = ?`, dedup).
		Scan(&existingID, &existingCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Nothing to replace.
	case err != nil:
		return false, fmt.Errorf("failed to look up replaceable event: %w", err)
	case existingCreated > ev.CreatedAt,
		existingCreated == ev.CreatedAt && existingID <= ev.ID:
		// The stored event wins; ties break on the lower ID.
		return false, tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, existingID); err != nil {
			return false, fmt.Errorf("failed to delete superseded event: %w", err)
		}
	}

	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}
	firstSeen := ev.FirstSeen
	if firstSeen == 0 {
		firstSeen = time.Now().Unix()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, pubkey, kind, created_at, content, tags, sig, dedup, first_seen, deleted_at, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PubKey, ev.Kind, ev.CreatedAt, ev.Content, string(tags), ev.Sig,
		dedup, firstSeen, nullInt(ev.DeletedAt), nullInt(ev.Expiry))
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit replace: %w", err)
	}
	return affected > 0, nil
}

// Query returns events matching the filter, newest first.
func (p *LocalPartition) Query(ctx context.Context, f Filter) ([]*event.Event, error) {
	where := []string{"deleted_at IS NULL"}
	var args []interface{}

	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, "pubkey IN ("+placeholders(len(f.Authors))+")")
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at < ?")
		args = append(args, f.Until)
	}

	query := `
		SELECT id, pubkey, kind, created_at, content, tags, sig, first_seen, deleted_at, expiry
		FROM events WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", p.name, err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountRange counts rows with created_at in [from, to).
func (p *LocalPartition) CountRange(ctx context.Context, from, to int64) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE created_at >= ? AND created_at < ?`,
		from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count range: %w", err)
	}
	return count, nil
}

// DeleteRange removes rows with created_at in [from, to) and returns how
// many were removed. Keyed by range, not by row list, so repeating the same
// delete after a crash never double-deletes.
func (p *LocalPartition) DeleteRange(ctx context.Context, from, to int64) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at >= ? AND created_at < ?`, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to delete range: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// KeyExtent returns the min and max created_at among rows below cutoff.
func (p *LocalPartition) KeyExtent(ctx context.Context, cutoff int64) (int64, int64, bool, error) {
	var min, max sql.NullInt64
	err := p.db.QueryRowContext(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM events WHERE created_at < ?`,
		cutoff).Scan(&min, &max)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read key extent: %w", err)
	}
	if !min.Valid {
		return 0, 0, false, nil
	}
	return min.Int64, max.Int64, true, nil
}

// ScanRange streams rows with created_at in [from, to) in batches of size
// batchSize, invoking fn for each batch. Used by archival and narrow copies.
func (p *LocalPartition) ScanRange(ctx context.Context, from, to int64, batchSize int, fn func([]*event.Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	lastCreated := from - 1
	lastID := ""
	for {
		rows, err := p.db.QueryContext(ctx, `
			SELECT id, pubkey, kind, created_at, content, tags, sig, first_seen, deleted_at, expiry
			FROM events
			WHERE created_at >= ? AND created_at < ? AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at, id
			LIMIT ?`,
			from, to, lastCreated, lastCreated, lastID, batchSize)
		if err != nil {
			return fmt.Errorf("failed to scan range: %w", err)
		}

		var batch []*event.Event
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, ev)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed closing scan rows: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}

		last := batch[len(batch)-1]
		lastCreated, lastID = last.CreatedAt, last.ID
	}
}

// DeleteEvent removes a single event by ID. Returns false when absent.
func (p *LocalPartition) DeleteEvent(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteExpired removes events whose expiry has passed and returns their IDs
// so the caller can drop their tag index entries.
func (p *LocalPartition) DeleteExpired(ctx context.Context, now int64) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM events WHERE expiry IS NOT NULL AND expiry <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM events WHERE expiry IS NOT NULL AND expiry <= ?`, now); err != nil {
		return nil, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return ids, nil
}

// Count returns the total number of rows in the partition.
func (p *LocalPartition) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var ev event.Event
	var tags string
	var sig sql.NullString
	var deletedAt, expiry sql.NullInt64
	err := row.Scan(&ev.ID, &ev.PubKey, &ev.Kind, &ev.CreatedAt, &ev.Content,
		&tags, &sig, &ev.FirstSeen, &deletedAt, &expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", ev.ID, err)
	}
	ev.Sig = sig.String
	ev.DeletedAt = deletedAt.Int64
	ev.Expiry = expiry.Int64
	return &ev, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

var _ Partition = (*LocalPartition)(nil)
