// Package registry keeps the persistent mapping of storage node names to
// their network address, mesh identity and owned partition-key range. It is
// pure bookkeeping: no network or storage-engine calls happen here.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("registry")

// Errors returned by registry operations.
var (
	ErrDuplicateName = errors.New("node name already registered")
	ErrRangeOverlap  = errors.New("range overlaps an existing node")
	ErrRangeGap      = errors.New("range would leave the key space non-contiguous")
	ErrNotFound      = errors.New("node not found")
	ErrInvalidName   = errors.New("node name must contain only letters, digits and underscores")
	ErrInvalidRange  = errors.New("invalid range")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidName reports whether the name matches the identifier pattern.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Node is one registered storage node and the range of partition keys it
// owns. PublicKey is the node's mesh identity (a libp2p peer ID); an empty
// value means no network-level allow-listing is enforced for this node.
type Node struct {
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
	Range     Range     `json:"range"`
	AddedAt   time.Time `json:"added_at"`
}

// Registry persists node records in sqlite. Every mutation is committed to
// disk before it is reported as successful.
type Registry struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	r := &Registry{db: db, path: dbPath}
	if err := r.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initialize() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			name TEXT PRIMARY KEY,
			address TEXT,
			public_key TEXT,
			range_from INTEGER NOT NULL,
			range_to INTEGER NOT NULL,
			added_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create nodes table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register adds a node whose range must not intersect any existing node's
// range. Used for bootstrap (registering the initial hot node over the full
// key space); topology changes afterwards go through NarrowAndRegister.
func (r *Registry) Register(n Node) error {
	if !ValidName(n.Name) {
		return ErrInvalidName
	}
	if !n.Range.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, n.Range)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkFree(tx, n.Name, n.Range); err != nil {
		return err
	}
	if err := insertNode(tx, n); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}

	log.Infof("Registered node %s owning %s", n.Name, n.Range)
	return nil
}

// NarrowAndRegister atomically narrows owner's range by carving n.Range out
// of one of its ends and registers n with the carved range. This is the only
// way an existing node's range is mutated, which keeps the union of all
// ranges contiguous and gap-free by construction.
func (r *Registry) NarrowAndRegister(owner string, n Node) error {
	if !ValidName(n.Name) {
		return ErrInvalidName
	}
	if !n.Range.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, n.Range)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ownerNode, err := getNode(tx, owner)
	if err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE name = ?`, n.Name).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check name: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateName
	}

	var overlapping int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM nodes WHERE name != ? AND range_from < ? AND ? < range_to`,
		owner, n.Range.To, n.Range.From).Scan(&overlapping); err != nil {
		return fmt.Errorf("failed to check overlap: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("%w: %s", ErrRangeOverlap, n.Range)
	}

	// Inside the owner's range but touching neither bound, or not inside it
	// at all: the carve would leave coverage non-contiguous.
	remainder, err := ownerNode.Range.Carve(n.Range)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRangeGap, err)
	}

	if _, err := tx.Exec(`UPDATE nodes SET range_from = ?, range_to = ? WHERE name = ?`,
		remainder.From, remainder.To, owner); err != nil {
		return fmt.Errorf("failed to narrow %s: %w", owner, err)
	}
	if err := insertNode(tx, n); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit narrow-and-register: %w", err)
	}

	log.Infof("Registered node %s owning %s, narrowed %s to %s", n.Name, n.Range, owner, remainder)
	return nil
}

// Deregister removes a node and atomically merges its range into the
// adjacent node named by into, so coverage stays contiguous. The reclaimed
// range is returned.
func (r *Registry) Deregister(name, into string) (Range, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return Range{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	victim, err := getNode(tx, name)
	if err != nil {
		return Range{}, err
	}
	heir, err := getNode(tx, into)
	if err != nil {
		return Range{}, err
	}

	merged, err := heir.Range.Merge(victim.Range)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrRangeGap, err)
	}

	if _, err := tx.Exec(`DELETE FROM nodes WHERE name = ?`, name); err != nil {
		return Range{}, fmt.Errorf("failed to delete node: %w", err)
	}
	if _, err := tx.Exec(`UPDATE nodes SET range_from = ?, range_to = ? WHERE name = ?`,
		merged.From, merged.To, into); err != nil {
		return Range{}, fmt.Errorf("failed to extend %s: %w", into, err)
	}
	if err := tx.Commit(); err != nil {
		return Range{}, fmt.Errorf("failed to commit deregistration: %w", err)
	}

	log.Infof("Deregistered node %s, range %s reclaimed by %s", name, victim.Range, into)
	return victim.Range, nil
}

// Lookup returns the node with the given name.
func (r *Registry) Lookup(name string) (Node, error) {
	row := r.db.QueryRow(`
		SELECT name, address, public_key, range_from, range_to, added_at
		FROM nodes WHERE name = ?`, name)
	return scanNode(row)
}

// All returns every registered node ordered by the lower bound of its range.
func (r *Registry) All() ([]Node, error) {
	rows, err := r.db.Query(`
		SELECT name, address, public_key, range_from, range_to, added_at
		FROM nodes ORDER BY range_from`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Owner returns the node whose range contains the given key.
func (r *Registry) Owner(key int64) (Node, error) {
	row := r.db.QueryRow(`
		SELECT name, address, public_key, range_from, range_to, added_at
		FROM nodes WHERE range_from <= ? AND range_to > ?`, key, key)
	return scanNode(row)
}

// CheckCoverage verifies that the registered ranges cover the full key space
// with no gaps and no overlaps.
func (r *Registry) CheckCoverage() error {
	nodes, err := r.All()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errors.New("no nodes registered")
	}

	cursor := KeyMin
	for _, n := range nodes {
		if n.Range.From > cursor {
			return fmt.Errorf("gap in coverage: [%d, %d) is unowned", cursor, n.Range.From)
		}
		if n.Range.From < cursor {
			return fmt.Errorf("overlap at key %d between ranges", n.Range.From)
		}
		cursor = n.Range.To
	}
	if cursor != KeyMax {
		return fmt.Errorf("gap in coverage: [%d, +inf) is unowned", cursor)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (Node, error) {
	var n Node
	var addr, pk sql.NullString
	var added int64
	err := row.Scan(&n.Name, &addr, &pk, &n.Range.From, &n.Range.To, &added)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Address = addr.String
	n.PublicKey = pk.String
	n.AddedAt = time.Unix(added, 0).UTC()
	return n, nil
}

func getNode(tx *sql.Tx, name string) (Node, error) {
	row := tx.QueryRow(`
		SELECT name, address, public_key, range_from, range_to, added_at
		FROM nodes WHERE name = ?`, name)
	return scanNode(row)
}

func checkFree(tx *sql.Tx, name string, rng Range) error {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE name = ?`, name).Scan(&count); err != nil {
		return fmt.Errorf("failed to check name: %w", err)
	}
	if count > 0 {
		return ErrDuplicateName
	}
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM nodes WHERE range_from < ? AND ? < range_to`,
		rng.To, rng.From).Scan(&count); err != nil {
		return fmt.Errorf("failed to check overlap: %w", err)
	}
	if count > 0 {
		return ErrRangeOverlap
	}
	return nil
}

func insertNode(tx *sql.Tx, n Node) error {
	added := n.AddedAt
	if added.IsZero() {
		added = time.Now().UTC()
	}
	_, err := tx.Exec(`
		INSERT INTO nodes (name, address, public_key, range_from, range_to, added_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.Name, n.Address, n.PublicKey, n.Range.From, n.Range.To, added.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}
