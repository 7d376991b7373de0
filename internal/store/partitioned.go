// Package store implements the range-partitioned event table: a hot local
// partition for recent writes plus remote partitions reached over the mesh,
// with inserts routed by event timestamp and queries fanned out across every
// partition whose range intersects the predicate.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/relaymesh/relay-server/internal/event"
	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/tagindex"
)

var log = logging.Logger("store")

// Errors returned by routing operations.
var (
	ErrRangeOverlap = errors.New("partition range overlaps an attached partition")
	ErrRangeGap     = errors.New("partition ranges would become non-contiguous")
	ErrNotAttached  = errors.New("partition not attached")
	ErrNoPartition  = errors.New("no partition owns this key")
	ErrInvalidKey   = errors.New("partition key out of range")
)

// DefaultQueryTimeout bounds each per-partition query during fan-out so a
// hung remote node cannot stall queries against healthy partitions.
const DefaultQueryTimeout = 15 * time.Second

type routeEntry struct {
	rng  registry.Range
	part Partition
	hot  bool
}

// PartitionInfo describes one attached partition.
type PartitionInfo struct {
	Name  string
	Range registry.Range
	Hot   bool
}

// QueryReport records which partitions a fan-out touched and which failed.
// Failures yield partial results plus a prominent warning rather than a
// failed query.
type QueryReport struct {
	Visited []string
	Failed  map[string]error
}

// Store is the partition-routing table over the logical event set.
//
// The hot partition behaves like a default partition: attaching a remote
// partition carves its range out of the hot range, and detaching one hands
// the range back, so the union of ranges always covers the key space.
// Topology mutations (Attach/Detach/NarrowHot) must be serialized by the
// caller; insert and query traffic is safe concurrently.
type Store struct {
	mu      sync.RWMutex
	entries []routeEntry

	tags         *tagindex.Index
	queryTimeout time.Duration
}

// New creates an empty store. The tag index may be nil (archive nodes serve
// their partition without one).
func New(tags *tagindex.Index) *Store {
	return &Store{tags: tags, queryTimeout: DefaultQueryTimeout}
}

// SetQueryTimeout overrides the per-partition fan-out timeout.
func (s *Store) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		s.queryTimeout = d
	}
}

// AttachHot installs the hot partition covering rng. Exactly one hot
// partition exists at a time.
func (s *Store) AttachHot(rng registry.Range, part Partition) error {
	if !rng.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, rng)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.hot {
			return fmt.Errorf("hot partition %s already attached", e.part.Name())
		}
		if e.rng.Intersects(rng) {
			return fmt.Errorf("%w: %s intersects %s", ErrRangeOverlap, rng, e.rng)
		}
	}
	s.insertEntry(routeEntry{rng: rng, part: part, hot: true})
	log.Infof("Hot partition %s attached covering %s", part.Name(), rng)
	return nil
}

// Attach adds a routing entry for a partition owning rng. The range is
// carved out of the hot partition's current range, which must contain it
// and share one of its bounds; the hot range narrows to the remainder.
func (s *Store) Attach(rng registry.Range, part Partition) error {
	if !rng.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, rng)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hotIdx := -1
	for i, e := range s.entries {
		if e.hot {
			hotIdx = i
			continue
		}
		if e.rng.Intersects(rng) {
			return fmt.Errorf("%w: %s intersects %s owned by %s",
				ErrRangeOverlap, rng, e.rng, e.part.Name())
		}
		if e.part.Name() == part.Name() {
			return fmt.Errorf("partition %s already attached", part.Name())
		}
	}
	if hotIdx < 0 {
		return fmt.Errorf("%w: no hot partition to carve from", ErrRangeGap)
	}

	remainder, err := s.entries[hotIdx].rng.Carve(rng)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRangeGap, err)
	}

	s.entries[hotIdx].rng = remainder
	s.insertEntry(routeEntry{rng: rng, part: part})
	log.Infof("Partition %s attached covering %s, hot narrowed to %s",
		part.Name(), rng, remainder)
	return nil
}

// Detach removes a partition's routing entry and hands its range back to
// the hot partition. Shorthand for DetachInto with the hot heir.
func (s *Store) Detach(name string) (registry.Range, error) {
	return s.DetachInto(name, "")
}

// DetachInto removes a partition's routing entry without touching its data;
// the range is merged into the heir's entry so coverage stays contiguous,
// which requires the two ranges to be adjacent. An empty heir means the hot
// partition. Rows stored in the detached partition become unreachable
// through this table until it is re-attached.
func (s *Store) DetachInto(name, heir string) (registry.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	heirIdx := -1
	for i, e := range s.entries {
		if !e.hot && e.part.Name() == name {
			idx = i
			continue
		}
		if heir == "" {
			if e.hot {
				heirIdx = i
			}
		} else if e.part.Name() == heir {
			heirIdx = i
		}
	}
	if idx < 0 {
		return registry.Range{}, fmt.Errorf("%w: %s", ErrNotAttached, name)
	}
	if heirIdx < 0 {
		if heir == "" {
			return registry.Range{}, fmt.Errorf("%w: no hot partition to absorb range", ErrRangeGap)
		}
		return registry.Range{}, fmt.Errorf("%w: heir %s", ErrNotAttached, heir)
	}

	freed := s.entries[idx].rng
	heirName := s.entries[heirIdx].part.Name()
	merged, err := s.entries[heirIdx].rng.Merge(freed)
	if err != nil {
		return registry.Range{}, fmt.Errorf("%w: %v", ErrRangeGap, err)
	}
	s.entries[heirIdx].rng = merged

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	log.Infof("Partition %s detached, range %s reverts to %s routing", name, freed, heirName)
	return freed, nil
}

// Insert routes the event by created_at to exactly one partition. The
// returned partition name is where the row landed; inserted is false when
// the identifier already existed there (idempotent replay).
//
// Hot-tier writes maintain the tag index and replaceable-event semantics;
// rows pushed to a remote partition do neither, since their tag entries were
// created while the row was hot.
func (s *Store) Insert(ctx context.Context, ev *event.Event) (string, bool, error) {
	if ev.CreatedAt < registry.KeyMin {
		return "", false, fmt.Errorf("%w: created_at %d", ErrInvalidKey, ev.CreatedAt)
	}

	s.mu.RLock()
	e, ok := s.routeLocked(ev.CreatedAt)
	s.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("%w: created_at %d", ErrNoPartition, ev.CreatedAt)
	}

	var inserted bool
	var err error
	if e.hot {
		if lp, isLocal := e.part.(*LocalPartition); isLocal && ev.DedupKey() != "" {
			inserted, err = lp.InsertOrReplace(ctx, ev)
		} else {
			inserted, err = e.part.Insert(ctx, ev)
		}
		if err == nil && inserted && s.tags != nil {
			if terr := s.tags.Upsert(ctx, ev); terr != nil {
				log.Warnf("Failed to index tags for %s: %v", ev.ID, terr)
			}
		}
	} else {
		inserted, err = e.part.Insert(ctx, ev)
	}
	if err != nil {
		return e.part.Name(), false, err
	}
	return e.part.Name(), inserted, nil
}

// Query fans out across every partition whose range intersects the filter's
// key bounds, concurrently, and merges the results newest first. Partitions
// that fail or time out are reported in the QueryReport and produce partial
// results, not a failed query.
func (s *Store) Query(ctx context.Context, f Filter) ([]*event.Event, *QueryReport, error) {
	if f.HasTag() {
		if s.tags == nil {
			return nil, nil, errors.New("tag-filtered query without a tag index")
		}
		ids, err := s.tags.Lookup(ctx, f.TagName, f.TagValue)
		if err != nil {
			return nil, nil, err
		}
		if len(f.IDs) > 0 {
			ids = intersect(f.IDs, ids)
		}
		if len(ids) == 0 {
			return nil, &QueryReport{}, nil
		}
		f.IDs = ids
		f.TagName, f.TagValue = "", ""
	}

	bounds := f.KeyBounds()

	s.mu.RLock()
	var targets []routeEntry
	for _, e := range s.entries {
		if e.rng.Intersects(bounds) {
			targets = append(targets, e)
		}
	}
	s.mu.RUnlock()

	report := &QueryReport{Failed: make(map[string]error)}
	type partResult struct {
		name   string
		events []*event.Event
		err    error
	}
	results := make(chan partResult, len(targets))

	var wg sync.WaitGroup
	for _, e := range targets {
		report.Visited = append(report.Visited, e.part.Name())
		wg.Add(1)
		go func(e routeEntry) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
			defer cancel()
			evs, err := e.part.Query(pctx, f)
			results <- partResult{name: e.part.Name(), events: evs, err: err}
		}(e)
	}
	wg.Wait()
	close(results)

	var merged []*event.Event
	seen := make(map[string]struct{})
	for r := range results {
		if r.err != nil {
			log.Warnf("Partition %s failed during fan-out, returning partial results: %v", r.name, r.err)
			report.Failed[r.name] = r.err
			continue
		}
		for _, ev := range r.events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, report, nil
}

// DeleteEvent removes an event from the hot tier and drops its tag index
// entries. Events on remote tiers are immutable through this path.
func (s *Store) DeleteEvent(ctx context.Context, id string) (bool, error) {
	hot, ok := s.hotLocal()
	if !ok {
		return false, ErrNotAttached
	}
	deleted, err := hot.DeleteEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted && s.tags != nil {
		if terr := s.tags.Remove(ctx, id); terr != nil {
			log.Warnf("Failed to drop tag entries for %s: %v", id, terr)
		}
	}
	return deleted, nil
}

// DeleteExpired sweeps expired events from the hot tier.
func (s *Store) DeleteExpired(ctx context.Context, now int64) (int, error) {
	hot, ok := s.hotLocal()
	if !ok {
		return 0, ErrNotAttached
	}
	ids, err := hot.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if s.tags != nil {
		for _, id := range ids {
			if terr := s.tags.Remove(ctx, id); terr != nil {
				log.Warnf("Failed to drop tag entries for %s: %v", id, terr)
			}
		}
	}
	if len(ids) > 0 {
		log.Infof("Expired %d events from hot tier", len(ids))
	}
	return len(ids), nil
}

// NarrowHot rotates the hot partition: a fresh hot partition covering
// [newLowerBound, +inf) replaces the current one, rows at or above the bound
// are copied into it and rows below the bound are routed to the partitions
// that own them. Every copy is duplicate-tolerant, so the operation is
// safely restartable from a crash mid-copy. The old partition's file is left
// on disk.
//
// Keys below newLowerBound must already be owned by non-hot partitions,
// otherwise the copy would have nowhere to put them and the store returns
// ErrRangeGap before moving anything.
//
// The caller must quiesce insert traffic for the duration: a row written to
// the old hot partition behind the scan cursor stays in the rotated file and
// is unreachable once routing swaps. The operator command runs against a
// store no daemon is serving, which satisfies this.
func (s *Store) NarrowHot(ctx context.Context, newLowerBound int64, fresh *LocalPartition) error {
	s.mu.RLock()
	hotIdx := -1
	for i, e := range s.entries {
		if e.hot {
			hotIdx = i
		}
	}
	if hotIdx < 0 {
		s.mu.RUnlock()
		return ErrNotAttached
	}
	oldHot := s.entries[hotIdx].part.(*LocalPartition)
	hotRange := s.entries[hotIdx].rng
	s.mu.RUnlock()

	if newLowerBound < hotRange.From {
		return fmt.Errorf("%w: keys [%d, %d) are owned by other partitions",
			ErrRangeOverlap, newLowerBound, hotRange.From)
	}
	if newLowerBound > hotRange.From {
		return fmt.Errorf("%w: keys [%d, %d) would have no owner",
			ErrRangeGap, hotRange.From, newLowerBound)
	}

	// Copy phase. Rows below the bound are stale leftovers from before the
	// owning partitions were attached; push them home. Rows at or above it
	// go to the replacement hot partition.
	var moved, kept int64
	err := oldHot.ScanRange(ctx, registry.KeyMin, registry.KeyMax, 500, func(batch []*event.Event) error {
		for _, ev := range batch {
			if ev.CreatedAt >= newLowerBound {
				if _, err := fresh.Insert(ctx, ev); err != nil {
					return fmt.Errorf("failed to copy %s to new hot partition: %w", ev.ID, err)
				}
				kept++
				continue
			}
			if _, _, err := s.Insert(ctx, ev); err != nil {
				return fmt.Errorf("failed to route %s to its owner: %w", ev.ID, err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Swap routing. The old partition file stays on disk.
	s.mu.Lock()
	for i := range s.entries {
		if s.entries[i].hot {
			s.entries[i].part = fresh
			s.entries[i].rng = registry.Range{From: newLowerBound, To: registry.KeyMax}
		}
	}
	s.mu.Unlock()

	if err := oldHot.Close(); err != nil {
		log.Warnf("Failed to close rotated hot partition: %v", err)
	}
	log.Infof("Hot partition narrowed to [%d, +inf): %d rows kept, %d rows routed to owners",
		newLowerBound, kept, moved)
	return nil
}

// Partition returns the attached partition with the given name.
func (s *Store) Partition(name string) (Partition, registry.Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.part.Name() == name {
			return e.part, e.rng, nil
		}
	}
	return nil, registry.Range{}, fmt.Errorf("%w: %s", ErrNotAttached, name)
}

// HotPartition returns the hot partition and its routing range.
func (s *Store) HotPartition() (*LocalPartition, registry.Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.hot {
			return e.part.(*LocalPartition), e.rng, nil
		}
	}
	return nil, registry.Range{}, ErrNotAttached
}

// Partitions lists attached partitions ordered by range.
func (s *Store) Partitions() []PartitionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PartitionInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, PartitionInfo{Name: e.part.Name(), Range: e.rng, Hot: e.hot})
	}
	return infos
}

// Stats returns per-partition row counts. Unreachable partitions report -1.
func (s *Store) Stats(ctx context.Context) map[string]int64 {
	s.mu.RLock()
	entries := append([]routeEntry(nil), s.entries...)
	s.mu.RUnlock()

	stats := make(map[string]int64, len(entries))
	for _, e := range entries {
		pctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		n, err := e.part.CountRange(pctx, registry.KeyMin, registry.KeyMax)
		cancel()
		if err != nil {
			log.Warnf("Failed to count partition %s: %v", e.part.Name(), err)
			stats[e.part.Name()] = -1
			continue
		}
		stats[e.part.Name()] = n
	}
	return stats
}

// Close closes every attached partition.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, e := range s.entries {
		if err := e.part.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.entries = nil
	return firstErr
}

func (s *Store) routeLocked(key int64) (routeEntry, bool) {
	for _, e := range s.entries {
		if e.rng.Contains(key) {
			return e, true
		}
	}
	return routeEntry{}, false
}

func (s *Store) hotLocal() (*LocalPartition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.hot {
			lp, ok := e.part.(*LocalPartition)
			return lp, ok
		}
	}
	return nil, false
}

func (s *Store) insertEntry(e routeEntry) {
	s.entries = append(s.entries, e)
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].rng.From < s.entries[j].rng.From
	})
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range b {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
