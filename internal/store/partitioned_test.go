package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/relaymesh/relay-server/internal/event"
	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/tagindex"
)

const archiveBound = int64(1700000000)

// newTestStore builds a store with a hot partition covering the full key
// space and, when withArchive is set, an archive partition owning
// [0, archiveBound) carved out of it.
func newTestStore(t *testing.T, withArchive bool) (*Store, *LocalPartition, *LocalPartition) {
	t.Helper()
	dir := t.TempDir()

	tags, err := tagindex.Open(filepath.Join(dir, "tags.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tags.Close() })

	hot, err := OpenLocalPartition("hot", filepath.Join(dir, "hot.db"))
	if err != nil {
		t.Fatal(err)
	}

	s := New(tags)
	if err := s.AttachHot(registry.FullRange(), hot); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	var archive *LocalPartition
	if withArchive {
		archive, err = OpenLocalPartition("archive1", filepath.Join(dir, "archive1.db"))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Attach(registry.Range{From: registry.KeyMin, To: archiveBound}, archive); err != nil {
			t.Fatal(err)
		}
	}
	return s, hot, archive
}

func TestInsert_RoutesByTimestamp(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()

	cases := []struct {
		id        string
		createdAt int64
		want      string
	}{
		{"ancient", 100, "archive1"},
		{"fresh", archiveBound + 1, "hot"},
		{"boundary-below", archiveBound - 1, "archive1"},
		{"boundary-at", archiveBound, "hot"},
	}
	for _, tc := range cases {
		name, inserted, err := s.Insert(ctx, testEvent(tc.id, tc.createdAt))
		if err != nil {
			t.Fatalf("%s: %v", tc.id, err)
		}
		if !inserted {
			t.Fatalf("%s: not inserted", tc.id)
		}
		if name != tc.want {
			t.Errorf("event at %d landed on %s, want %s", tc.createdAt, name, tc.want)
		}
	}
}

func TestAttach_RejectsOverlapAndGap(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	dir := t.TempDir()

	other, err := OpenLocalPartition("archive2", filepath.Join(dir, "archive2.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	// Overlaps archive1.
	err = s.Attach(registry.Range{From: 500, To: archiveBound + 500}, other)
	if !errors.Is(err, ErrRangeOverlap) {
		t.Fatalf("overlapping attach = %v, want ErrRangeOverlap", err)
	}

	// Inside the hot range but not touching either bound, would split it.
	err = s.Attach(registry.Range{From: archiveBound + 100, To: archiveBound + 200}, other)
	if !errors.Is(err, ErrRangeGap) {
		t.Fatalf("mid-range attach = %v, want ErrRangeGap", err)
	}

	// Carving the low end of the hot range is fine.
	if err := s.Attach(registry.Range{From: archiveBound, To: archiveBound + 100}, other); err != nil {
		t.Fatalf("adjacent attach failed: %v", err)
	}
}

func TestQuery_SinceBoundSkipsArchive(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()

	for _, tc := range []struct {
		id string
		ts int64
	}{
		{"old", 100},
		{"new", archiveBound + 10},
	} {
		if _, _, err := s.Insert(ctx, testEvent(tc.id, tc.ts)); err != nil {
			t.Fatal(err)
		}
	}

	got, report, err := s.Query(ctx, Filter{Since: archiveBound})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("bounded query = %+v, want [new]", got)
	}
	if len(report.Visited) != 1 || report.Visited[0] != "hot" {
		t.Fatalf("bounded query visited %v, want only hot", report.Visited)
	}

	_, report, err = s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Visited) != 2 {
		t.Fatalf("unbounded query visited %v, want both partitions", report.Visited)
	}
}

func TestQuery_MergesNewestFirstAcrossPartitions(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()

	for _, tc := range []struct {
		id string
		ts int64
	}{
		{"a", 100},
		{"b", archiveBound + 5},
		{"c", 200},
		{"d", archiveBound + 1},
	} {
		if _, _, err := s.Insert(ctx, testEvent(tc.id, tc.ts)); err != nil {
			t.Fatal(err)
		}
	}

	got, _, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"b", "d", "c", "a"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d events, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s (full order %+v)", i, got[i].ID, id, got)
		}
	}

	limited, _, err := s.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != "b" || limited[1].ID != "d" {
		t.Fatalf("limited query = %+v, want [b d]", limited)
	}
}

func TestDetach_RangeRevertsToHot(t *testing.T) {
	s, _, archive := newTestStore(t, true)
	ctx := context.Background()

	if _, _, err := s.Insert(ctx, testEvent("old", 100)); err != nil {
		t.Fatal(err)
	}

	freed, err := s.Detach("archive1")
	if err != nil {
		t.Fatal(err)
	}
	if freed.From != registry.KeyMin || freed.To != archiveBound {
		t.Fatalf("freed range = %s", freed)
	}

	// The row still exists in the archive file but routes through hot now,
	// so it is unreachable until re-attach.
	got, report, err := s.Query(ctx, Filter{IDs: []string{"old"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("detached partition's rows still reachable: %+v", got)
	}
	if len(report.Visited) != 1 || report.Visited[0] != "hot" {
		t.Fatalf("visited %v after detach, want only hot", report.Visited)
	}

	// Inserts for the reclaimed range land on the hot tier.
	name, _, err := s.Insert(ctx, testEvent("old2", 200))
	if err != nil {
		t.Fatal(err)
	}
	if name != "hot" {
		t.Fatalf("insert after detach landed on %s, want hot", name)
	}

	// Re-attach restores reachability of the original row.
	if err := s.Attach(registry.Range{From: registry.KeyMin, To: archiveBound}, archive); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.Query(ctx, Filter{IDs: []string{"old"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("row not reachable after re-attach: %+v", got)
	}
}

func TestDetach_NotAttached(t *testing.T) {
	s, _, _ := newTestStore(t, false)
	if _, err := s.Detach("nosuch"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Detach(nosuch) = %v, want ErrNotAttached", err)
	}
}

func TestDetachInto_AdjacentPartition(t *testing.T) {
	s, _, archive := newTestStore(t, true)
	ctx := context.Background()
	dir := t.TempDir()
	t.Cleanup(func() { archive.Close() })

	// Stack a second tier between archive1 and the hot range.
	newer, err := OpenLocalPartition("archive2", filepath.Join(dir, "archive2.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(registry.Range{From: archiveBound, To: archiveBound + 1000}, newer); err != nil {
		t.Fatal(err)
	}

	// archive1 and the hot range are not adjacent now.
	if _, err := s.DetachInto("archive1", ""); !errors.Is(err, ErrRangeGap) {
		t.Fatalf("detach into non-adjacent hot = %v, want ErrRangeGap", err)
	}
	if _, _, err := s.Partition("archive1"); err != nil {
		t.Fatal("rejected detach removed the routing entry")
	}

	if _, err := s.DetachInto("archive1", "nosuch"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("detach into unknown heir = %v, want ErrNotAttached", err)
	}

	if _, _, err := s.Insert(ctx, testEvent("old", 100)); err != nil {
		t.Fatal(err)
	}

	freed, err := s.DetachInto("archive1", "archive2")
	if err != nil {
		t.Fatalf("detach into adjacent archive: %v", err)
	}
	if freed.From != registry.KeyMin || freed.To != archiveBound {
		t.Fatalf("freed range = %s", freed)
	}
	_, rng, err := s.Partition("archive2")
	if err != nil {
		t.Fatal(err)
	}
	want := registry.Range{From: registry.KeyMin, To: archiveBound + 1000}
	if rng != want {
		t.Fatalf("heir range = %s, want %s", rng, want)
	}

	// The freed range now routes to the heir, not the hot tier.
	name, _, err := s.Insert(ctx, testEvent("old2", 200))
	if err != nil {
		t.Fatal(err)
	}
	if name != "archive2" {
		t.Fatalf("insert after detach landed on %s, want archive2", name)
	}
}

// failingPartition errors on every operation, standing in for an
// unreachable archive node.
type failingPartition struct {
	name string
	rng  registry.Range
}

func (f *failingPartition) Name() string { return f.name }
func (f *failingPartition) Insert(context.Context, *event.Event) (bool, error) {
	return false, errors.New("node unreachable")
}
func (f *failingPartition) Query(context.Context, Filter) ([]*event.Event, error) {
	return nil, errors.New("node unreachable")
}
func (f *failingPartition) CountRange(context.Context, int64, int64) (int64, error) {
	return 0, errors.New("node unreachable")
}
func (f *failingPartition) DeleteRange(context.Context, int64, int64) (int64, error) {
	return 0, errors.New("node unreachable")
}
func (f *failingPartition) KeyExtent(context.Context, int64) (int64, int64, bool, error) {
	return 0, 0, false, errors.New("node unreachable")
}
func (f *failingPartition) Close() error { return nil }

func TestQuery_PartialResultsOnPartitionFailure(t *testing.T) {
	s, _, _ := newTestStore(t, false)
	ctx := context.Background()

	bad := &failingPartition{name: "archive1"}
	if err := s.Attach(registry.Range{From: registry.KeyMin, To: archiveBound}, bad); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Insert(ctx, testEvent("fresh", archiveBound+1)); err != nil {
		t.Fatal(err)
	}

	got, report, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("partial results = %+v, want [fresh]", got)
	}
	if _, failed := report.Failed["archive1"]; !failed {
		t.Fatalf("report.Failed = %v, want archive1 recorded", report.Failed)
	}
}

func TestQuery_TagFilterUsesIndex(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()

	tagged := testEvent("tagged", archiveBound+1)
	tagged.Tags = [][]string{{"e", "ref1"}}
	plain := testEvent("plain", archiveBound+2)

	for _, ev := range []*event.Event{tagged, plain} {
		if _, _, err := s.Insert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, _, err := s.Query(ctx, Filter{TagName: "e", TagValue: "ref1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "tagged" {
		t.Fatalf("tag query = %+v, want [tagged]", got)
	}

	// No index entries means no partition is touched at all.
	got, report, err := s.Query(ctx, Filter{TagName: "e", TagValue: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || len(report.Visited) != 0 {
		t.Fatalf("missing tag query touched partitions: %v", report.Visited)
	}
}

func TestNarrowHot_RoutesStaleRowsToOwner(t *testing.T) {
	s, _, _ := newTestStore(t, false)
	ctx := context.Background()
	dir := t.TempDir()

	// Rows written while hot still covered everything.
	for _, tc := range []struct {
		id string
		ts int64
	}{
		{"stale1", 100},
		{"stale2", 200},
		{"fresh1", archiveBound + 1},
	} {
		if _, _, err := s.Insert(ctx, testEvent(tc.id, tc.ts)); err != nil {
			t.Fatal(err)
		}
	}

	archive, err := OpenLocalPartition("archive1", filepath.Join(dir, "archive1.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(registry.Range{From: registry.KeyMin, To: archiveBound}, archive); err != nil {
		t.Fatal(err)
	}

	fresh, err := OpenLocalPartition("hot", filepath.Join(dir, "hot2.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.NarrowHot(ctx, archiveBound, fresh); err != nil {
		t.Fatal(err)
	}

	moved, err := archive.CountRange(ctx, registry.KeyMin, registry.KeyMax)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Fatalf("archive holds %d rows after narrow, want 2", moved)
	}
	kept, err := fresh.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kept != 1 {
		t.Fatalf("new hot holds %d rows, want 1", kept)
	}

	// All three rows remain reachable through the table.
	got, _, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("query after narrow returned %d events, want 3", len(got))
	}
}

func TestNarrowHot_BoundValidation(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()
	dir := t.TempDir()

	fresh, err := OpenLocalPartition("hot2", filepath.Join(dir, "hot2.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()

	// Below the hot range start: those keys belong to archive1.
	if err := s.NarrowHot(ctx, 500, fresh); !errors.Is(err, ErrRangeOverlap) {
		t.Fatalf("NarrowHot below bound = %v, want ErrRangeOverlap", err)
	}
	// Above it: keys in between would have no owner.
	if err := s.NarrowHot(ctx, archiveBound+500, fresh); !errors.Is(err, ErrRangeGap) {
		t.Fatalf("NarrowHot above bound = %v, want ErrRangeGap", err)
	}
}
