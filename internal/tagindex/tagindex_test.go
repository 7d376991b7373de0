package tagindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relaymesh/relay-server/internal/event"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "tagindex.db"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndLookup(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	ev := &event.Event{
		ID: "event1",
		Tags: [][]string{
			{"e", "ref1"},
			{"p", "author1"},
			{"nonce", "12345"}, // multi-char name, not indexed
		},
	}
	if err := idx.Upsert(ctx, ev); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ids, err := idx.Lookup(ctx, "e", "ref1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "event1" {
		t.Fatalf("Lookup(e, ref1) = %v, want [event1]", ids)
	}

	ids, err = idx.Lookup(ctx, "nonce", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("multi-char tag name was indexed: %v", ids)
	}
}

func TestUpsert_ReplacesPriorEntries(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	ev := &event.Event{ID: "event1", Tags: [][]string{{"t", "old"}}}
	if err := idx.Upsert(ctx, ev); err != nil {
		t.Fatal(err)
	}

	ev.Tags = [][]string{{"t", "new"}}
	if err := idx.Upsert(ctx, ev); err != nil {
		t.Fatal(err)
	}

	old, _ := idx.Lookup(ctx, "t", "old")
	if len(old) != 0 {
		t.Fatalf("stale entry survived upsert: %v", old)
	}
	fresh, _ := idx.Lookup(ctx, "t", "new")
	if len(fresh) != 1 {
		t.Fatalf("fresh entry missing: %v", fresh)
	}
}

func TestRemove(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		ev := &event.Event{ID: id, Tags: [][]string{{"t", "shared"}}}
		if err := idx.Upsert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	if err := idx.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	ids, err := idx.Lookup(ctx, "t", "shared")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("Lookup after Remove = %v, want [b]", ids)
	}
}
