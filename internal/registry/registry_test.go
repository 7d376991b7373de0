package registry

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRange_Carve(t *testing.T) {
	full := FullRange()

	tests := []struct {
		name    string
		sub     Range
		want    Range
		wantErr bool
	}{
		{"low end", Range{From: KeyMin, To: 1000}, Range{From: 1000, To: KeyMax}, false},
		{"high end", Range{From: 1000, To: KeyMax}, Range{From: KeyMin, To: 1000}, false},
		{"middle split", Range{From: 100, To: 200}, Range{}, true},
		{"whole range", full, Range{}, true},
		{"not contained", Range{From: -5, To: 10}, Range{}, true},
	}

	for _, tt := range tests {
		got, err := full.Carve(tt.sub)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Carve error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("%s: Carve = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := openTestRegistry(t)

	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatalf("register hot: %v", err)
	}
	err := r.Register(Node{Name: "hot", Range: Range{From: 0, To: 100}})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestRegister_InvalidName(t *testing.T) {
	r := openTestRegistry(t)
	err := r.Register(Node{Name: "bad name!", Range: FullRange()})
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestNarrowAndRegister(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}

	archive := Node{
		Name:      "archive1",
		Address:   "/ip4/10.0.0.2/tcp/4001",
		PublicKey: "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN",
		Range:     Range{From: KeyMin, To: 1700000000},
	}
	if err := r.NarrowAndRegister("hot", archive); err != nil {
		t.Fatalf("narrow and register: %v", err)
	}

	hot, err := r.Lookup("hot")
	if err != nil {
		t.Fatal(err)
	}
	if hot.Range.From != 1700000000 || hot.Range.To != KeyMax {
		t.Errorf("hot range = %s, want [1700000000, +inf)", hot.Range)
	}

	if err := r.CheckCoverage(); err != nil {
		t.Errorf("coverage broken after narrow: %v", err)
	}

	// A second carve of an already-owned range must fail.
	err = r.NarrowAndRegister("hot", Node{Name: "archive2", Range: Range{From: 500, To: 1000}})
	if !errors.Is(err, ErrRangeOverlap) {
		t.Fatalf("expected ErrRangeOverlap, got %v", err)
	}

	// Carving the middle of the owner's range would split it in two; that is
	// a gap, not an overlap.
	err = r.NarrowAndRegister("hot", Node{Name: "mid", Range: Range{From: 1800000000, To: 1900000000}})
	if !errors.Is(err, ErrRangeGap) {
		t.Fatalf("expected ErrRangeGap, got %v", err)
	}
	if _, err := r.Lookup("mid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected carve registered the node anyway")
	}
}

func TestDeregister_NonAdjacentHeir(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}
	if err := r.NarrowAndRegister("hot", Node{Name: "old", Range: Range{From: KeyMin, To: 1000}}); err != nil {
		t.Fatal(err)
	}
	if err := r.NarrowAndRegister("hot", Node{Name: "mid", Range: Range{From: 1000, To: 2000}}); err != nil {
		t.Fatal(err)
	}

	// hot owns [2000, +inf), not adjacent to old's range.
	if _, err := r.Deregister("old", "hot"); !errors.Is(err, ErrRangeGap) {
		t.Fatalf("expected ErrRangeGap, got %v", err)
	}

	if _, err := r.Deregister("old", "mid"); err != nil {
		t.Fatalf("deregister into adjacent heir: %v", err)
	}
	mid, err := r.Lookup("mid")
	if err != nil {
		t.Fatal(err)
	}
	if mid.Range.From != KeyMin || mid.Range.To != 2000 {
		t.Errorf("heir range = %s, want [-inf, 2000)", mid.Range)
	}
	if err := r.CheckCoverage(); err != nil {
		t.Errorf("coverage broken after deregister: %v", err)
	}
}

func TestDeregister_MergesRange(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}
	if err := r.NarrowAndRegister("hot", Node{Name: "archive1", Range: Range{From: KeyMin, To: 1000}}); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := r.Deregister("archive1", "hot")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if reclaimed.From != KeyMin || reclaimed.To != 1000 {
		t.Errorf("reclaimed = %s, want [-inf, 1000)", reclaimed)
	}

	if err := r.CheckCoverage(); err != nil {
		t.Errorf("coverage broken after deregister: %v", err)
	}

	if _, err := r.Lookup("archive1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Register again with the same name and range: restores the topology.
	if err := r.NarrowAndRegister("hot", Node{Name: "archive1", Range: reclaimed}); err != nil {
		t.Fatalf("re-register after deregister: %v", err)
	}
}

func TestDeregister_NotFound(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Deregister("ghost", "hot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOwner(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}
	if err := r.NarrowAndRegister("hot", Node{Name: "old", Range: Range{From: KeyMin, To: 1700000000}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key  int64
		want string
	}{
		{100, "old"},
		{1699999999, "old"},
		{1700000000, "hot"},
		{1700000001, "hot"},
	}
	for _, tt := range tests {
		n, err := r.Owner(tt.key)
		if err != nil {
			t.Fatalf("Owner(%d): %v", tt.key, err)
		}
		if n.Name != tt.want {
			t.Errorf("Owner(%d) = %s, want %s", tt.key, n.Name, tt.want)
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Node{Name: "hot", Range: FullRange()}); err != nil {
		t.Fatal(err)
	}
	if err := r.NarrowAndRegister("hot", Node{Name: "archive1", Range: Range{From: KeyMin, To: 42}}); err != nil {
		t.Fatal(err)
	}
	r.Close()

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	nodes, err := r2.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes after reopen, want 2", len(nodes))
	}
	if nodes[0].Name != "archive1" || nodes[1].Name != "hot" {
		t.Errorf("order by range_from wrong: %s, %s", nodes[0].Name, nodes[1].Name)
	}
}
