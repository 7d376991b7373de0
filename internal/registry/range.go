package registry

import (
	"fmt"
	"math"
)

// Key bounds for the partition key space. Partition keys are unix-second
// timestamps, so the space is [KeyMin, KeyMax) with KeyMax standing in for
// positive infinity.
const (
	KeyMin int64 = 0
	KeyMax int64 = math.MaxInt64
)

// Range is a half-open interval [From, To) over partition keys.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// FullRange covers the entire key space.
func FullRange() Range {
	return Range{From: KeyMin, To: KeyMax}
}

// Valid reports whether the range is well-formed and within the key space.
func (r Range) Valid() bool {
	return r.From >= KeyMin && r.From < r.To && r.To <= KeyMax
}

// Contains reports whether the key falls inside the range.
func (r Range) Contains(key int64) bool {
	return key >= r.From && key < r.To
}

// ContainsRange reports whether other lies entirely inside r.
func (r Range) ContainsRange(other Range) bool {
	return other.From >= r.From && other.To <= r.To
}

// Intersects reports whether the two ranges share any key.
func (r Range) Intersects(other Range) bool {
	return r.From < other.To && other.From < r.To
}

// AdjacentTo reports whether other starts where r ends or vice versa.
func (r Range) AdjacentTo(other Range) bool {
	return r.To == other.From || other.To == r.From
}

// Merge returns the union of two adjacent ranges.
func (r Range) Merge(other Range) (Range, error) {
	if !r.AdjacentTo(other) {
		return Range{}, fmt.Errorf("ranges %s and %s are not adjacent", r, other)
	}
	merged := Range{From: r.From, To: r.To}
	if other.From < merged.From {
		merged.From = other.From
	}
	if other.To > merged.To {
		merged.To = other.To
	}
	return merged, nil
}

// Carve splits r by removing sub. The sub-range must share one of r's bounds
// so the remainder stays contiguous; the remainder is returned.
func (r Range) Carve(sub Range) (Range, error) {
	if !r.ContainsRange(sub) {
		return Range{}, fmt.Errorf("range %s is not contained in %s", sub, r)
	}
	switch {
	case sub.From == r.From && sub.To == r.To:
		return Range{}, fmt.Errorf("range %s would consume all of %s", sub, r)
	case sub.From == r.From:
		return Range{From: sub.To, To: r.To}, nil
	case sub.To == r.To:
		return Range{From: r.From, To: sub.From}, nil
	default:
		return Range{}, fmt.Errorf("range %s would split %s in two", sub, r)
	}
}

func (r Range) String() string {
	from := fmt.Sprintf("%d", r.From)
	if r.From == KeyMin {
		from = "-inf"
	}
	to := fmt.Sprintf("%d", r.To)
	if r.To == KeyMax {
		to = "+inf"
	}
	return fmt.Sprintf("[%s, %s)", from, to)
}
