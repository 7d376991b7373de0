package store

import (
	"github.com/relaymesh/relay-server/internal/registry"
)

// Filter selects events. Zero-valued bounds mean unbounded: a filter with no
// key bounds touches every partition, which is inherent to the model.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Since is an inclusive lower bound on created_at; Until an exclusive
	// upper bound. Zero means unbounded.
	Since int64
	Until int64
	// TagName/TagValue select events carrying the tag. Resolved through the
	// local tag index before any partition is queried.
	TagName  string
	TagValue string
	Limit    int
}

// KeyBounds returns the partition-key range the filter can touch.
func (f Filter) KeyBounds() registry.Range {
	r := registry.FullRange()
	if f.Since > 0 {
		r.From = f.Since
	}
	if f.Until > 0 {
		r.To = f.Until
	}
	return r
}

// HasTag reports whether the filter is tag-scoped.
func (f Filter) HasTag() bool {
	return f.TagName != ""
}
