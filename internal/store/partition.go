package store

import (
	"context"

	"github.com/relaymesh/relay-server/internal/event"
)

// Partition is one physical shard of the logical event table: either a local
// sqlite database or a remote node's partition reached over the mesh.
//
// Insert is duplicate-tolerant: inserting an event whose ID already exists
// in the partition is a no-op, reported by the returned bool. This is the
// idempotency primitive the archival and narrow operations are built on.
type Partition interface {
	Name() string

	Insert(ctx context.Context, ev *event.Event) (inserted bool, err error)
	Query(ctx context.Context, f Filter) ([]*event.Event, error)

	// CountRange and DeleteRange operate on created_at in [from, to).
	CountRange(ctx context.Context, from, to int64) (int64, error)
	DeleteRange(ctx context.Context, from, to int64) (int64, error)

	// KeyExtent returns the min and max created_at below the cutoff; ok is
	// false when no such rows exist.
	KeyExtent(ctx context.Context, cutoff int64) (min, max int64, ok bool, err error)

	Close() error
}
