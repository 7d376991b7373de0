// Package archive moves aged event rows from the hot partition to the
// archive node that owns their key range. The move is copy-before-delete in
// bounded windows: a crash between the two phases leaves duplicated rows,
// never lost ones, and re-running the same move converges because copies are
// duplicate-tolerant and deletes are keyed by range.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/relaymesh/relay-server/internal/event"
	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/store"
)

var log = logging.Logger("archive")

// Errors returned by planning.
var (
	ErrNodeNotRegistered = errors.New("target node is not registered")
	ErrNothingToArchive  = errors.New("no hot rows below the cutoff")
	ErrRangeNotOwned     = errors.New("target node does not own the rows' key range")
)

// Defaults for Run options left zero.
const (
	DefaultBatchWindow = int64(86400) // one day of keys per window
	DefaultBatchSize   = 500
)

// Plan describes a verified move before any row is touched. From and To are
// the key extent of the affected hot rows, half-open like all ranges here.
type Plan struct {
	Node   string
	Cutoff int64
	From   int64
	To     int64
	Rows   int64
}

// Progress is emitted after each completed window.
type Progress struct {
	WindowFrom int64
	WindowTo   int64
	Copied     int64
	Deleted    int64
	Elapsed    time.Duration
	RowsPerSec float64
	Remaining  time.Duration
}

// Result summarizes a finished run.
type Result struct {
	Copied  int64
	Deleted int64
	Windows int
	Elapsed time.Duration
}

// Options tunes a run. OnProgress, when set, is called synchronously after
// every window.
type Options struct {
	BatchWindow int64
	BatchSize   int
	OnProgress  func(Progress)
}

// Mover plans and executes archival moves against the routing table.
type Mover struct {
	reg   *registry.Registry
	table *store.Store
}

// NewMover creates a mover over the given registry and routing table.
func NewMover(reg *registry.Registry, table *store.Store) *Mover {
	return &Mover{reg: reg, table: table}
}

// Plan verifies that node exists, that hot rows below cutoff exist, and that
// the node's registered range covers all of them. Nothing is modified.
func (m *Mover) Plan(ctx context.Context, node string, cutoff int64) (*Plan, error) {
	n, err := m.reg.Lookup(node)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotRegistered, node)
		}
		return nil, err
	}

	hot, _, err := m.table.HotPartition()
	if err != nil {
		return nil, err
	}

	min, max, ok, err := hot.KeyExtent(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cutoff %d", ErrNothingToArchive, cutoff)
	}

	affected := registry.Range{From: min, To: max + 1}
	if !n.Range.ContainsRange(affected) {
		return nil, fmt.Errorf("%w: rows span %s but %s owns %s",
			ErrRangeNotOwned, affected, node, n.Range)
	}

	rows, err := hot.CountRange(ctx, min, cutoff)
	if err != nil {
		return nil, err
	}
	return &Plan{Node: node, Cutoff: cutoff, From: min, To: max + 1, Rows: rows}, nil
}

// Run executes the plan window by window. Each window is fully copied to the
// target partition before its hot rows are deleted, so an interruption at
// any point loses nothing; re-planning and re-running finishes the job.
func (m *Mover) Run(ctx context.Context, plan *Plan, opts Options) (*Result, error) {
	window := opts.BatchWindow
	if window <= 0 {
		window = DefaultBatchWindow
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	dest, _, err := m.table.Partition(plan.Node)
	if err != nil {
		return nil, err
	}
	hot, _, err := m.table.HotPartition()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{}

	for wFrom := plan.From; wFrom < plan.Cutoff; wFrom += window {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("move interrupted after %d rows, re-run to resume: %w",
				res.Deleted, err)
		}

		wTo := wFrom + window
		if wTo > plan.Cutoff || wTo < wFrom {
			wTo = plan.Cutoff
		}

		copied, err := m.copyWindow(ctx, hot, dest, wFrom, wTo, batch)
		if err != nil {
			return res, fmt.Errorf("failed copying window [%d, %d): %w", wFrom, wTo, err)
		}
		deleted, err := hot.DeleteRange(ctx, wFrom, wTo)
		if err != nil {
			return res, fmt.Errorf("failed deleting window [%d, %d) after copy: %w", wFrom, wTo, err)
		}
		if copied != deleted {
			// Expected when resuming: rows copied by the interrupted run
			// are skipped as duplicates but still deleted here.
			log.Warnf("Window [%d, %d): copied %d rows but deleted %d", wFrom, wTo, copied, deleted)
		}

		res.Copied += copied
		res.Deleted += deleted
		res.Windows++

		if opts.OnProgress != nil {
			opts.OnProgress(m.progress(plan, wFrom, wTo, res, start))
		}
	}

	res.Elapsed = time.Since(start)
	log.Infof("Archived %d rows to %s in %d windows (%s)",
		res.Deleted, plan.Node, res.Windows, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (m *Mover) copyWindow(ctx context.Context, hot *store.LocalPartition, dest store.Partition, from, to int64, batch int) (int64, error) {
	var copied int64
	err := hot.ScanRange(ctx, from, to, batch, func(events []*event.Event) error {
		for _, ev := range events {
			inserted, err := dest.Insert(ctx, ev)
			if err != nil {
				return err
			}
			if inserted {
				copied++
			}
		}
		return nil
	})
	return copied, err
}

func (m *Mover) progress(plan *Plan, wFrom, wTo int64, res *Result, start time.Time) Progress {
	elapsed := time.Since(start)
	p := Progress{
		WindowFrom: wFrom,
		WindowTo:   wTo,
		Copied:     res.Copied,
		Deleted:    res.Deleted,
		Elapsed:    elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.RowsPerSec = float64(res.Deleted) / secs
	}
	if res.Deleted > 0 && plan.Rows > res.Deleted {
		perRow := elapsed / time.Duration(res.Deleted)
		p.Remaining = perRow * time.Duration(plan.Rows-res.Deleted)
	}
	return p
}
