// Package topology coordinates the three systems a membership change
// touches: the node registry, the mesh allow-list and the partition routing
// table. Changes are applied step by step without a distributed transaction;
// a failure reports which step broke and which systems were already mutated,
// and every step is idempotent so re-running the same change converges.
package topology

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/store"
)

var log = logging.Logger("topology")

// MeshControl is the slice of the mesh gateway the manager needs.
type MeshControl interface {
	Allow(ctx context.Context, publicKey string) error
	Disallow(ctx context.Context, publicKey string) error
}

// PartitionFactory builds the Partition through which a registered node's
// data is reached. The daemon wires this to a mesh-stream client; tests
// substitute local partitions.
type PartitionFactory func(n registry.Node) (store.Partition, error)

// StepError reports a partially applied topology change. Mutated lists the
// systems that were changed before Step failed; the operator re-runs the
// same command after fixing the cause, and completed steps are skipped.
type StepError struct {
	Step    string
	Mutated []string
	Err     error
}

func (e *StepError) Error() string {
	if len(e.Mutated) == 0 {
		return fmt.Sprintf("step %s failed, nothing was changed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed after mutating %s, re-run to converge: %v",
		e.Step, strings.Join(e.Mutated, ", "), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Manager applies membership changes. All topology mutations are serialized
// under one mutex; read and write traffic through the store is unaffected.
type Manager struct {
	mu sync.Mutex

	reg     *registry.Registry
	mesh    MeshControl
	table   *store.Store
	open    PartitionFactory
	hotName string
	dataDir string
}

// New creates a manager. hotName is the registered name of the local hot
// node whose range new nodes carve from.
func New(reg *registry.Registry, mesh MeshControl, table *store.Store, open PartitionFactory, hotName, dataDir string) *Manager {
	return &Manager{
		reg:     reg,
		mesh:    mesh,
		table:   table,
		open:    open,
		hotName: hotName,
		dataDir: dataDir,
	}
}

// AddNode admits a storage node: its mesh identity is allow-listed, a
// routing entry is attached for its range and the node is registered with
// the range carved out of the hot node's. Steps run in that order so a
// failure never leaves the registry pointing at a node the router cannot
// reach.
func (m *Manager) AddNode(ctx context.Context, n registry.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !registry.ValidName(n.Name) {
		return registry.ErrInvalidName
	}
	if !n.Range.Valid() {
		return fmt.Errorf("%w: %s", registry.ErrInvalidRange, n.Range)
	}
	registered := false
	if existing, err := m.reg.Lookup(n.Name); err == nil {
		if existing.Range != n.Range {
			return fmt.Errorf("%w: %s owns %s", registry.ErrDuplicateName, n.Name, existing.Range)
		}
		// A previous run got this far; make sure the other systems
		// caught up too.
		registered = true
	} else if !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if err := m.validateRange(n); err != nil {
		return err
	}

	var mutated []string

	if n.PublicKey != "" {
		if err := m.mesh.Allow(ctx, n.PublicKey); err != nil {
			return &StepError{Step: "mesh allow-list", Mutated: mutated, Err: err}
		}
		mutated = append(mutated, "mesh allow-list")
	}

	if err := m.attachIdempotent(n); err != nil {
		return &StepError{Step: "partition routing", Mutated: mutated, Err: err}
	}
	mutated = append(mutated, "partition routing")

	if !registered {
		if err := m.reg.NarrowAndRegister(m.hotName, n); err != nil {
			return &StepError{Step: "registry", Mutated: mutated, Err: err}
		}
	}

	log.Infof("Node %s admitted owning %s", n.Name, n.Range)
	return nil
}

// RemoveNode evicts a node. Routing is detached first so no new traffic
// reaches it, then the mesh identity is disallowed, then the registration
// is dropped with its range merged into the heir named by into; an empty
// into means the hot node. The heir's range must be adjacent to the
// victim's. The node's data stays wherever it lives; re-adding the node
// restores reachability.
func (m *Manager) RemoveNode(ctx context.Context, name, into string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == m.hotName {
		return fmt.Errorf("cannot remove the hot node %s", name)
	}
	heir := into
	if heir == "" {
		heir = m.hotName
	}
	if heir == name {
		return fmt.Errorf("node %s cannot inherit its own range", name)
	}

	n, err := m.reg.Lookup(name)
	if err != nil {
		return err
	}
	heirNode, err := m.reg.Lookup(heir)
	if err != nil {
		return fmt.Errorf("heir %s: %w", heir, err)
	}
	if !heirNode.Range.AdjacentTo(n.Range) {
		return fmt.Errorf("%w: %s owns %s, not adjacent to %s",
			registry.ErrRangeGap, heir, heirNode.Range, n.Range)
	}

	tableHeir := ""
	if heir != m.hotName {
		tableHeir = heir
	}

	var mutated []string

	if _, err := m.table.DetachInto(name, tableHeir); err != nil && !errors.Is(err, store.ErrNotAttached) {
		return &StepError{Step: "partition routing", Mutated: mutated, Err: err}
	}
	mutated = append(mutated, "partition routing")

	if n.PublicKey != "" {
		if err := m.mesh.Disallow(ctx, n.PublicKey); err != nil {
			return &StepError{Step: "mesh allow-list", Mutated: mutated, Err: err}
		}
		mutated = append(mutated, "mesh allow-list")
	}

	reclaimed, err := m.reg.Deregister(name, heir)
	if err != nil {
		return &StepError{Step: "registry", Mutated: mutated, Err: err}
	}

	log.Infof("Node %s evicted, range %s reverts to %s; its data is unreachable until re-added",
		name, reclaimed, heir)
	return nil
}

// NarrowHot rotates the local hot partition so it physically holds only keys
// from newLowerBound up. The routing range must already start at the bound,
// which AddNode arranged when the partitions below it were attached.
func (m *Manager) NarrowHot(ctx context.Context, newLowerBound int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hot, err := m.reg.Lookup(m.hotName)
	if err != nil {
		return err
	}
	if hot.Range.From != newLowerBound {
		if newLowerBound < hot.Range.From {
			return fmt.Errorf("%w: keys below %d belong to other nodes",
				store.ErrRangeOverlap, hot.Range.From)
		}
		return fmt.Errorf("%w: keys [%d, %d) would have no owner",
			store.ErrRangeGap, hot.Range.From, newLowerBound)
	}

	fresh, err := store.OpenLocalPartition(m.hotName,
		filepath.Join(m.dataDir, "partitions", fmt.Sprintf("%s-%d.db", m.hotName, newLowerBound)))
	if err != nil {
		return err
	}
	if err := m.table.NarrowHot(ctx, newLowerBound, fresh); err != nil {
		fresh.Close()
		return err
	}
	return nil
}

// Drift is one discrepancy between the registry and the live systems.
type Drift struct {
	Node   string
	Detail string
}

// Reconcile compares the registry against the routing table and reports
// discrepancies without changing anything. A clean topology returns an empty
// slice and a passing coverage check.
func (m *Manager) Reconcile(ctx context.Context) ([]Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drifts []Drift

	if err := m.reg.CheckCoverage(); err != nil {
		drifts = append(drifts, Drift{Detail: fmt.Sprintf("coverage: %v", err)})
	}

	nodes, err := m.reg.All()
	if err != nil {
		return nil, err
	}

	attached := make(map[string]registry.Range)
	for _, info := range m.table.Partitions() {
		attached[info.Name] = info.Range
	}

	for _, n := range nodes {
		rng, ok := attached[n.Name]
		if !ok {
			drifts = append(drifts, Drift{Node: n.Name,
				Detail: "registered but not routed, re-run addnode or restart the daemon"})
			continue
		}
		if rng != n.Range {
			drifts = append(drifts, Drift{Node: n.Name,
				Detail: fmt.Sprintf("registry says %s but routing says %s", n.Range, rng)})
		}
		delete(attached, n.Name)
	}
	for name, rng := range attached {
		drifts = append(drifts, Drift{Node: name,
			Detail: fmt.Sprintf("routed over %s but not registered", rng)})
	}

	for _, d := range drifts {
		log.Warnf("Topology drift on %s: %s", d.Node, d.Detail)
	}
	return drifts, nil
}

// Nodes lists the registered nodes ordered by range.
func (m *Manager) Nodes() ([]registry.Node, error) {
	return m.reg.All()
}

// HotName returns the registered name of the local hot node.
func (m *Manager) HotName() string { return m.hotName }

// validateRange rejects an inadmissible range before any system is touched.
// Admissible means the node is already routed over exactly this range (a
// prior run got that far) or the range carves cleanly off the hot range.
func (m *Manager) validateRange(n registry.Node) error {
	var hotRange registry.Range
	hotSeen := false
	for _, info := range m.table.Partitions() {
		if info.Hot {
			hotRange = info.Range
			hotSeen = true
			continue
		}
		if info.Name == n.Name {
			if info.Range == n.Range {
				return nil
			}
			return fmt.Errorf("%w: %s already routed over %s",
				store.ErrRangeOverlap, n.Name, info.Range)
		}
		if info.Range.Intersects(n.Range) {
			return fmt.Errorf("%w: %s intersects %s owned by %s",
				store.ErrRangeOverlap, n.Range, info.Range, info.Name)
		}
	}
	if !hotSeen {
		return fmt.Errorf("%w: no hot partition to carve from", store.ErrRangeGap)
	}
	if _, err := hotRange.Carve(n.Range); err != nil {
		return fmt.Errorf("%w: %v", store.ErrRangeGap, err)
	}
	return nil
}

func (m *Manager) attachIdempotent(n registry.Node) error {
	if _, rng, err := m.table.Partition(n.Name); err == nil {
		if rng == n.Range {
			return nil
		}
		return fmt.Errorf("%w: %s already routed over %s", store.ErrRangeOverlap, n.Name, rng)
	}
	part, err := m.open(n)
	if err != nil {
		return err
	}
	if err := m.table.Attach(n.Range, part); err != nil {
		part.Close()
		return err
	}
	return nil
}
