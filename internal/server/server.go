// Package server assembles the relay server from its parts: registry, mesh
// gateway, partition routing table, tag index, topology manager and archive
// mover. The daemon and the one-shot CLI commands both build a Server; the
// difference is whether the mesh listens for inbound connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/relaymesh/relay-server/internal/archive"
	"github.com/relaymesh/relay-server/internal/config"
	"github.com/relaymesh/relay-server/internal/event"
	"github.com/relaymesh/relay-server/internal/mesh"
	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/store"
	"github.com/relaymesh/relay-server/internal/tagindex"
	"github.com/relaymesh/relay-server/internal/topology"
)

var log = logging.Logger("server")

// ErrInvalidEvent is returned when an ingested event fails verification.
var ErrInvalidEvent = errors.New("event failed verification")

// Options selects how the server runs.
type Options struct {
	// Listen enables inbound mesh connections and serves the hot
	// partition to peers. One-shot commands leave it off and run the
	// mesh outbound-only.
	Listen bool
}

// Server is the assembled relay server.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	tags     *tagindex.Index
	table    *store.Store
	gateway  *mesh.Gateway
	manager  *topology.Manager
	mover    *archive.Mover
	serving  *store.PartitionServer
}

// Open builds the server from configuration. The registry is bootstrapped on
// first start with the hot node owning the full key space; afterwards the
// routing table is rebuilt from the registered nodes.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, registry: reg}
	if err := s.bootstrap(); err != nil {
		reg.Close()
		return nil, err
	}

	meshOpts := mesh.Options{DataDir: cfg.DataDir, MaxConns: cfg.Mesh.MaxConns}
	if opts.Listen {
		meshOpts.ListenAddrs = cfg.Mesh.Listen
	}
	s.gateway, err = mesh.Start(ctx, meshOpts)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	s.tags, err = tagindex.Open(cfg.TagIndexPath())
	if err != nil {
		s.closeAll()
		return nil, err
	}

	if err := s.buildRoutingTable(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.manager = topology.New(reg, s.gateway, s.table, s.openPartition, cfg.HotNode, cfg.DataDir)
	s.mover = archive.NewMover(reg, s.table)

	if opts.Listen {
		hot, _, err := s.table.HotPartition()
		if err != nil {
			s.closeAll()
			return nil, err
		}
		host, err := s.gateway.Host()
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.serving = store.NewPartitionServer(hot)
		s.serving.Attach(host)
	}
	return s, nil
}

func (s *Server) bootstrap() error {
	_, err := s.registry.Lookup(s.cfg.HotNode)
	if err == nil {
		return nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	nodes, err := s.registry.All()
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return fmt.Errorf("registry has %d nodes but none named %q; fix hot_node in the config",
			len(nodes), s.cfg.HotNode)
	}

	if err := s.registry.Register(registry.Node{
		Name:  s.cfg.HotNode,
		Range: registry.FullRange(),
	}); err != nil {
		return err
	}
	log.Infof("Bootstrapped registry: %s owns the full key space", s.cfg.HotNode)
	return nil
}

func (s *Server) buildRoutingTable() error {
	nodes, err := s.registry.All()
	if err != nil {
		return err
	}

	s.table = store.New(s.tags)
	s.table.SetQueryTimeout(s.cfg.Store.QueryTimeout)

	var hotRange *registry.Range
	for _, n := range nodes {
		if n.Name == s.cfg.HotNode {
			rng := n.Range
			hotRange = &rng
		}
	}
	if hotRange == nil {
		return fmt.Errorf("hot node %q not registered", s.cfg.HotNode)
	}

	hot, err := store.OpenLocalPartition(s.cfg.HotNode, s.cfg.HotPartitionPath())
	if err != nil {
		return err
	}
	if err := s.table.AttachHot(*hotRange, hot); err != nil {
		hot.Close()
		return err
	}

	for _, n := range nodes {
		if n.Name == s.cfg.HotNode {
			continue
		}
		part, err := s.openPartition(n)
		if err != nil {
			return fmt.Errorf("failed to open partition for %s: %w", n.Name, err)
		}
		if err := s.table.Attach(n.Range, part); err != nil {
			part.Close()
			return fmt.Errorf("failed to route %s: %w", n.Name, err)
		}
	}
	return nil
}

// openPartition is the topology manager's partition factory. Nodes with a
// mesh identity are reached over a stream; nodes without one are local
// database files, a second tier on the same machine.
func (s *Server) openPartition(n registry.Node) (store.Partition, error) {
	if n.PublicKey == "" {
		return store.OpenLocalPartition(n.Name, filepath.Join(s.cfg.PartitionDir(), n.Name+".db"))
	}
	host, err := s.gateway.Host()
	if err != nil {
		return nil, err
	}
	return store.NewRemotePartition(host, n.Name, n.PublicKey, n.Address)
}

// Ingest verifies an event and routes it to the partition owning its
// timestamp. Verification covers the content-addressed ID and the signature.
func (s *Server) Ingest(ctx context.Context, ev *event.Event) (string, bool, error) {
	if s.cfg.Store.VerifyEvents {
		if !ev.CheckID() {
			return "", false, fmt.Errorf("%w: ID does not match content", ErrInvalidEvent)
		}
		if err := ev.Verify(); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return s.table.Insert(ctx, ev)
}

// Query runs a filter across the partitions, applying the configured default
// limit when the filter has none.
func (s *Server) Query(ctx context.Context, f store.Filter) ([]*event.Event, *store.QueryReport, error) {
	if f.Limit <= 0 && s.cfg.Store.DefaultLimit > 0 {
		f.Limit = s.cfg.Store.DefaultLimit
	}
	return s.table.Query(ctx, f)
}

// RunExpirySweep periodically deletes expired events from the hot tier until
// the context ends.
func (s *Server) RunExpirySweep(ctx context.Context) {
	interval := s.cfg.Store.ExpirySweep
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.table.DeleteExpired(ctx, time.Now().Unix()); err != nil {
				log.Warnf("Expiry sweep failed: %v", err)
			}
		}
	}
}

// ReindexTags rebuilds the tag index from the hot partition's rows.
func (s *Server) ReindexTags(ctx context.Context) (int64, error) {
	hot, _, err := s.table.HotPartition()
	if err != nil {
		return 0, err
	}

	var indexed int64
	err = hot.ScanRange(ctx, registry.KeyMin, registry.KeyMax, 500, func(batch []*event.Event) error {
		n, err := s.tags.Rebuild(ctx, batch)
		indexed += n
		return err
	})
	return indexed, err
}

// Registry exposes the node registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Table exposes the partition routing table.
func (s *Server) Table() *store.Store { return s.table }

// Gateway exposes the mesh gateway.
func (s *Server) Gateway() *mesh.Gateway { return s.gateway }

// Manager exposes the topology manager.
func (s *Server) Manager() *topology.Manager { return s.manager }

// Mover exposes the archive mover.
func (s *Server) Mover() *archive.Mover { return s.mover }

// Close shuts the server down. Partition files and the registry stay on
// disk.
func (s *Server) Close() error {
	if s.serving != nil {
		if host, err := s.gateway.Host(); err == nil {
			s.serving.Detach(host)
		}
	}
	return s.closeAll()
}

func (s *Server) closeAll() error {
	var firstErr error
	if s.table != nil {
		if err := s.table.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tags != nil {
		if err := s.tags.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
