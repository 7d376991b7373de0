package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/relaymesh/relay-server/internal/event"
)

// PartitionProtocolID is the stream protocol a node serves its partition on.
const PartitionProtocolID = "/relaymesh/partition/1.0.0"

// DefaultRequestTimeout bounds a single remote partition round trip.
const DefaultRequestTimeout = 30 * time.Second

// Remote partition wire messages. One request and one response per stream.
type partitionRequest struct {
	Op     string       `json:"op"`
	Event  *event.Event `json:"event,omitempty"`
	Filter *Filter      `json:"filter,omitempty"`
	From   int64        `json:"from,omitempty"`
	To     int64        `json:"to,omitempty"`
	Cutoff int64        `json:"cutoff,omitempty"`
}

type partitionResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Inserted bool           `json:"inserted,omitempty"`
	Events   []*event.Event `json:"events,omitempty"`
	Count    int64          `json:"count,omitempty"`
	MinKey   int64          `json:"min_key,omitempty"`
	MaxKey   int64          `json:"max_key,omitempty"`
	HasRows  bool           `json:"has_rows,omitempty"`
}

const (
	opInsert = "insert"
	opQuery  = "query"
	opCount  = "count"
	opDelete = "delete"
	opExtent = "extent"
)

// RemotePartition proxies a partition physically hosted on another node,
// reached through an authenticated mesh stream. All Partition operations
// are a single request/response round trip.
type RemotePartition struct {
	host    host.Host
	peerID  peer.ID
	name    string
	timeout time.Duration
}

// NewRemotePartition creates a proxy for the partition served by the node
// with the given mesh identity. The node's address is pinned in the
// peerstore so dials work without discovery.
func NewRemotePartition(h host.Host, name, publicKey, address string) (*RemotePartition, error) {
	id, err := peer.Decode(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid mesh public key %q: %w", publicKey, err)
	}
	if address != "" {
		ma, err := multiaddr.NewMultiaddr(address)
		if err != nil {
			return nil, fmt.Errorf("invalid node address %q: %w", address, err)
		}
		h.Peerstore().AddAddr(id, ma, peerstore.PermanentAddrTTL)
	}
	return &RemotePartition{host: h, peerID: id, name: name, timeout: DefaultRequestTimeout}, nil
}

// Name returns the partition name.
func (p *RemotePartition) Name() string { return p.name }

// SetTimeout overrides the per-request timeout.
func (p *RemotePartition) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// Insert pushes an event to the remote partition, duplicate-tolerant.
func (p *RemotePartition) Insert(ctx context.Context, ev *event.Event) (bool, error) {
	resp, err := p.roundTrip(ctx, &partitionRequest{Op: opInsert, Event: ev})
	if err != nil {
		return false, err
	}
	return resp.Inserted, nil
}

// Query runs the filter against the remote partition.
func (p *RemotePartition) Query(ctx context.Context, f Filter) ([]*event.Event, error) {
	resp, err := p.roundTrip(ctx, &partitionRequest{Op: opQuery, Filter: &f})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// CountRange counts remote rows with created_at in [from, to).
func (p *RemotePartition) CountRange(ctx context.Context, from, to int64) (int64, error) {
	resp, err := p.roundTrip(ctx, &partitionRequest{Op: opCount, From: from, To: to})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// DeleteRange removes remote rows with created_at in [from, to).
func (p *RemotePartition) DeleteRange(ctx context.Context, from, to int64) (int64, error) {
	resp, err := p.roundTrip(ctx, &partitionRequest{Op: opDelete, From: from, To: to})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// KeyExtent returns the remote min/max created_at below cutoff.
func (p *RemotePartition) KeyExtent(ctx context.Context, cutoff int64) (int64, int64, bool, error) {
	resp, err := p.roundTrip(ctx, &partitionRequest{Op: opExtent, Cutoff: cutoff})
	if err != nil {
		return 0, 0, false, err
	}
	return resp.MinKey, resp.MaxKey, resp.HasRows, nil
}

// Close is a no-op; the mesh host owns the connections.
func (p *RemotePartition) Close() error { return nil }

func (p *RemotePartition) roundTrip(ctx context.Context, req *partitionRequest) (*partitionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	s, err := p.host.NewStream(ctx, p.peerID, PartitionProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to reach partition %s: %w", p.name, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := json.NewEncoder(s).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send %s to partition %s: %w", req.Op, p.name, err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("failed to close write side: %w", err)
	}

	var resp partitionResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read %s response from partition %s: %w", req.Op, p.name, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("partition %s rejected %s: %s", p.name, req.Op, resp.Error)
	}
	return &resp, nil
}

var _ Partition = (*RemotePartition)(nil)
