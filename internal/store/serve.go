package store

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
)

var srvlog = logging.Logger("partition-serve")

// DefaultHandlerTimeout bounds the database work for one served request.
const DefaultHandlerTimeout = 30 * time.Second

// DefaultReadTimeout bounds reading a request off a fresh stream.
const DefaultReadTimeout = 10 * time.Second

// PartitionServer answers partition protocol streams against a local
// partition. Archive nodes run one of these so the coordinator can route
// inserts and queries to them.
type PartitionServer struct {
	part           *LocalPartition
	handlerTimeout time.Duration
	readTimeout    time.Duration
}

// NewPartitionServer wraps the local partition for serving.
func NewPartitionServer(part *LocalPartition) *PartitionServer {
	return &PartitionServer{
		part:           part,
		handlerTimeout: DefaultHandlerTimeout,
		readTimeout:    DefaultReadTimeout,
	}
}

// Attach registers the stream handler on the mesh host.
func (ps *PartitionServer) Attach(h host.Host) {
	h.SetStreamHandler(PartitionProtocolID, ps.HandleStream)
	srvlog.Infof("Serving partition %s on %s", ps.part.Name(), PartitionProtocolID)
}

// Detach removes the stream handler.
func (ps *PartitionServer) Detach(h host.Host) {
	h.RemoveStreamHandler(PartitionProtocolID)
}

// HandleStream reads one request, executes it, and writes one response.
func (ps *PartitionServer) HandleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	_ = s.SetReadDeadline(time.Now().Add(ps.readTimeout))

	var req partitionRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		srvlog.Warnf("Failed to read request from %s: %v", remote, err)
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), ps.handlerTimeout)
	defer cancel()

	resp := ps.execute(ctx, &req)
	if resp.Error != "" {
		srvlog.Warnf("Request %s from %s failed: %s", req.Op, remote, resp.Error)
	}

	_ = s.SetWriteDeadline(time.Now().Add(ps.readTimeout))
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		srvlog.Warnf("Failed to write %s response to %s: %v", req.Op, remote, err)
	}
}

func (ps *PartitionServer) execute(ctx context.Context, req *partitionRequest) *partitionResponse {
	switch req.Op {
	case opInsert:
		if req.Event == nil {
			return &partitionResponse{Error: "insert request carries no event"}
		}
		inserted, err := ps.part.Insert(ctx, req.Event)
		if err != nil {
			return &partitionResponse{Error: err.Error()}
		}
		return &partitionResponse{OK: true, Inserted: inserted}

	case opQuery:
		if req.Filter == nil {
			return &partitionResponse{Error: "query request carries no filter"}
		}
		events, err := ps.part.Query(ctx, *req.Filter)
		if err != nil {
			return &partitionResponse{Error: err.Error()}
		}
		return &partitionResponse{OK: true, Events: events}

	case opCount:
		n, err := ps.part.CountRange(ctx, req.From, req.To)
		if err != nil {
			return &partitionResponse{Error: err.Error()}
		}
		return &partitionResponse{OK: true, Count: n}

	case opDelete:
		n, err := ps.part.DeleteRange(ctx, req.From, req.To)
		if err != nil {
			return &partitionResponse{Error: err.Error()}
		}
		return &partitionResponse{OK: true, Count: n}

	case opExtent:
		min, max, ok, err := ps.part.KeyExtent(ctx, req.Cutoff)
		if err != nil {
			return &partitionResponse{Error: err.Error()}
		}
		return &partitionResponse{OK: true, MinKey: min, MaxKey: max, HasRows: ok}

	default:
		return &partitionResponse{Error: "unknown operation " + req.Op}
	}
}
