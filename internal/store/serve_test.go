package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaymesh/relay-server/internal/event"
	"github.com/relaymesh/relay-server/internal/mesh"
	"github.com/relaymesh/relay-server/internal/store"
)

func startMesh(t *testing.T) (*mesh.Gateway, mesh.Identity) {
	t.Helper()
	g, err := mesh.Start(context.Background(), mesh.Options{
		DataDir:     t.TempDir(),
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	if err != nil {
		t.Fatalf("failed to start mesh: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	id, err := g.SelfIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if len(id.Addrs) == 0 {
		t.Fatal("gateway has no listen address")
	}
	return g, id
}

func TestRemotePartition_OverMesh(t *testing.T) {
	ctx := context.Background()

	coord, coordID := startMesh(t)
	node, nodeID := startMesh(t)

	// Mutual admission.
	if err := coord.Allow(ctx, nodeID.PeerID.String()); err != nil {
		t.Fatal(err)
	}
	if err := node.Allow(ctx, coordID.PeerID.String()); err != nil {
		t.Fatal(err)
	}

	// The node serves its partition on the mesh.
	served, err := store.OpenLocalPartition("archive1", filepath.Join(t.TempDir(), "archive1.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer served.Close()

	nodeHost, err := node.Host()
	if err != nil {
		t.Fatal(err)
	}
	srv := store.NewPartitionServer(served)
	srv.Attach(nodeHost)
	defer srv.Detach(nodeHost)

	coordHost, err := coord.Host()
	if err != nil {
		t.Fatal(err)
	}
	remote, err := store.NewRemotePartition(coordHost, "archive1",
		nodeID.PeerID.String(), nodeID.Addrs[0].String())
	if err != nil {
		t.Fatal(err)
	}

	ev := &event.Event{
		ID:        "remote-ev1",
		PubKey:    "pk1",
		Kind:      1,
		CreatedAt: 12345,
		Content:   "over the mesh",
		Tags:      [][]string{},
	}

	inserted, err := remote.Insert(ctx, ev)
	if err != nil {
		t.Fatalf("remote insert: %v", err)
	}
	if !inserted {
		t.Fatal("remote insert reported no row written")
	}

	// Duplicate replay is a no-op across the wire too.
	inserted, err = remote.Insert(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("duplicate remote insert reported a written row")
	}

	got, err := remote.Query(ctx, store.Filter{IDs: []string{"remote-ev1"}})
	if err != nil {
		t.Fatalf("remote query: %v", err)
	}
	if len(got) != 1 || got[0].Content != "over the mesh" {
		t.Fatalf("remote query = %+v", got)
	}

	n, err := remote.CountRange(ctx, 0, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("remote count = %d, want 1", n)
	}

	min, max, ok, err := remote.KeyExtent(ctx, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || min != 12345 || max != 12345 {
		t.Fatalf("remote extent = (%d, %d, %v)", min, max, ok)
	}

	deleted, err := remote.DeleteRange(ctx, 0, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("remote delete = %d, want 1", deleted)
	}
}

func TestRemotePartition_GatedPeerCannotConnect(t *testing.T) {
	ctx := context.Background()

	node, nodeID := startMesh(t)

	// The node admits only some other identity, so the list is non-empty
	// and everyone else is gated out.
	_, admittedID := startMesh(t)
	if err := node.Allow(ctx, admittedID.PeerID.String()); err != nil {
		t.Fatal(err)
	}

	stranger, err := mesh.Start(ctx, mesh.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()

	served, err := store.OpenLocalPartition("archive1", filepath.Join(t.TempDir(), "archive1.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer served.Close()

	nodeHost, err := node.Host()
	if err != nil {
		t.Fatal(err)
	}
	store.NewPartitionServer(served).Attach(nodeHost)

	strangerHost, err := stranger.Host()
	if err != nil {
		t.Fatal(err)
	}
	remote, err := store.NewRemotePartition(strangerHost, "archive1",
		nodeID.PeerID.String(), nodeID.Addrs[0].String())
	if err != nil {
		t.Fatal(err)
	}
	remote.SetTimeout(3 * time.Second)

	if _, err := remote.CountRange(ctx, 0, 100); err == nil {
		t.Fatal("non-admitted peer reached the partition")
	}
}
