// Package mesh is the control interface to the peer-to-peer transport. Each
// participant has a stable identity derived from its public key; only
// identities on the persisted allow-list may establish connections.
package mesh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("mesh")

// ErrDaemonUnreachable is returned when the mesh transport is not running.
var ErrDaemonUnreachable = errors.New("mesh transport is not running")

// ReloadTimeout bounds how long a reload may take. Reloads close connections
// to newly disallowed peers; callers must tolerate a multi-second hiccup on
// in-flight mesh traffic.
const ReloadTimeout = 10 * time.Second

// Identity is this node's mesh identity.
type Identity struct {
	PeerID peer.ID
	Addrs  []multiaddr.Multiaddr
}

// Options configures the gateway.
type Options struct {
	// DataDir holds the identity key and the persisted allow-list.
	DataDir string
	// ListenAddrs are multiaddrs to listen on. Empty means outbound-only
	// mode (no inbound port requirement, suitable for nodes behind NAT).
	ListenAddrs []string
	// MaxConns is the connection manager high water mark.
	MaxConns int
}

// Gateway owns the libp2p host and keeps the connection gater in sync with
// the persisted allow-list.
type Gateway struct {
	host  host.Host
	gater *allowGater
	store *AllowList
}

// Start creates the mesh host. The identity key is loaded from DataDir or
// generated on first start, so the node's mesh address is stable across
// restarts.
func Start(ctx context.Context, opts Options) (*Gateway, error) {
	privKey, err := loadOrCreateKey(filepath.Join(opts.DataDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("failed to load mesh identity: %w", err)
	}

	g := &Gateway{
		gater: newAllowGater(),
		store: NewAllowList(filepath.Join(opts.DataDir, "allowlist.json")),
	}

	allowed, err := g.store.Load()
	if err != nil {
		return nil, err
	}
	g.gater.setAllowed(allowed)

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(opts.ListenAddrs))
	for _, addr := range opts.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 256
	}
	cm, err := connmgr.NewConnManager(16, maxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(g.gater),
	}
	if len(listenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrs(listenAddrs...))
	} else {
		hostOpts = append(hostOpts, libp2p.NoListenAddrs)
		log.Infof("Mesh running in outbound-only mode")
	}

	g.host, err = libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh host: %w", err)
	}

	if len(allowed) == 0 {
		log.Warnf("Mesh allow-list is EMPTY - running open, any peer may connect")
	}
	log.Infof("Mesh started: %s", g.host.ID())
	return g, nil
}

// Host exposes the underlying libp2p host for stream protocols.
func (g *Gateway) Host() (host.Host, error) {
	if g == nil || g.host == nil {
		return nil, ErrDaemonUnreachable
	}
	return g.host, nil
}

// SelfIdentity returns this node's mesh address and identity.
func (g *Gateway) SelfIdentity() (Identity, error) {
	if g == nil || g.host == nil {
		return Identity{}, ErrDaemonUnreachable
	}
	return Identity{PeerID: g.host.ID(), Addrs: g.host.Addrs()}, nil
}

// Allow idempotently adds a peer identity to the accepted set and reloads
// the transport.
func (g *Gateway) Allow(ctx context.Context, publicKey string) error {
	id, err := peer.Decode(publicKey)
	if err != nil {
		return fmt.Errorf("invalid mesh public key %q: %w", publicKey, err)
	}

	changed, err := g.store.Add(id)
	if err != nil {
		return err
	}
	if !changed {
		log.Debugf("Peer %s already on allow-list", id.ShortString())
		return nil
	}
	return g.Reload(ctx)
}

// Disallow idempotently removes a peer identity and reloads. Removing the
// last entry leaves the mesh open; that is surfaced as a warning, not an
// error.
func (g *Gateway) Disallow(ctx context.Context, publicKey string) error {
	id, err := peer.Decode(publicKey)
	if err != nil {
		return fmt.Errorf("invalid mesh public key %q: %w", publicKey, err)
	}

	remaining, err := g.store.Remove(id)
	if err != nil {
		return err
	}
	if remaining == 0 {
		log.Warnf("Mesh allow-list is now EMPTY - mesh is open, any peer may connect")
	}
	return g.Reload(ctx)
}

// Reload re-reads the persisted allow-list, swaps it into the gater and
// drops connections to peers no longer allowed.
func (g *Gateway) Reload(ctx context.Context) error {
	if g == nil {
		return ErrDaemonUnreachable
	}

	allowed, err := g.store.Load()
	if err != nil {
		return err
	}
	g.gater.setAllowed(allowed)

	if g.host == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, ReloadTimeout)
	defer cancel()

	for _, conn := range g.host.Network().Conns() {
		if ctx.Err() != nil {
			return fmt.Errorf("reload timed out: %w", ctx.Err())
		}
		p := conn.RemotePeer()
		if len(allowed) > 0 {
			if _, ok := allowed[p]; !ok {
				log.Infof("Dropping connection to disallowed peer %s", p.ShortString())
				_ = g.host.Network().ClosePeer(p)
			}
		}
	}

	log.Infof("Mesh allow-list reloaded: %d peers", len(allowed))
	return nil
}

// Connect dials a peer at the given multiaddr.
func (g *Gateway) Connect(ctx context.Context, addr string, publicKey string) error {
	if g == nil || g.host == nil {
		return ErrDaemonUnreachable
	}

	id, err := peer.Decode(publicKey)
	if err != nil {
		return fmt.Errorf("invalid mesh public key %q: %w", publicKey, err)
	}
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid mesh address %q: %w", addr, err)
	}

	return g.host.Connect(ctx, peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{ma}})
}

// Connectedness reports whether the peer currently has a live connection.
func (g *Gateway) Connectedness(publicKey string) (bool, error) {
	if g == nil || g.host == nil {
		return false, ErrDaemonUnreachable
	}
	id, err := peer.Decode(publicKey)
	if err != nil {
		return false, fmt.Errorf("invalid mesh public key %q: %w", publicKey, err)
	}
	return g.host.Network().Connectedness(id) == network.Connected, nil
}

// Close shuts down the mesh host.
func (g *Gateway) Close() error {
	if g == nil || g.host == nil {
		return nil
	}
	return g.host.Close()
}

// AllowListPath returns the path of the persisted allow-list under dataDir.
func AllowListPath(dataDir string) string {
	return filepath.Join(dataDir, "allowlist.json")
}

func loadOrCreateKey(keyDir string) (crypto.PrivKey, error) {
	keyPath := filepath.Join(keyDir, "mesh.key")

	if keyData, err := os.ReadFile(keyPath); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err == nil {
			log.Debugf("Loaded mesh identity from %s", keyPath)
			return privKey, nil
		}
		log.Warnf("Failed to unmarshal existing mesh key, generating new one: %v", err)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	log.Infof("Generated new mesh identity at %s", keyPath)
	return privKey, nil
}
