package mesh

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// allowGater enforces the registered-node allow-list on every connection.
// An empty allowed set means the mesh is open: no restriction is applied.
// That fail-open state is deliberate and is warned about by the Gateway
// whenever a removal empties the list.
type allowGater struct {
	mu      sync.RWMutex
	allowed map[peer.ID]struct{}
}

func newAllowGater() *allowGater {
	return &allowGater{allowed: make(map[peer.ID]struct{})}
}

// setAllowed replaces the in-memory allowed set. Called on reload.
func (g *allowGater) setAllowed(set map[peer.ID]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = set
}

func (g *allowGater) permits(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[p]
	return ok
}

// InterceptPeerDial is called before dialing a peer.
func (g *allowGater) InterceptPeerDial(p peer.ID) bool {
	if !g.permits(p) {
		log.Debugf("Blocked dial to peer %s: not on allow-list", p.ShortString())
		return false
	}
	return true
}

// InterceptAddrDial is called before dialing a specific address.
func (g *allowGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) bool {
	return g.InterceptPeerDial(p)
}

// InterceptAccept is called when accepting a connection. The peer identity
// is not known until the handshake, so the check happens in InterceptSecured.
func (g *allowGater) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured is called after the security handshake is complete.
func (g *allowGater) InterceptSecured(dir network.Direction, p peer.ID, addrs network.ConnMultiaddrs) bool {
	if !g.permits(p) {
		log.Debugf("Rejected secured connection from peer %s: not on allow-list", p.ShortString())
		return false
	}
	return true
}

// InterceptUpgraded is called after the connection is fully upgraded.
func (g *allowGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*allowGater)(nil)
