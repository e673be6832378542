// Package peerstore is the global peer table and allowed-IPs dispatcher
// named in spec §4.12, generalized from pkg/_ref_connpool/pool.go's
// mutex-guarded map (keyed there by a 5-tuple ConnID, here by PeerID) over
// pkg/allowedips.Table.
package peerstore

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/firezone/connlib/pkg/allowedips"
	"github.com/firezone/connlib/pkg/connection"
)

// PeerID identifies one peer (a Gateway, from the Client's perspective, or
// a Client, from the Gateway's).
type PeerID = uuid.UUID

var ErrUnknownDestination = errors.New("peerstore: no route to destination")

// outboundBufferCapacity bounds how many packets queue up for a peer with
// no active session yet, per spec §4.12's "bounded queue (capacity 32)".
const outboundBufferCapacity = 32

// Peer is one entry in the store: a connection plus the source ranges it's
// allowed to claim on decrypted inbound traffic.
type Peer struct {
	ID         PeerID
	Conn       *connection.Connection
	allowedIPs *allowedips.Table[struct{}]

	pending [][]byte
}

// AcceptsSource reports whether ip falls within this peer's allowed-IPs
// ranges, the anti-spoofing check WireGuard applies to decrypted packets
// before handing them to the TUN device.
func (p *Peer) AcceptsSource(ip net.IP) bool {
	_, ok := p.allowedIPs.Find(ip)
	return ok
}

// Store is the peer table a Client or Gateway keeps: one entry per peer,
// plus a single global allowed-IPs trie used to route outbound packets to
// the right peer.
type Store struct {
	mu     sync.Mutex
	peers  map[PeerID]*Peer
	routes *allowedips.Table[PeerID]
}

func New() *Store {
	return &Store{
		peers:  make(map[PeerID]*Peer),
		routes: allowedips.New[PeerID](),
	}
}

// AddPeer registers a new peer and its allowed-IPs ranges in both the
// per-peer table (for AcceptsSource) and the global routing trie.
func (s *Store) AddPeer(ctx context.Context, id PeerID, conn *connection.Connection, allowed []net.IPNet) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer := &Peer{ID: id, Conn: conn, allowedIPs: allowedips.New[struct{}]()}
	for _, ipnet := range allowed {
		ones, _ := ipnet.Mask.Size()
		peer.allowedIPs.Insert(ipnet.IP, ones, struct{}{})
		s.routes.Insert(ipnet.IP, ones, id)
	}

	s.peers[id] = peer
	dlog.Debugf(ctx, "++ peer %s (count now is %d)", id, len(s.peers))
	return peer
}

// RemovePeer evicts a peer from both the peer table and the routing trie.
func (s *Store) RemovePeer(ctx context.Context, id PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers, id)
	s.routes.RemoveWhere(func(candidate PeerID) bool { return candidate == id })
	dlog.Debugf(ctx, "-- peer %s (count now is %d)", id, len(s.peers))
}

// PeerByID looks up a peer directly, e.g. once a control-plane message has
// named it explicitly.
func (s *Store) PeerByID(id PeerID) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// PeerAcceptingSource scans the peer table for the one whose connection
// recognizes from as belonging to it (a nominated socket, a configured
// relay, or a known remote ICE candidate). A linear scan, matching spec
// §9's note that the store is a flat table, not an address-indexed one.
func (s *Store) PeerAcceptingSource(from *net.UDPAddr) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range s.peers {
		if peer.Conn.Accepts(from) {
			return peer, true
		}
	}
	return nil, false
}

// Snapshot returns every tracked peer, for callers (e.g. a timer-driven
// maintenance loop) that need to iterate the whole table without holding
// the store locked for the duration.
func (s *Store) Snapshot() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// RouteFor resolves dst against the global allowed-IPs trie to find which
// peer owns it.
func (s *Store) RouteFor(dst net.IP) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.routes.Find(dst)
	if !ok {
		return nil, false
	}
	peer, ok := s.peers[id]
	return peer, ok
}

// HandleOutbound resolves dst to its owning peer. If the peer's connection
// is already up, it returns the peer for the caller to encapsulate and send
// immediately; otherwise the packet is buffered (dropping the oldest once
// outboundBufferCapacity is reached) and nil is returned to signal
// "buffered, nothing to send yet".
func (s *Store) HandleOutbound(dst net.IP, packet []byte) (*Peer, error) {
	peer, ok := s.RouteFor(dst)
	if !ok {
		return nil, ErrUnknownDestination
	}

	if peer.Conn.IsConnected() {
		return peer, nil
	}

	s.mu.Lock()
	if len(peer.pending) >= outboundBufferCapacity {
		peer.pending = peer.pending[1:]
	}
	peer.pending = append(peer.pending, packet)
	s.mu.Unlock()

	return nil, nil
}

// DrainPending returns and clears a peer's buffered outbound packets, for
// the caller to encapsulate and send once its connection becomes active.
func (s *Store) DrainPending(id PeerID) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	if !ok {
		return nil
	}
	out := peer.pending
	peer.pending = nil
	return out
}

// Len reports the number of tracked peers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
