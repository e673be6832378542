// Package node wires the per-packet components (pkg/connection,
// pkg/peerstore, pkg/sockets) into the goroutines spec §5 describes as the
// CONCURRENCY & RESOURCE MODEL: a socket-driven receive loop per bound
// address family, a loop reading the platform TUN device the caller
// supplies (spec §6: "platform supplies a file descriptor or handle
// yielding whole IP packets... configured out of band"), and a
// timer-driven maintenance loop.
//
// Session setup - who the peers are, their WireGuard public keys, ICE
// credential exchange - arrives over a control-plane channel that spec §1's
// Non-goals place out of this core's scope ("implementing a WireGuard
// control protocol"); AddPeer is this package's seam for wherever that
// control-plane client ends up living.
package node

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/firezone/connlib/internal/config"
	"github.com/firezone/connlib/pkg/connection"
	"github.com/firezone/connlib/pkg/ippacket"
	"github.com/firezone/connlib/pkg/p2pcontrol"
	"github.com/firezone/connlib/pkg/peerstore"
	"github.com/firezone/connlib/pkg/sockets"
)

// maintenanceTick is how often the timer-driven loop calls UpdateTimers on
// every connection and drains its Poll() output, the same role
// Device.RoutineTimer plays in wireguard-go.
const maintenanceTick = 100 * time.Millisecond

// recvBufferSize is the scratch buffer Decapsulate writes plaintext into.
const recvBufferSize = 65535

// TUN is the platform tunnel device: Read yields one whole IP packet per
// call, Write accepts one whole IP packet per call. Platform-specific
// construction (interface name, MTU, address/route configuration) is
// entirely out of band per spec §6 and lives outside this package.
type TUN = io.ReadWriteCloser

// Node runs the receive and maintenance loops over a peer store and a pair
// of UDP sockets. Exactly one of gateway/client is populated, chosen by
// cfg.Role in New.
type Node struct {
	peers *peerstore.Store
	socks *sockets.Manager
	tun   TUN

	gateway *gatewayState // C9 pkg/gatewaynat + C11 pkg/dnstcp, Gateway role only
	client  *clientState  // C8 pkg/dnsresourcenat, Client role only
}

// New constructs a Node bound to cfg's listen addresses. The caller is
// responsible for populating peers (via Store/AddPeer) before or while the
// returned Node's Run is active.
func New(ctx context.Context, cfg config.Config, tun TUN) (*Node, error) {
	v4, v6, err := cfg.ResolveListenAddrs()
	if err != nil {
		return nil, err
	}

	socks, err := sockets.NewManager(ctx, v4, v6, cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}

	n := &Node{
		peers: peerstore.New(),
		socks: socks,
		tun:   tun,
	}

	switch cfg.Role {
	case config.RoleGateway:
		upstream, err := cfg.ResolveUpstreamDNS()
		if err != nil {
			return nil, err
		}
		n.gateway = newGatewayState(upstream)
	case config.RoleClient:
		n.client = newClientState()
	}

	return n, nil
}

// Peers exposes the underlying peer store so the control-plane client can
// add/remove peers as sessions come and go.
func (n *Node) Peers() *peerstore.Store { return n.peers }

// BindDNSResource registers proxyIPs as the Client-visible addresses for a
// DNS Resource reachable through gatewayID, the seam a control-plane client
// uses once it has resolved a Resource's domain to a set of proxy IPs (DNS
// interception/resolution itself is out of this core's scope). A no-op on
// a Gateway-role Node.
func (n *Node) BindDNSResource(gatewayID, resourceID uuid.UUID, domain string, proxyIPs []net.IP) {
	if n.client != nil {
		n.client.bind(gatewayID, resourceID, domain, proxyIPs)
	}
}

// ListenAddrV4/ListenAddrV6 report the bound local address for each
// family, e.g. for a control-plane client advertising this node's host
// candidate. Returns nil if that family wasn't bound.
func (n *Node) ListenAddrV4() *net.UDPAddr {
	if v4 := n.socks.V4(); v4 != nil {
		return v4.LocalAddr()
	}
	return nil
}

func (n *Node) ListenAddrV6() *net.UDPAddr {
	if v6 := n.socks.V6(); v6 != nil {
		return v6.LocalAddr()
	}
	return nil
}

// Close releases the underlying sockets. Run's loops exit on their own once
// ctx is canceled; Close additionally lets a caller release the sockets
// without waiting for Run to return.
func (n *Node) Close() error {
	return n.socks.Close()
}

// Run starts the receive and maintenance loops under a dgroup.Group, the
// same supervised-goroutine pattern the teacher's cmd/ binaries use, and
// blocks until ctx is canceled or either loop returns an error.
func (n *Node) Run(ctx context.Context) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	if v4 := n.socks.V4(); v4 != nil {
		grp.Go("recv-ipv4", func(ctx context.Context) error { return n.receiveLoop(ctx, v4) })
	}
	if v6 := n.socks.V6(); v6 != nil {
		grp.Go("recv-ipv6", func(ctx context.Context) error { return n.receiveLoop(ctx, v6) })
	}
	if n.tun != nil {
		grp.Go("tun-outbound", n.tunLoop)
	}
	grp.Go("maintenance", n.maintenanceLoop)

	return grp.Wait()
}

func (n *Node) receiveLoop(ctx context.Context, sock *sockets.Socket) error {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case datagram, ok := <-sock.Recv():
			if !ok {
				return nil
			}
			n.handleInbound(ctx, datagram, buf)
		}
	}
}

// handleInbound finds which peer's connection accepts this datagram - a
// linear scan over the peer store, matching spec §9's note that the store
// is a flat table rather than an indexed-by-address structure - and feeds
// it through Decapsulate.
func (n *Node) handleInbound(ctx context.Context, datagram sockets.Received, buf []byte) {
	peer, ok := n.peers.PeerAcceptingSource(datagram.From)
	if !ok {
		dlog.Debugf(ctx, "node: dropping datagram from %s: no connection accepts it", datagram.From)
		return
	}

	plaintext, err := peer.Conn.Decapsulate(datagram.From, datagram.Payload, buf, time.Now())
	if err != nil {
		dlog.Tracef(ctx, "node: decapsulate from peer %s failed: %v", peer.ID, err)
		return
	}
	if plaintext == nil {
		return // STUN/TURN control traffic, fully handled inside Decapsulate.
	}

	p, err := ippacket.Parse(plaintext)
	if err != nil {
		dlog.Debugf(ctx, "node: dropping unparseable packet from peer %s: %v", peer.ID, err)
		return
	}

	if p.Protocol() == p2pcontrol.Protocol {
		n.handleControlPacket(ctx, peer, p)
		return
	}

	if !peer.AcceptsSource(p.Source()) {
		dlog.Debugf(ctx, "node: dropping packet from peer %s: source outside its allowed IPs", peer.ID)
		return
	}

	payload := p.Bytes()
	if n.gateway != nil {
		out, ok := n.gateway.translateOutgoing(peer.ID, p, time.Now())
		if !ok {
			dlog.Debugf(ctx, "node: dropping packet to unresolved DNS resource proxy %s", p.Destination())
			return
		}
		payload = out
	}

	if n.tun != nil {
		if _, err := n.tun.Write(payload); err != nil {
			dlog.Errorf(ctx, "node: writing decapsulated packet to tun: %v", err)
		}
	}
}

// handleControlPacket decodes a p2pcontrol envelope carried inside the
// tunnel: AssignedIPs on a Gateway kicks off DNS resolution for the
// requested domain, DomainStatus on a Client releases whatever packets
// pkg/dnsresourcenat had buffered for it.
func (n *Node) handleControlPacket(ctx context.Context, peer *peerstore.Peer, p *ippacket.Packet) {
	payload, err := p2pcontrol.ParseIPv4Packet(p.Bytes())
	if err != nil {
		dlog.Debugf(ctx, "node: malformed control packet from peer %s: %v", peer.ID, err)
		return
	}
	assigned, status, err := p2pcontrol.Decode(payload)
	if err != nil {
		dlog.Debugf(ctx, "node: malformed control payload from peer %s: %v", peer.ID, err)
		return
	}

	switch {
	case assigned != nil && n.gateway != nil:
		n.gateway.handleAssignedIPs(ctx, peer.ID, *assigned)
	case status != nil && n.client != nil:
		for _, pkt := range n.client.onDomainStatus(peer.ID, *status) {
			if err := n.sendThroughPeer(ctx, peer, pkt, make([]byte, recvBufferSize)); err != nil {
				dlog.Errorf(ctx, "node: flushing DNS-resource packet to peer %s: %v", peer.ID, err)
			}
		}
	}
}

func (n *Node) tunLoop(ctx context.Context) error {
	readBuf := make([]byte, recvBufferSize)
	for {
		nread, err := n.tun.Read(readBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// HandleOutbound/dnsresourcenat may buffer this packet past the
		// lifetime of readBuf's next overwrite, so hand it a private copy.
		packet := make([]byte, nread)
		copy(packet, readBuf[:nread])

		if n.gateway != nil {
			n.handleGatewayTunRead(ctx, packet)
			continue
		}
		n.handleClientTunRead(ctx, packet)
	}
}

// handleGatewayTunRead NATs a Resource's reply back into the Client's
// proxy-IP address space and hands it to the owning Client connection.
func (n *Node) handleGatewayTunRead(ctx context.Context, packet []byte) {
	p, err := ippacket.Parse(packet)
	if err != nil {
		dlog.Debugf(ctx, "node: dropping unparseable tun packet: %v", err)
		return
	}

	peerID, ok := n.gateway.translateIncoming(p, time.Now())
	if !ok {
		return // no NAT session recognizes this packet.
	}
	peer, ok := n.peers.PeerByID(peerID)
	if !ok {
		return // the Client disconnected between translation and send.
	}

	if err := n.sendThroughPeer(ctx, peer, p.Bytes(), make([]byte, recvBufferSize)); err != nil {
		dlog.Errorf(ctx, "node: sending NAT'd reply to peer %s: %v", peerID, err)
	}
}

// handleClientTunRead routes an outgoing packet either through
// pkg/dnsresourcenat, when it targets a tracked DNS Resource proxy IP, or
// straight through the peer store's allowed-IPs routing otherwise.
func (n *Node) handleClientTunRead(ctx context.Context, packet []byte) {
	dst := destinationOf(packet)
	now := time.Now()

	if n.client != nil {
		forward, ctrl, gatewayID, tracked := n.client.handleOutgoing(packet, dst, now)
		if tracked {
			if ctrl != nil {
				if peer, ok := n.peers.PeerByID(gatewayID); ok {
					ctrlPacket := p2pcontrol.BuildIPv4Packet(controlAddr, controlAddr, ctrl)
					if err := n.sendThroughPeer(ctx, peer, ctrlPacket, make([]byte, recvBufferSize)); err != nil {
						dlog.Errorf(ctx, "node: requesting DNS resource NAT from peer %s: %v", gatewayID, err)
					}
				}
			}
			if forward == nil {
				return // buffered until the Gateway confirms its NAT.
			}
			packet = forward
		}
	}

	peer, err := n.peers.HandleOutbound(dst, packet)
	if err != nil {
		dlog.Debugf(ctx, "node: %v", err)
		return
	}
	if peer == nil {
		return // buffered until the peer's connection comes up.
	}

	if err := n.sendThroughPeer(ctx, peer, packet, make([]byte, recvBufferSize)); err != nil {
		dlog.Errorf(ctx, "node: sending to peer %s: %v", peer.ID, err)
	}
}

func (n *Node) sendThroughPeer(ctx context.Context, peer *peerstore.Peer, packet, buf []byte) error {
	dst, wire, err := peer.Conn.Encapsulate(packet, buf, time.Now())
	if err != nil {
		return err
	}
	return n.socks.Send(ctx, dst, wire)
}

// maintenanceLoop drives every connection's timers (handshake retransmits,
// keepalives, ICE connectivity checks) and flushes their pending transmits
// and events, the role Device.RoutineTimer/handshake workers play in
// wireguard-go.
func (n *Node) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.driveTimers(ctx)
		}
	}
}

func (n *Node) driveTimers(ctx context.Context) {
	now := time.Now()

	if n.gateway != nil {
		n.gateway.handleTimeouts(now)
		n.gateway.pump(ctx, func(peerID uuid.UUID, payload []byte) {
			peer, ok := n.peers.PeerByID(peerID)
			if !ok {
				return
			}
			if err := n.sendThroughPeer(ctx, peer, payload, make([]byte, recvBufferSize)); err != nil {
				dlog.Errorf(ctx, "node: sending DomainStatus to peer %s: %v", peerID, err)
			}
		})
	}

	for _, peer := range n.peers.Snapshot() {
		peer.Conn.UpdateTimers(now)

		for {
			transmit, event, ok := peer.Conn.Poll()
			if !ok {
				break
			}
			if transmit.Payload != nil {
				if err := n.socks.Send(ctx, transmit.Dst, transmit.Payload); err != nil {
					dlog.Errorf(ctx, "node: sending transmit for peer %s: %v", peer.ID, err)
				}
			}
			n.handleEvent(ctx, peer.ID, event)
		}

		if peer.Conn.IsConnected() {
			for _, pkt := range n.peers.DrainPending(peer.ID) {
				buf := make([]byte, recvBufferSize)
				if err := n.sendThroughPeer(ctx, peer, pkt, buf); err != nil {
					dlog.Errorf(ctx, "node: flushing buffered packet to peer %s: %v", peer.ID, err)
				}
			}
		}
	}
}

// destinationOf parses just enough of an IP packet's header to route it; a
// malformed packet is treated as having no recognizable address, so the
// caller's lookup naturally fails closed.
func destinationOf(packet []byte) net.IP {
	p, err := ippacket.Parse(packet)
	if err != nil {
		return nil
	}
	return p.Destination()
}

func (n *Node) handleEvent(ctx context.Context, id uuid.UUID, event connection.Event) {
	switch event.Kind {
	case connection.EventConnectionFailed:
		dlog.Warnf(ctx, "node: connection to peer %s failed, removing", id)
		n.peers.RemovePeer(ctx, id)
	case connection.EventConnectionExpired:
		dlog.Infof(ctx, "node: connection to peer %s expired, removing", id)
		n.peers.RemovePeer(ctx, id)
	case connection.EventWantChannelToPeer:
		// The control-plane client is responsible for obtaining long-term
		// TURN credentials and installing them with
		// Connection.SetTurnCredentials, then requesting a TURN channel
		// allocation for event.Peer via event.Relay and calling
		// Connection.AddBinding once it succeeds.
	}
}
