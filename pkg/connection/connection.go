// Package connection composes one peer's ICE agent and WireGuard tunnel
// into the single per-peer object the rest of the system talks to, grounded
// on original_source/rust/connlib/tunnel/src/connection.rs. It performs no
// IO of its own (sans-IO, like its source): callers hand it inbound bytes
// and drain pendingTransmits/events after each call.
package connection

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/firezone/connlib/pkg/ice"
	"github.com/firezone/connlib/pkg/wgtunnel"
)

var (
	ErrNotConnected = errors.New("connection: not yet connected")
)

// Transmit is one datagram waiting to go out over the socket layer.
type Transmit struct {
	Dst     *net.UDPAddr
	Payload []byte
}

// EventKind discriminates the events Poll yields.
type EventKind int

const (
	EventWantChannelToPeer EventKind = iota
	EventConnectionFailed
	EventConnectionExpired
)

type Event struct {
	Kind  EventKind
	Peer  *net.UDPAddr
	Relay *net.UDPAddr
}

// PendingConnection is the initial state of every Connection: ICE
// credentials and a WireGuard preshared key have been generated locally,
// but the peer's credentials and public key haven't arrived yet, mirroring
// WantsRemoteCredentials in the data model.
type PendingConnection struct {
	agent        *ice.Agent
	local        *net.UDPAddr
	localKeypair wgtunnel.StaticKeypair
	stunServers  []*net.UDPAddr
	turnServers  []*net.UDPAddr
	presharedKey [32]byte
}

// NewClientToGateway starts a connection as the ICE-controlling side, which
// on the Client is always the party initiating toward a Gateway.
func NewClientToGateway(local *net.UDPAddr, localKeypair wgtunnel.StaticKeypair, stunServers, turnServers []*net.UDPAddr) (*PendingConnection, error) {
	agent := ice.NewAgent(true, stunServers, turnServers)
	agent.AddLocalCandidate(ice.HostCandidate(local))

	var psk [32]byte
	if _, err := rand.Read(psk[:]); err != nil {
		return nil, err
	}

	return &PendingConnection{
		agent:        agent,
		local:        local,
		localKeypair: localKeypair,
		stunServers:  stunServers,
		turnServers:  turnServers,
		presharedKey: psk,
	}, nil
}

func (p *PendingConnection) PresharedKey() [32]byte       { return p.presharedKey }
func (p *PendingConnection) IceCredentials() ice.Credentials { return p.agent.LocalCredentials() }

// WithRemoteCredentials transitions the connection to Active once the
// Gateway's public key and ICE credentials have arrived over the
// control-plane channel.
func (p *PendingConnection) WithRemoteCredentials(remotePublic [32]byte, gatewayCreds ice.Credentials, now time.Time, persistentKeepalive time.Duration) *Connection {
	p.agent.SetRemoteCredentials(gatewayCreds)

	tunnel := wgtunnel.NewTunnel(p.localKeypair, remotePublic, p.presharedKey, now, persistentKeepalive)

	return &Connection{
		agent:       p.agent,
		tunnel:      tunnel,
		local:       p.local,
		stunServers: p.stunServers,
		turnServers: p.turnServers,
	}
}

// Connection is the Active state: a live ICE agent paired with a WireGuard
// tunnel. Through ICE it will attempt a direct hole-punched path and fall
// back to one or more TURN relays.
type Connection struct {
	agent       *ice.Agent
	tunnel      *wgtunnel.Tunnel
	local       *net.UDPAddr
	stunServers []*net.UDPAddr
	turnServers []*net.UDPAddr

	pendingTransmits []Transmit
	pendingEvents    []Event
}

// NewGatewayToClient starts a connection as the ICE-controlled side, which
// on the Gateway is always the party responding to a Client.
func NewGatewayToClient(tunnel *wgtunnel.Tunnel, clientCreds ice.Credentials, local *net.UDPAddr, stunServers, turnServers []*net.UDPAddr) *Connection {
	agent := ice.NewAgent(false, stunServers, turnServers)
	agent.SetRemoteCredentials(clientCreds)
	agent.AddLocalCandidate(ice.HostCandidate(local))

	return &Connection{
		agent:       agent,
		tunnel:      tunnel,
		local:       local,
		stunServers: stunServers,
		turnServers: turnServers,
	}
}

func (c *Connection) IceCredentials() ice.Credentials { return c.agent.LocalCredentials() }

func (c *Connection) IsConnected() bool {
	_, ok := c.agent.RemoteSocket()
	return ok
}

func (c *Connection) AddRemoteCandidate(cand ice.Candidate) {
	c.agent.AddRemoteCandidate(cand)
}

func (c *Connection) AddLocalServerCandidate(server *net.UDPAddr, cand ice.Candidate) bool {
	for _, s := range c.stunServers {
		if s.String() == server.String() {
			return c.agent.AddLocalCandidate(cand)
		}
	}
	for _, s := range c.turnServers {
		if s.String() == server.String() {
			return c.agent.AddLocalCandidate(cand)
		}
	}
	return false
}

// Accepts reports whether a packet from the given address should be routed
// to this connection: it came from a known remote candidate, a configured
// STUN/TURN server, or the currently-nominated remote socket.
func (c *Connection) Accepts(from *net.UDPAddr) bool {
	for _, cand := range c.agent.RemoteCandidates() {
		if cand.Addr.String() == from.String() {
			return true
		}
	}
	for _, s := range c.stunServers {
		if s.String() == from.String() {
			return true
		}
	}
	for _, s := range c.turnServers {
		if s.String() == from.String() {
			return true
		}
	}
	if remote, ok := c.agent.RemoteSocket(); ok && remote.String() == from.String() {
		return true
	}
	return false
}

// Decapsulate processes one inbound datagram. It returns a decrypted
// plaintext IP packet when WireGuard produced one; both return values are
// nil when the packet was fully consumed as STUN or channel-data control
// traffic, or when WireGuard only emitted control packets onto the
// pending-transmit queue.
func (c *Connection) Decapsulate(from *net.UDPAddr, packet []byte, buf []byte, now time.Time) ([]byte, error) {
	if c.agent.HandlePacket(from, packet, now) {
		c.drainAgent()
		return nil, nil
	}

	if channel, payload, ok := parseChannelData(packet); ok {
		binding, found := c.agent.ChannelBindingByNumber(channel)
		if !found {
			return nil, nil
		}
		return c.Decapsulate(binding.Peer, payload, buf, now)
	}

	result := c.tunnel.Decapsulate(packet, buf, now)
	switch result.Kind {
	case wgtunnel.ResultErr:
		return nil, result.Err
	case wgtunnel.ResultDone:
		return result.Plaintext, nil
	default:
		return nil, nil
	}
}

// Encapsulate encrypts an outgoing IP packet for transmission to the
// nominated remote socket. It fails with ErrNotConnected until ICE has
// nominated a pair.
func (c *Connection) Encapsulate(plaintext, buf []byte, now time.Time) (*net.UDPAddr, []byte, error) {
	remote, ok := c.agent.RemoteSocket()
	if !ok {
		return nil, nil, ErrNotConnected
	}

	result := c.tunnel.Encapsulate(plaintext, buf, now)
	switch result.Kind {
	case wgtunnel.ResultErr:
		return nil, nil, result.Err
	case wgtunnel.ResultWriteToNetwork:
		return remote, buf[:result.N], nil
	default:
		return nil, nil, nil
	}
}

// UpdateTimers runs the ICE agent's timeouts and, once a pair has been
// nominated, the tunnel's timer decision tree, draining any packet either
// produces (connectivity checks, handshakes, keepalives) into the
// pending-transmit queue.
func (c *Connection) UpdateTimers(now time.Time) {
	if remote, ok := c.agent.RemoteSocket(); ok {
		buf := make([]byte, wgtunnel.HandshakeInitiationSize)
		result := c.tunnel.UpdateTimers(now, buf)
		switch result.Kind {
		case wgtunnel.ResultWriteToNetwork:
			payload := append([]byte(nil), buf[:result.N]...)
			c.pendingTransmits = append(c.pendingTransmits, Transmit{Dst: remote, Payload: payload})
		case wgtunnel.ResultErr:
			c.pendingEvents = append(c.pendingEvents, Event{Kind: EventConnectionExpired})
		}
	}

	c.agent.HandleTimeout(now)
	c.drainAgent()
}

// AddBinding records a TURN channel binding this connection may now use to
// reach relay on behalf of peer.
func (c *Connection) AddBinding(relay *net.UDPAddr, peer *net.UDPAddr, now time.Time) {
	for _, s := range c.turnServers {
		if s.String() == relay.String() {
			c.agent.AddBinding(relay, peer, now)
			return
		}
	}
}

// SetTurnCredentials installs the long-term TURN username/password the
// control-plane collaborator obtained out of band, forwarding to the
// underlying ICE agent so any queued or future Allocate/ChannelBind request
// carries MESSAGE-INTEGRITY.
func (c *Connection) SetTurnCredentials(username, password string) {
	c.agent.SetTurnCredentials(username, password)
}

// Poll drains the next pending transmit or event, if any. Callers should
// call it repeatedly until it returns ok=false.
func (c *Connection) Poll() (Transmit, Event, bool) {
	if len(c.pendingTransmits) > 0 {
		t := c.pendingTransmits[0]
		c.pendingTransmits = c.pendingTransmits[1:]
		return t, Event{}, true
	}
	if len(c.pendingEvents) > 0 {
		e := c.pendingEvents[0]
		c.pendingEvents = c.pendingEvents[1:]
		return Transmit{}, e, true
	}
	return Transmit{}, Event{}, false
}

func (c *Connection) drainAgent() {
	for {
		t, ok := c.agent.PollTransmit()
		if !ok {
			break
		}
		c.pendingTransmits = append(c.pendingTransmits, Transmit{Dst: t.Dst, Payload: t.Payload})
	}

	for {
		e, ok := c.agent.PollEvent()
		if !ok {
			break
		}
		switch e.Kind {
		case ice.EventDiscoveredRecv:
			for _, relay := range c.turnServers {
				c.pendingEvents = append(c.pendingEvents, Event{Kind: EventWantChannelToPeer, Peer: e.Source, Relay: relay})
			}
		case ice.EventConnectionFailed:
			c.pendingEvents = append(c.pendingEvents, Event{Kind: EventConnectionFailed})
		}
	}
}

// parseChannelData recognizes TURN channel-data framing (RFC 5766 §11.4):
// 2-byte channel number in [0x4000, 0x7FFF], 2-byte length, payload.
func parseChannelData(data []byte) (channel uint16, payload []byte, ok bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	if ch < 0x4000 || ch > 0x7FFF {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-4 {
		return 0, nil, false
	}
	return ch, data[4 : 4+length], true
}
