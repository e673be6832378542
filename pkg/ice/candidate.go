// Package ice implements the single-threaded ICE agent and minimal
// STUN/TURN client described in the system design's §4.6, grounded directly
// on that design: github.com/pion/stun supplies the wire-level STUN message
// codec only, never the agent logic itself (connectivity checks, nomination
// and channel-binding lifecycle are this package's own state machine).
package ice

import "net"

// Type classifies how a Candidate was obtained.
type Type int

const (
	TypeHost Type = iota
	TypeServerReflexive
	TypePeerReflexive
	TypeRelay
)

func (t Type) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeServerReflexive:
		return "srflx"
	case TypePeerReflexive:
		return "prflx"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is one address a peer might be reachable at.
type Candidate struct {
	Type Type
	Addr *net.UDPAddr
	// RelayServer is set only for TypeRelay candidates: the TURN server
	// through which this candidate's traffic is forwarded.
	RelayServer *net.UDPAddr
}

func HostCandidate(addr *net.UDPAddr) Candidate {
	return Candidate{Type: TypeHost, Addr: addr}
}

func ServerReflexiveCandidate(addr *net.UDPAddr) Candidate {
	return Candidate{Type: TypeServerReflexive, Addr: addr}
}

func PeerReflexiveCandidate(addr *net.UDPAddr) Candidate {
	return Candidate{Type: TypePeerReflexive, Addr: addr}
}

func RelayCandidate(addr, relayServer *net.UDPAddr) Candidate {
	return Candidate{Type: TypeRelay, Addr: addr, RelayServer: relayServer}
}

func (c Candidate) equal(o Candidate) bool {
	return c.Type == o.Type && udpAddrEqual(c.Addr, o.Addr)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
