package ice

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(s string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func drainTransmits(a *Agent) []Transmit {
	var out []Transmit
	for {
		t, ok := a.PollTransmit()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func drainEvents(a *Agent) []Event {
	var out []Event
	for {
		e, ok := a.PollEvent()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// TestConnectivityCheckNominatesOnFirstSuccess ports the design's "remote
// and local candidates pair up, a successful check nominates the pair"
// NominatedSend behavior, with the controlling side issuing the check and
// the controlled side answering it.
func TestConnectivityCheckNominatesOnFirstSuccess(t *testing.T) {
	controlling := NewAgent(true, nil, nil)
	controlled := NewAgent(false, nil, nil)

	controlling.SetRemoteCredentials(controlled.LocalCredentials())
	controlled.SetRemoteCredentials(controlling.LocalCredentials())

	localAddr := udpAddr("10.0.0.1:5000")
	remoteAddr := udpAddr("10.0.0.2:5000")

	controlling.AddLocalCandidate(HostCandidate(localAddr))
	controlling.AddRemoteCandidate(HostCandidate(remoteAddr))

	transmits := drainTransmits(controlling)
	require.Len(t, transmits, 1, "controlling side should send one binding request")

	consumed := controlled.HandlePacket(localAddr, transmits[0].Payload, time.Now())
	assert.True(t, consumed)

	controlledEvents := drainEvents(controlled)
	require.NotEmpty(t, controlledEvents)
	assert.Equal(t, EventDiscoveredRecv, controlledEvents[0].Kind, "the request came from a not-yet-known remote, so it's peer-reflexive")

	response := drainTransmits(controlled)
	require.Len(t, response, 1)

	consumed = controlling.HandlePacket(remoteAddr, response[0].Payload, time.Now())
	assert.True(t, consumed)

	events := drainEvents(controlling)
	var nominated bool
	for _, e := range events {
		if e.Kind == EventNominatedSend {
			nominated = true
			assert.Equal(t, remoteAddr.String(), e.Destination.String())
		}
	}
	assert.True(t, nominated)

	remote, ok := controlling.RemoteSocket()
	require.True(t, ok)
	assert.Equal(t, remoteAddr.String(), remote.String())
}

func TestHandlePacketIgnoresNonSTUNTraffic(t *testing.T) {
	a := NewAgent(true, nil, nil)
	consumed := a.HandlePacket(udpAddr("10.0.0.2:5000"), []byte{0x04, 0x00, 0x00, 0x00}, time.Now())
	assert.False(t, consumed, "WireGuard/channel-data traffic is not STUN and must be forwarded by the caller")
}

func TestStunServerRefreshProducesServerReflexiveCandidate(t *testing.T) {
	stunServer := udpAddr("203.0.113.1:3478")
	a := NewAgent(true, []*net.UDPAddr{stunServer}, nil)

	now := time.Now()
	a.HandleTimeout(now)

	transmits := drainTransmits(a)
	require.Len(t, transmits, 1)

	msg := &stun.Message{Raw: append([]byte(nil), transmits[0].Payload...)}
	require.NoError(t, msg.Decode())

	reflexiveAddr := udpAddr("198.51.100.9:40000")
	resp, err := stun.Build(
		stun.BindingSuccess,
		stunTransactionID(msg.TransactionID),
		&stun.XORMappedAddress{IP: reflexiveAddr.IP, Port: reflexiveAddr.Port},
	)
	require.NoError(t, err)

	consumed := a.HandlePacket(stunServer, resp.Raw, now.Add(time.Second))
	assert.True(t, consumed)

	var found bool
	for _, c := range a.localCandidates {
		if c.Type == TypeServerReflexive && c.Addr.String() == reflexiveAddr.String() {
			found = true
		}
	}
	assert.True(t, found)

	// A second call inside the 60s window must not resend.
	a.HandleTimeout(now.Add(time.Second))
	assert.Empty(t, drainTransmits(a))
}

func TestChannelBindingNumbersStartAt0x4000AndIncrement(t *testing.T) {
	a := NewAgent(true, nil, nil)
	relay := udpAddr("203.0.113.1:3478")

	now := time.Now()
	b1 := a.AddBinding(relay, udpAddr("10.0.0.5:1"), now)
	b2 := a.AddBinding(relay, udpAddr("10.0.0.6:1"), now)

	assert.Equal(t, uint16(0x4000), b1.Channel)
	assert.Equal(t, uint16(0x4001), b2.Channel)
}

func TestChannelBindingRefreshesAfterFiveMinutes(t *testing.T) {
	a := NewAgent(true, nil, nil)
	relay := udpAddr("203.0.113.1:3478")
	peer := udpAddr("10.0.0.5:1")

	start := time.Now()
	a.AddBinding(relay, peer, start)
	drainTransmits(a) // discard the initial bind request

	a.HandleTimeout(start.Add(6 * time.Minute))

	transmits := drainTransmits(a)
	require.Len(t, transmits, 1, "a binding older than the 5 minute refresh interval must be re-bound")
}
