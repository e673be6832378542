package p2pcontrol

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignedIPsRoundTrip(t *testing.T) {
	msg := AssignedIPs{
		ResourceID: uuid.New(),
		Domain:     "example.com",
		ProxyIPs:   []net.IP{net.ParseIP("100.100.0.1").To4(), net.ParseIP("100.100.0.2").To4()},
	}

	assignedIPs, domainStatus, err := Decode(EncodeAssignedIPs(msg))
	require.NoError(t, err)
	require.Nil(t, domainStatus)
	require.NotNil(t, assignedIPs)
	assert.Equal(t, msg.ResourceID, assignedIPs.ResourceID)
	assert.Equal(t, "example.com.", assignedIPs.Domain)
	require.Len(t, assignedIPs.ProxyIPs, 2)
	assert.True(t, msg.ProxyIPs[0].Equal(assignedIPs.ProxyIPs[0]))
	assert.True(t, msg.ProxyIPs[1].Equal(assignedIPs.ProxyIPs[1]))
}

func TestDomainStatusRoundTrip(t *testing.T) {
	msg := DomainStatus{ResourceID: uuid.New(), Domain: "internal.corp", Status: NatActive}

	assignedIPs, domainStatus, err := Decode(EncodeDomainStatus(msg))
	require.NoError(t, err)
	require.Nil(t, assignedIPs)
	require.NotNil(t, domainStatus)
	assert.Equal(t, msg.ResourceID, domainStatus.ResourceID)
	assert.Equal(t, "internal.corp.", domainStatus.Domain)
	assert.Equal(t, NatActive, domainStatus.Status)
}

func TestBuildAndParseIPv4PacketRoundTrip(t *testing.T) {
	payload := EncodeDomainStatus(DomainStatus{ResourceID: uuid.New(), Domain: "a.b", Status: NatInactive})
	packet := BuildIPv4Packet(net.ParseIP("100.64.0.1"), net.ParseIP("100.64.0.2"), payload)

	got, err := ParseIPv4Packet(packet)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestParseIPv4PacketRejectsOtherProtocols(t *testing.T) {
	packet := BuildIPv4Packet(net.ParseIP("100.64.0.1"), net.ParseIP("100.64.0.2"), []byte("x"))
	packet[9] = 17 // UDP, not the control protocol

	_, err := ParseIPv4Packet(packet)
	assert.ErrorIs(t, err, ErrNotControlPacket)
}
