package dnsresourcenat

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firezone/connlib/pkg/p2pcontrol"
)

const exampleDomain = "example.com"

var proxyIPs = []net.IP{net.ParseIP("100.100.0.1")}

func TestNoRecreateNatForFailedResponse(t *testing.T) {
	table := NewTable()
	gid := uuid.New()
	rid := uuid.New()

	payload := table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())
	require.NotNil(t, payload)

	table.OnDomainStatus(gid, p2pcontrol.DomainStatus{ResourceID: rid, Domain: exampleDomain, Status: p2pcontrol.NatInactive})

	payload = table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())
	assert.Nil(t, payload)
}

func TestRecreateFailedNat(t *testing.T) {
	table := NewTable()
	gid := uuid.New()
	rid := uuid.New()

	table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())
	table.OnDomainStatus(gid, p2pcontrol.DomainStatus{ResourceID: rid, Domain: exampleDomain, Status: p2pcontrol.NatInactive})

	table.Recreate(exampleDomain)

	payload := table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())
	require.NotNil(t, payload)

	out := table.HandleOutgoing(gid, exampleDomain, []byte("packet"))
	assert.Nil(t, out, "packets should buffer after coming from Failed")
}

func TestBufferPacketsUntilNatIsActive(t *testing.T) {
	table := NewTable()
	gid := uuid.New()
	rid := uuid.New()

	table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())

	packet := []byte("packet")
	out := table.HandleOutgoing(gid, exampleDomain, packet)
	assert.Nil(t, out)

	released := table.OnDomainStatus(gid, p2pcontrol.DomainStatus{ResourceID: rid, Domain: exampleDomain, Status: p2pcontrol.NatActive})
	require.Len(t, released, 1)
	assert.Equal(t, packet, released[0])
}

func TestDontBufferPacketsUponRecreate(t *testing.T) {
	table := NewTable()
	gid := uuid.New()
	rid := uuid.New()

	table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())
	table.OnDomainStatus(gid, p2pcontrol.DomainStatus{ResourceID: rid, Domain: exampleDomain, Status: p2pcontrol.NatActive})

	table.Recreate(exampleDomain)
	table.Update(exampleDomain, gid, rid, proxyIPs, nil, time.Now())

	out := table.HandleOutgoing(gid, exampleDomain, []byte("packet"))
	assert.NotNil(t, out, "recreating from Confirmed should not buffer")
}

func TestResendIntentAfterTwoSeconds(t *testing.T) {
	table := NewTable()
	gid := uuid.New()
	rid := uuid.New()
	now := time.Now()

	payload := table.Update(exampleDomain, gid, rid, proxyIPs, nil, now)
	require.NotNil(t, payload)

	payload = table.Update(exampleDomain, gid, rid, proxyIPs, nil, now.Add(time.Second))
	assert.Nil(t, payload, "resend suppressed within 2s")

	payload = table.Update(exampleDomain, gid, rid, proxyIPs, nil, now.Add(3*time.Second))
	assert.NotNil(t, payload, "resend allowed after 2s")
}

func TestPacketBufferDedupsAndCapsAtCapacity(t *testing.T) {
	buf := newPacketBuffer(2)
	buf.push([]byte("a"))
	buf.push([]byte("a"))
	assert.Equal(t, 1, buf.len(), "duplicate packet should not be re-added")

	buf.push([]byte("b"))
	buf.push([]byte("c"))
	assert.Equal(t, 2, buf.len(), "buffer should stay at its capacity")

	drained := buf.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", string(drained[0]), "oldest packet should have been evicted")
	assert.Equal(t, "c", string(drained[1]))
}
