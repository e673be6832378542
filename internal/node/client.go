package node

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firezone/connlib/pkg/dnsresourcenat"
	"github.com/firezone/connlib/pkg/p2pcontrol"
)

// dnsBindingEntry is a Client-side DNS Resource: a domain resolved through
// a particular Gateway, with the set of proxy IPs it was assigned.
type dnsBindingEntry struct {
	domainBinding
	proxyIPs []net.IP
}

// clientState is the Client-only counterpart to gatewayState: it tracks
// which proxy IPs belong to which DNS Resource and runs pkg/dnsresourcenat
// to buffer outgoing packets until the owning Gateway confirms its NAT.
type clientState struct {
	mu       sync.Mutex
	nat      *dnsresourcenat.Table
	bindings map[string]dnsBindingEntry // proxy IP -> entry
}

func newClientState() *clientState {
	return &clientState{
		nat:      dnsresourcenat.NewTable(),
		bindings: make(map[string]dnsBindingEntry),
	}
}

// bind registers proxyIPs as the Client-visible addresses for domain,
// reachable through the Gateway identified by gatewayID.
func (c *clientState) bind(gatewayID, resourceID uuid.UUID, domain string, proxyIPs []net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := dnsBindingEntry{
		domainBinding: domainBinding{peerID: gatewayID, resourceID: resourceID, domain: domain},
		proxyIPs:      proxyIPs,
	}
	for _, ip := range proxyIPs {
		c.bindings[ip.String()] = entry
	}
}

// handleOutgoing looks up whether dst is a tracked DNS Resource proxy IP.
// tracked is false for ordinary traffic, which the caller should route
// through the peer store as usual. When tracked, forward is the packet to
// send now (nil means dnsresourcenat is buffering it) and ctrl, if
// non-nil, is an AssignedIPs request that must also be sent to gatewayID.
func (c *clientState) handleOutgoing(packet []byte, dst net.IP, now time.Time) (forward, ctrl []byte, gatewayID uuid.UUID, tracked bool) {
	c.mu.Lock()
	entry, ok := c.bindings[dst.String()]
	c.mu.Unlock()
	if !ok {
		return nil, nil, uuid.UUID{}, false
	}

	c.mu.Lock()
	ctrl = c.nat.Update(entry.domain, entry.peerID, entry.resourceID, entry.proxyIPs, [][]byte{packet}, now)
	forward = c.nat.HandleOutgoing(entry.peerID, entry.domain, packet)
	c.mu.Unlock()

	return forward, ctrl, entry.peerID, true
}

// onDomainStatus processes a DomainStatus reply from gatewayID, returning
// any packets that had been buffered awaiting it.
func (c *clientState) onDomainStatus(gatewayID uuid.UUID, status p2pcontrol.DomainStatus) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nat.OnDomainStatus(gatewayID, status)
}
