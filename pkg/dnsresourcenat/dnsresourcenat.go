// Package dnsresourcenat tracks, on the Client, which domains have had a DNS
// resource NAT set up on a given Gateway, grounded on
// original_source/rust/connlib/tunnel/src/client/dns_resource_nat.rs.
//
// The IPs for DNS resources are assigned on the Client; routing them to the
// real resource requires the Gateway to install a NAT entry first. Until
// that NAT exists, packets sent to those IPs are buffered here rather than
// sent, so the Client doesn't black-hole traffic while the Gateway catches
// up.
package dnsresourcenat

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/firezone/connlib/pkg/p2pcontrol"
)

// resendInterval is how long Update waits before re-sending an AssignedIPs
// request for a domain still stuck in Pending.
const resendInterval = 2 * time.Second

// bufferCapacity is the dedup buffer's bound, mirroring the source's
// UniquePacketBuffer::with_capacity_power_of_2(5, ...) (2^5 = 32).
const bufferCapacity = 32

type kind int

const (
	kindPending kind = iota
	kindRecreating
	kindConfirmed
	kindFailed
)

type entryState struct {
	kind kind

	// valid only while kind == kindPending
	sentAt time.Time

	// valid while kind is kindPending or kindRecreating
	shouldBuffer bool

	buffered *packetBuffer
}

func (s *entryState) numBuffered() int {
	if s.buffered == nil {
		return 0
	}
	return s.buffered.len()
}

type entryKey struct {
	gatewayID uuid.UUID
	domain    string
}

// Table is the per-client DNS-resource-NAT tracking table, keyed by
// (gateway, domain) exactly as dns_resource_nat.rs's BTreeMap is.
type Table struct {
	entries map[entryKey]*entryState
}

func NewTable() *Table {
	return &Table{entries: make(map[entryKey]*entryState)}
}

func keyFor(gatewayID uuid.UUID, domain string) entryKey {
	return entryKey{gatewayID: gatewayID, domain: dns.Fqdn(domain)}
}

// Update records that packetsForDomain want to reach domain via gatewayID,
// and returns the AssignedIPs control payload to send to the Gateway, if
// one is due. A nil return means either the NAT is already Confirmed/Failed,
// or a request was already sent inside the last resendInterval.
func (t *Table) Update(domain string, gatewayID, resourceID uuid.UUID, proxyIPs []net.IP, packetsForDomain [][]byte, now time.Time) []byte {
	k := keyFor(gatewayID, domain)
	st, ok := t.entries[k]

	switch {
	case !ok:
		buf := newPacketBuffer(bufferCapacity)
		buf.extend(packetsForDomain)
		t.entries[k] = &entryState{kind: kindPending, sentAt: now, buffered: buf, shouldBuffer: true}

	case st.kind == kindConfirmed || st.kind == kindFailed:
		return nil

	case st.kind == kindRecreating:
		buf := newPacketBuffer(bufferCapacity)
		buf.extend(packetsForDomain)
		st.kind = kindPending
		st.sentAt = now
		st.buffered = buf
		// shouldBuffer carries over from the Recreating state.

	case st.kind == kindPending:
		st.buffered.extend(packetsForDomain)
		if now.Sub(st.sentAt) < resendInterval {
			return nil
		}
		st.sentAt = now
	}

	return p2pcontrol.EncodeAssignedIPs(p2pcontrol.AssignedIPs{
		ResourceID: resourceID,
		Domain:     domain,
		ProxyIPs:   proxyIPs,
	})
}

// Recreate marks every tracked entry for domain (across all gateways) as
// Recreating, triggering a fresh AssignedIPs request on the next Update.
// Confirmed entries stop buffering once recreated (the DNS record rarely
// changes, so packets should keep flowing); Failed entries resume
// buffering, since there is no NAT yet to route them through.
func (t *Table) Recreate(domain string) {
	fqdn := dns.Fqdn(domain)
	for k, st := range t.entries {
		if k.domain != fqdn {
			continue
		}
		switch st.kind {
		case kindRecreating, kindPending:
			continue
		case kindConfirmed:
			st.kind = kindRecreating
			st.shouldBuffer = false
		case kindFailed:
			st.kind = kindRecreating
			st.shouldBuffer = true
		}
	}
}

// HandleOutgoing decides whether an outgoing packet destined for domain via
// gatewayID should be buffered (NAT not confirmed yet and should-buffer is
// set) or passed straight through.
func (t *Table) HandleOutgoing(gatewayID uuid.UUID, domain string, packet []byte) []byte {
	k := keyFor(gatewayID, domain)
	if st, ok := t.entries[k]; ok && st.kind == kindPending && st.shouldBuffer {
		st.buffered.push(packet)
		return nil
	}
	return packet
}

// OnDomainStatus processes a DomainStatus reply from the Gateway, returning
// any packets that had been buffered awaiting confirmation.
func (t *Table) OnDomainStatus(gatewayID uuid.UUID, status p2pcontrol.DomainStatus) [][]byte {
	k := keyFor(gatewayID, status.Domain)
	st, ok := t.entries[k]
	if !ok {
		return nil
	}

	if status.Status != p2pcontrol.NatActive {
		st.kind = kindFailed
		st.buffered = nil
		return nil
	}

	var released [][]byte
	if st.buffered != nil {
		released = st.buffered.drain()
	}
	st.kind = kindConfirmed
	st.sentAt = time.Time{}
	st.buffered = nil
	return released
}

func (t *Table) ClearByGateway(gatewayID uuid.UUID) {
	for k := range t.entries {
		if k.gatewayID == gatewayID {
			delete(t.entries, k)
		}
	}
}

func (t *Table) ClearByDomain(domain string) {
	fqdn := dns.Fqdn(domain)
	for k := range t.entries {
		if k.domain == fqdn {
			delete(t.entries, k)
		}
	}
}

func (t *Table) Clear() {
	t.entries = make(map[entryKey]*entryState)
}
