package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/firezone/connlib/pkg/dnstcp"
	"github.com/firezone/connlib/pkg/gatewaynat"
	"github.com/firezone/connlib/pkg/ippacket"
	"github.com/firezone/connlib/pkg/p2pcontrol"
)

// dnsResolveInterval equals maintenanceTick: pending dnstcp queries are
// flushed and their results collected once per maintenance tick, when the
// maintenance loop calls handleTimeouts and pump. Nothing reads this
// constant directly.
const dnsResolveInterval = maintenanceTick

// controlAddr is the placeholder IPv4 pair p2pcontrol.BuildIPv4Packet
// wraps control payloads in; the addresses are never inspected by
// ParseIPv4Packet, only the dedicated protocol number is.
var controlAddr = net.IPv4zero

// domainBinding records which (peer, resource, domain) a proxy IP belongs
// to, learned from a Client's AssignedIPs request.
type domainBinding struct {
	peerID     uuid.UUID
	resourceID uuid.UUID
	domain     string
}

// gatewayState is the Gateway-only bookkeeping for pkg/gatewaynat and
// pkg/dnstcp: one NAT table per Client tunnel, a proxy-IP -> domain index
// populated from AssignedIPs, a resolved-domain cache fed by DNS-over-TCP
// queries to upstream, and a reverse index from a NAT'd outside tuple back
// to the owning peer (TranslateIncoming needs to know which peer's table
// to consult before it can identify the tuple at all).
type gatewayState struct {
	mu sync.Mutex

	natTables     map[uuid.UUID]*gatewaynat.Table
	proxyToDomain map[string]domainBinding
	domainIPs     map[string]net.IP
	pendingQuery  map[string]struct{}  // domain already in flight
	owner         map[string]uuid.UUID // outside tuple key -> peer ID

	resolver *dnstcp.Client
	upstream *net.TCPAddr
}

func newGatewayState(upstream *net.TCPAddr) *gatewayState {
	return &gatewayState{
		natTables:     make(map[uuid.UUID]*gatewaynat.Table),
		proxyToDomain: make(map[string]domainBinding),
		domainIPs:     make(map[string]net.IP),
		pendingQuery:  make(map[string]struct{}),
		owner:         make(map[string]uuid.UUID),
		resolver:      dnstcp.NewClient(time.Now().UnixNano(), dnstcp.DefaultMinPort, dnstcp.DefaultMaxPort),
		upstream:      upstream,
	}
}

func (g *gatewayState) natTableFor(peerID uuid.UUID) *gatewaynat.Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.natTables[peerID]
	if !ok {
		t = gatewaynat.NewTable()
		g.natTables[peerID] = t
	}
	return t
}

func protoKindOf(proto int) (gatewaynat.ProtoKind, bool) {
	switch proto {
	case ippacket.ProtoTCP:
		return gatewaynat.KindTCP, true
	case ippacket.ProtoUDP:
		return gatewaynat.KindUDP, true
	case ippacket.ProtoICMP, ippacket.ProtoICMPv6:
		return gatewaynat.KindICMP, true
	default:
		return 0, false
	}
}

func ownerKey(proto gatewaynat.Protocol, ip net.IP) string {
	return fmt.Sprintf("%d/%d/%s", proto.Kind, proto.Value, ip.String())
}

// handleAssignedIPs records a Client's AssignedIPs request and, if domain
// isn't already resolved or in flight, starts a DNS-over-TCP query for it.
func (g *gatewayState) handleAssignedIPs(ctx context.Context, peerID uuid.UUID, msg p2pcontrol.AssignedIPs) {
	g.mu.Lock()
	for _, ip := range msg.ProxyIPs {
		g.proxyToDomain[ip.String()] = domainBinding{peerID: peerID, resourceID: msg.ResourceID, domain: msg.Domain}
	}
	_, inFlight := g.pendingQuery[dns.Fqdn(msg.Domain)]
	_, resolved := g.domainIPs[dns.Fqdn(msg.Domain)]
	needsQuery := !inFlight && !resolved && g.upstream != nil
	if needsQuery {
		g.pendingQuery[dns.Fqdn(msg.Domain)] = struct{}{}
	}
	g.mu.Unlock()

	if !needsQuery {
		return
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(msg.Domain), dns.TypeA)
	if err := g.resolver.SendQuery(ctx, g.upstream, query); err != nil {
		dlog.Warnf(ctx, "node: querying upstream DNS for %s: %v", msg.Domain, err)
		g.mu.Lock()
		delete(g.pendingQuery, dns.Fqdn(msg.Domain))
		g.mu.Unlock()
	}
}

// resolvedIPFor looks up the real Resource address a proxy IP's domain
// resolved to, if resolution has completed.
func (g *gatewayState) resolvedIPFor(proxyIP net.IP) (net.IP, domainBinding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	binding, ok := g.proxyToDomain[proxyIP.String()]
	if !ok {
		return nil, domainBinding{}, false
	}
	ip, ok := g.domainIPs[dns.Fqdn(binding.domain)]
	return ip, binding, ok
}

// pump drives the DNS-over-TCP client and delivers DomainStatus replies to
// whichever peer(s) requested a now-resolved domain, called once per
// maintenance tick on a Gateway.
func (g *gatewayState) pump(ctx context.Context, send func(peerID uuid.UUID, payload []byte)) {
	if g.upstream == nil {
		return
	}
	g.resolver.HandleTimeout(ctx, time.Now())

	for {
		result, ok := g.resolver.PollQueryResult()
		if !ok {
			break
		}
		g.deliverResult(ctx, result, send)
	}
}

func (g *gatewayState) deliverResult(ctx context.Context, result dnstcp.QueryResult, send func(peerID uuid.UUID, payload []byte)) {
	if result.Query == nil || len(result.Query.Question) == 0 {
		dlog.Debugf(ctx, "node: dropping unmatched DNS query result: %v", result.Err)
		return
	}
	domain := result.Query.Question[0].Name

	g.mu.Lock()
	delete(g.pendingQuery, domain)
	var resolvedIP net.IP
	if result.Err == nil && result.Response != nil {
		for _, rr := range result.Response.Answer {
			if a, ok := rr.(*dns.A); ok {
				resolvedIP = a.A
				break
			}
		}
	}
	status := p2pcontrol.NatInactive
	if resolvedIP != nil {
		g.domainIPs[domain] = resolvedIP
		status = p2pcontrol.NatActive
	}

	var waiters []domainBinding
	for _, b := range g.proxyToDomain {
		if dns.Fqdn(b.domain) == domain {
			waiters = append(waiters, b)
		}
	}
	g.mu.Unlock()

	if resolvedIP == nil {
		dlog.Warnf(ctx, "node: resolving DNS resource %s failed: %v", domain, result.Err)
	}

	sent := make(map[uuid.UUID]struct{})
	for _, b := range waiters {
		if _, done := sent[b.peerID]; done {
			continue
		}
		sent[b.peerID] = struct{}{}
		payload := p2pcontrol.EncodeDomainStatus(p2pcontrol.DomainStatus{
			ResourceID: b.resourceID,
			Domain:     b.domain,
			Status:     status,
		})
		send(b.peerID, p2pcontrol.BuildIPv4Packet(controlAddr, controlAddr, payload))
	}
}

// handleTimeouts evicts expired NAT bindings across every Client tunnel.
func (g *gatewayState) handleTimeouts(now time.Time) {
	g.mu.Lock()
	tables := make([]*gatewaynat.Table, 0, len(g.natTables))
	for _, t := range g.natTables {
		tables = append(tables, t)
	}
	g.mu.Unlock()

	for _, t := range tables {
		t.HandleTimeout(now)
	}
}

// nat64WellKnownPrefix is RFC 6052's well-known prefix for algorithmically
// embedding an IPv4 address into an IPv6 one, used as the source address of
// a NAT46-rebuilt packet when a Client's IPv4 traffic targets an IPv6-only
// Resource.
var nat64WellKnownPrefix = net.ParseIP("64:ff9b::")

func nat64WellKnownAddr(v4 net.IP) net.IP {
	addr := append(net.IP(nil), nat64WellKnownPrefix.To16()...)
	copy(addr[12:16], v4.To4())
	return addr
}

// translateOutgoing NATs a Client's decapsulated packet (addressed to a DNS
// Resource's proxy IP) into one addressed to the Resource's real IP, ready
// to hand to the Gateway's TUN device. ok is false when the destination
// isn't a DNS resource proxy IP, or is one still awaiting resolution - the
// caller should drop the packet (the Client is buffering until DomainStatus
// arrives, per pkg/dnsresourcenat).
//
// When the Resource resolved to an IPv6 address (a Client's IPv4 traffic
// can still target an IPv6-only Resource, since proxy IPs are always
// IPv4), the returned bytes are a freshly rebuilt IPv6 packet rather than
// p's own buffer rewritten in place - the two address families don't share
// a header layout, so ippacket.TranslateV4ToV6 constructs a new one.
func (g *gatewayState) translateOutgoing(peerID uuid.UUID, p *ippacket.Packet, now time.Time) (out []byte, ok bool) {
	kind, ok := protoKindOf(p.Protocol())
	if !ok {
		return nil, false
	}
	srcPort, err := p.SourcePort()
	if err != nil {
		return nil, false
	}

	resolvedIP, _, ok := g.resolvedIPFor(p.Destination())
	if !ok {
		return nil, false
	}

	table := g.natTableFor(peerID)
	translated, outsideIP, err := table.TranslateOutgoing(
		gatewaynat.Protocol{Kind: kind, Value: srcPort}, p.Destination(), resolvedIP, p.IsTCPReset(), now)
	if err != nil {
		return nil, false
	}

	g.mu.Lock()
	g.owner[ownerKey(translated, outsideIP)] = peerID
	g.mu.Unlock()

	if err := p.SetSourcePort(translated.Value); err != nil {
		return nil, false
	}

	if !p.IsIPv6() && outsideIP.To4() == nil {
		v6, err := ippacket.TranslateV4ToV6(p, nat64WellKnownAddr(p.Source()), outsideIP)
		if err != nil {
			return nil, false
		}
		v6Packet, err := ippacket.Parse(v6)
		if err != nil {
			return nil, false
		}
		if err := v6Packet.FixChecksums(); err != nil {
			return nil, false
		}
		return v6Packet.Bytes(), true
	}

	if err := p.SetDestination(outsideIP); err != nil {
		return nil, false
	}
	if p.FixChecksums() != nil {
		return nil, false
	}
	return p.Bytes(), true
}

// translateIncoming is the reverse of translateOutgoing: a packet read from
// the Gateway's TUN, addressed from a Resource's real IP back toward the
// Gateway, is rewritten into one addressed from the Resource's proxy IP so
// it can be handed to the owning Client's connection. An ICMP error (the
// Resource, or a router in front of it, reporting the original packet
// undeliverable) is detected and routed through its own translation branch
// rather than the ordinary tuple lookup, since its own (protocol,
// destination) names the ICMP message itself, not the session it's about.
// ok is false if no NAT session recognizes this packet.
func (g *gatewayState) translateIncoming(p *ippacket.Packet, now time.Time) (peerID uuid.UUID, ok bool) {
	if p.IsICMPError() {
		return g.translateIncomingICMPError(p, now)
	}

	kind, ok := protoKindOf(p.Protocol())
	if !ok {
		return uuid.UUID{}, false
	}
	dstPort, err := p.DestinationPort()
	if err != nil {
		return uuid.UUID{}, false
	}
	dstProto := gatewaynat.Protocol{Kind: kind, Value: dstPort}

	g.mu.Lock()
	peerID, ok = g.owner[ownerKey(dstProto, p.Source())]
	g.mu.Unlock()
	if !ok {
		return uuid.UUID{}, false
	}

	table := g.natTableFor(peerID)
	result := table.TranslateIncoming(dstProto, p.Source(), p.IsTCPReset(), now)
	if result.Kind != gatewaynat.IncomingOK {
		return uuid.UUID{}, false
	}

	if err := p.SetSource(result.Src); err != nil {
		return uuid.UUID{}, false
	}
	if err := p.SetDestinationPort(result.Proto.Value); err != nil {
		return uuid.UUID{}, false
	}
	if p.FixChecksums() != nil {
		return uuid.UUID{}, false
	}
	return peerID, true
}

// translateIncomingICMPError looks up the packet embedded inside an
// incoming ICMP error by its own (protocol, destination) tuple - the one
// the Gateway used when it originally sent that packet toward the Resource
// - and, on a hit, rewrites the embedded packet and envelope back into the
// client's view before handing the message to the owning Client's
// connection.
func (g *gatewayState) translateIncomingICMPError(p *ippacket.Packet, now time.Time) (peerID uuid.UUID, ok bool) {
	innerProto, srcPort, dst, ok := p.EmbeddedFailedPacket()
	if !ok {
		return uuid.UUID{}, false
	}
	kind, ok := protoKindOf(innerProto)
	if !ok {
		return uuid.UUID{}, false
	}
	failedProto := gatewaynat.Protocol{Kind: kind, Value: srcPort}

	g.mu.Lock()
	peerID, ok = g.owner[ownerKey(failedProto, dst)]
	g.mu.Unlock()
	if !ok {
		return uuid.UUID{}, false
	}

	table := g.natTableFor(peerID)
	result := table.TranslateIncomingICMPError(gatewaynat.FailedPacket{SrcProto: failedProto, Dst: dst}, now)
	if result.Kind != gatewaynat.IncomingIcmpError {
		return uuid.UUID{}, false
	}

	if err := p.RewriteEmbeddedICMPError(result.IcmpError.InsideDst, result.IcmpError.InsideProto.Value); err != nil {
		return uuid.UUID{}, false
	}
	return peerID, true
}
