package ippacket

import (
	"encoding/binary"
	"net"
)

// IsICMPv4Error reports whether icmpType identifies an ICMPv4 error message
// - one that embeds the packet it failed to deliver - as opposed to an
// echo/timestamp exchange.
func IsICMPv4Error(icmpType uint8) bool {
	switch icmpType {
	case ICMPv4DestUnreachable, ICMPv4Redirect, ICMPv4TimeExceeded, ICMPv4ParameterProblem:
		return true
	default:
		return false
	}
}

// IsICMPError reports whether p is an ICMPv4 error message.
func (p *Packet) IsICMPError() bool {
	if p.isV6 || p.Protocol() != ProtoICMP {
		return false
	}
	payload := p.Payload()
	return len(payload) >= 8 && IsICMPv4Error(payload[0])
}

// EmbeddedFailedPacket parses the IP header embedded in an ICMPv4 error
// message's payload - the original packet the message reports failing to
// reach - returning its L4 protocol, source port/identifier, and
// destination address: the fields gatewaynat's NAT table keys its reverse
// lookup on (the embedded packet is the one the Gateway actually sent
// toward the Resource, so its values are the NAT table's "outside" tuple).
func (p *Packet) EmbeddedFailedPacket() (proto int, srcPort uint16, dst net.IP, ok bool) {
	if !p.IsICMPError() {
		return 0, 0, nil, false
	}
	inner := p.Payload()[8:]
	if len(inner) < 20 {
		return 0, 0, nil, false
	}
	ihl := int(inner[0]&0x0F) * 4
	if ihl < 20 || len(inner) < ihl {
		return 0, 0, nil, false
	}

	innerProto := int(inner[9])
	l4 := inner[ihl:]
	switch innerProto {
	case ProtoTCP, ProtoUDP:
		if len(l4) < 4 {
			return 0, 0, nil, false
		}
		srcPort = binary.BigEndian.Uint16(l4[0:2])
	case ProtoICMP:
		if len(l4) < 8 {
			return 0, 0, nil, false
		}
		srcPort = binary.BigEndian.Uint16(l4[4:6])
	default:
		return 0, 0, nil, false
	}
	dst = append(net.IP(nil), inner[16:20]...)
	return innerProto, srcPort, dst, true
}

// RewriteEmbeddedICMPError is the "render a client-facing ICMP error"
// counterpart to EmbeddedFailedPacket: it rewrites both the embedded
// failed packet and the envelope so the message addresses the client's
// view of the Resource (its proxy IP and original source port) instead of
// the outside tuple gatewaynat assigned when the original packet went out.
// The envelope's destination is left untouched - since translateOutgoing
// never rewrites the client's source address, it already names the client.
func (p *Packet) RewriteEmbeddedICMPError(proxyIP net.IP, origPort uint16) error {
	if !p.IsICMPError() {
		return ErrImpossibleTranslation
	}
	payload := p.Payload()
	inner := payload[8:]
	if len(inner) < 20 {
		return ErrInvalidIPHeader
	}
	ihl := int(inner[0]&0x0F) * 4
	if ihl < 20 || len(inner) < ihl {
		return ErrInvalidIPHeader
	}

	proxy4 := proxyIP.To4()
	if proxy4 == nil {
		return ErrInvalidIPHeader
	}
	copy(inner[16:20], proxy4)
	inner[10], inner[11] = 0, 0
	binary.BigEndian.PutUint16(inner[10:12], internetChecksum(inner[:ihl]))

	l4 := inner[ihl:]
	switch int(inner[9]) {
	case ProtoTCP, ProtoUDP:
		if len(l4) < 2 {
			return ErrInvalidIPHeader
		}
		binary.BigEndian.PutUint16(l4[0:2], origPort)
	case ProtoICMP:
		if len(l4) < 6 {
			return ErrInvalidIPHeader
		}
		binary.BigEndian.PutUint16(l4[4:6], origPort)
	default:
		return ErrUnsupportedProtocol
	}

	if err := p.SetSource(proxyIP); err != nil {
		return err
	}
	return p.FixChecksums()
}
