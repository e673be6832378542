// Package p2pcontrol implements the internal AssignedIPs/DomainStatus
// control envelope that rides inside the WireGuard tunnel on a dedicated IP
// protocol number, grounded on
// original_source/rust/connlib/tunnel/src/client/dns_resource_nat.rs's use
// of p2p_control::dns_resource_nat::assigned_ips/DomainStatus. The spec
// leaves the bit layout unspecified ("opaque; both endpoints in the same
// deployment are upgraded together"), so this package defines one,
// following pkg/ippacket's manual-header-construction style.
package p2pcontrol

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// Protocol is the IP protocol number the control envelope travels under -
// 254 is reserved by IANA "for experimentation", the same slot the spec's
// "dedicated protocol number" note asks for.
const Protocol = 254

var (
	ErrNotControlPacket = errors.New("p2pcontrol: not a control-envelope packet")
	ErrMalformed        = errors.New("p2pcontrol: malformed control payload")
)

// MessageKind discriminates the two control messages dns_resource_nat.rs
// exchanges between Client and Gateway.
type MessageKind uint8

const (
	KindAssignedIPs MessageKind = iota + 1
	KindDomainStatus
)

// NatStatus mirrors p2p_control::dns_resource_nat::NatStatus.
type NatStatus uint8

const (
	NatInactive NatStatus = iota
	NatActive
)

// AssignedIPs is the Client -> Gateway message requesting a DNS resource
// NAT be (re)created for domain, proxying to proxyIPs.
type AssignedIPs struct {
	ResourceID uuid.UUID
	Domain     string
	ProxyIPs   []net.IP
}

// DomainStatus is the Gateway -> Client reply reporting whether the NAT for
// domain is now active.
type DomainStatus struct {
	ResourceID uuid.UUID
	Domain     string
	Status     NatStatus
}

// EncodeAssignedIPs serializes msg into a control-envelope payload: message
// kind byte, 16-byte resource id, length-prefixed FQDN, then one 4-or-16-byte
// length-prefixed address per proxy IP.
func EncodeAssignedIPs(msg AssignedIPs) []byte {
	fqdn := dns.Fqdn(msg.Domain)
	buf := make([]byte, 0, 1+16+2+len(fqdn)+1)
	buf = append(buf, byte(KindAssignedIPs))
	buf = append(buf, msg.ResourceID[:]...)
	buf = appendLengthPrefixedString(buf, fqdn)
	buf = append(buf, byte(len(msg.ProxyIPs)))
	for _, ip := range msg.ProxyIPs {
		buf = appendIP(buf, ip)
	}
	return buf
}

// EncodeDomainStatus serializes msg into a control-envelope payload.
func EncodeDomainStatus(msg DomainStatus) []byte {
	fqdn := dns.Fqdn(msg.Domain)
	buf := make([]byte, 0, 1+16+2+len(fqdn)+1)
	buf = append(buf, byte(KindDomainStatus))
	buf = append(buf, msg.ResourceID[:]...)
	buf = appendLengthPrefixedString(buf, fqdn)
	buf = append(buf, byte(msg.Status))
	return buf
}

// Decode parses a control-envelope payload produced by EncodeAssignedIPs or
// EncodeDomainStatus, returning whichever message type was encoded in the
// other return value left nil.
func Decode(payload []byte) (*AssignedIPs, *DomainStatus, error) {
	if len(payload) < 1+16+2 {
		return nil, nil, ErrMalformed
	}
	kind := MessageKind(payload[0])
	var id uuid.UUID
	copy(id[:], payload[1:17])

	domain, rest, err := readLengthPrefixedString(payload[17:])
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case KindAssignedIPs:
		if len(rest) < 1 {
			return nil, nil, ErrMalformed
		}
		count := int(rest[0])
		rest = rest[1:]
		ips := make([]net.IP, 0, count)
		for i := 0; i < count; i++ {
			ip, remainder, err := readIP(rest)
			if err != nil {
				return nil, nil, err
			}
			ips = append(ips, ip)
			rest = remainder
		}
		return &AssignedIPs{ResourceID: id, Domain: domain, ProxyIPs: ips}, nil, nil
	case KindDomainStatus:
		if len(rest) < 1 {
			return nil, nil, ErrMalformed
		}
		return nil, &DomainStatus{ResourceID: id, Domain: domain, Status: NatStatus(rest[0])}, nil
	default:
		return nil, nil, ErrMalformed
	}
}

func appendLengthPrefixedString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readLengthPrefixedString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrMalformed
	}
	return string(buf[:n]), buf[n:], nil
}

func appendIP(buf []byte, ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return append(append(buf, 4), v4...)
	}
	return append(append(buf, 16), ip.To16()...)
}

func readIP(buf []byte) (net.IP, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrMalformed
	}
	n := int(buf[0])
	buf = buf[1:]
	if (n != 4 && n != 16) || len(buf) < n {
		return nil, nil, ErrMalformed
	}
	return net.IP(append([]byte(nil), buf[:n]...)), buf[n:], nil
}

// BuildIPv4Packet wraps payload in a minimal IPv4 header addressed
// src -> dst under Protocol, for handing to the WireGuard tunnel as an
// outbound packet. Modeled on pkg/ippacket's header-construction style in
// TranslateV4ToV6.
func BuildIPv4Packet(src, dst net.IP, payload []byte) []byte {
	const headerLen = 20
	out := make([]byte, headerLen+len(payload))
	out[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	out[8] = 64 // TTL
	out[9] = Protocol
	copy(out[12:16], src.To4())
	copy(out[16:20], dst.To4())
	copy(out[headerLen:], payload)
	return out
}

// ParseIPv4Packet extracts the control-envelope payload from packet, which
// must have been built by BuildIPv4Packet (or the Gateway/Client peer's
// equivalent).
func ParseIPv4Packet(packet []byte) ([]byte, error) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return nil, ErrNotControlPacket
	}
	ihl := int(packet[0]&0x0F) * 4
	if len(packet) < ihl || packet[9] != Protocol {
		return nil, ErrNotControlPacket
	}
	return packet[ihl:], nil
}
