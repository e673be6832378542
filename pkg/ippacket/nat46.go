package ippacket

import (
	"encoding/binary"
	"net"
)

// mtuPlateaus are the RFC 1191 plateau values, in ascending order, used to
// pick a likely path MTU when a Destination-Unreachable/Fragmentation-Needed
// message carries next_hop_mtu == 0.
var mtuPlateaus = [...]uint16{68, 296, 508, 1006, 1492, 2002, 4352, 8166, 32000, 65535}

// PlateauMTU returns the greatest plateau value strictly less than
// totalLength, or 0 if none qualifies.
func PlateauMTU(totalLength uint16) uint16 {
	var best uint16
	for _, p := range mtuPlateaus {
		if p < totalLength && p > best {
			best = p
		}
	}
	return best
}

// ICMPv6 type/code constants this package produces.
const (
	ICMPv6EchoRequest         = 128
	ICMPv6EchoReply           = 129
	ICMPv6TimeExceeded        = 3
	ICMPv6DestUnreachable     = 1
	ICMPv6PacketTooBig        = 2
	ICMPv6ParameterProblem    = 4

	ICMPv6DestUnreachableNoRoute    = 0
	ICMPv6DestUnreachableProhibited = 1
	ICMPv6DestUnreachablePort       = 4

	ICMPv6ParamProblemUnrecognizedNextHeader = 1
)

// ICMPv4 type constants consumed by TranslateICMPv4Header.
const (
	ICMPv4EchoRequest            = 8
	ICMPv4EchoReply              = 0
	ICMPv4TimeExceeded           = 11
	ICMPv4DestUnreachable        = 3
	ICMPv4Redirect               = 5
	ICMPv4ParameterProblem       = 12
	ICMPv4TimestampRequest       = 13
	ICMPv4TimestampReply         = 14
)

// ICMPv4 Destination-Unreachable codes.
const (
	DestUnreachNetwork             = 0
	DestUnreachHost                = 1
	DestUnreachProtocol            = 2
	DestUnreachPort                = 3
	DestUnreachFragNeeded          = 4
	DestUnreachSourceRouteFailed   = 5
	DestUnreachNetworkUnknown      = 6
	DestUnreachHostUnknown         = 7
	DestUnreachIsolated            = 8
	DestUnreachNetworkProhibited   = 9
	DestUnreachHostProhibited      = 10
	DestUnreachTosNetwork          = 11
	DestUnreachTosHost             = 12
	DestUnreachFilterProhibited    = 13
	DestUnreachHostPrecedenceViol  = 14
	DestUnreachPrecedenceCutoff    = 15
)

// TranslateICMPv4Header maps an ICMPv4 type/code (and, for
// Fragmentation-Needed, the embedded next-hop MTU) to an ICMPv6 type/code
// per RFC 6145 §4.2, given the original IPv4 packet's total length for MTU
// plateau lookup. ok is false when the type/code must be silently dropped
// (IGMP-adjacent, Timestamp, Redirect, Parameter-Problem, unknown types, or
// an un-derivable Fragmentation-Needed MTU).
func TranslateICMPv4Header(icmpType, icmpCode uint8, nextHopMTU, totalLength uint16) (v6Type, v6Code uint8, mtu uint16, ok bool) {
	switch icmpType {
	case ICMPv4EchoRequest:
		return ICMPv6EchoRequest, 0, 0, true
	case ICMPv4EchoReply:
		return ICMPv6EchoReply, 0, 0, true
	case ICMPv4TimeExceeded:
		return ICMPv6TimeExceeded, icmpCode, 0, true
	case ICMPv4DestUnreachable:
		return translateDestUnreachable(icmpCode, nextHopMTU, totalLength)
	default:
		return 0, 0, 0, false
	}
}

func translateDestUnreachable(code uint8, nextHopMTU, totalLength uint16) (v6Type, v6Code uint8, mtu uint16, ok bool) {
	switch code {
	case DestUnreachNetwork, DestUnreachHost:
		return ICMPv6DestUnreachable, ICMPv6DestUnreachableNoRoute, 0, true
	case DestUnreachProtocol:
		return ICMPv6ParameterProblem, ICMPv6ParamProblemUnrecognizedNextHeader, 6, true
	case DestUnreachPort:
		return ICMPv6DestUnreachable, ICMPv6DestUnreachablePort, 0, true
	case DestUnreachFragNeeded:
		if nextHopMTU != 0 {
			return 0, 0, 0, false // caller's IPv4/IPv6 MTU not known here
		}
		plateau := PlateauMTU(totalLength)
		if plateau == 0 {
			return 0, 0, 0, false
		}
		return ICMPv6PacketTooBig, 0, plateau, true
	case DestUnreachSourceRouteFailed,
		DestUnreachNetworkUnknown, DestUnreachHostUnknown, DestUnreachIsolated,
		DestUnreachTosNetwork, DestUnreachTosHost:
		return ICMPv6DestUnreachable, ICMPv6DestUnreachableNoRoute, 0, true
	case DestUnreachNetworkProhibited, DestUnreachHostProhibited, DestUnreachFilterProhibited,
		DestUnreachPrecedenceCutoff:
		return ICMPv6DestUnreachable, ICMPv6DestUnreachableProhibited, 0, true
	case DestUnreachHostPrecedenceViol:
		return 0, 0, 0, false
	default:
		return 0, 0, 0, false
	}
}

// TranslateV4ToV6 rewrites the IPv4 packet p into a freshly-built IPv6
// packet addressed src -> dst, per RFC 6145 §5.1. ICMPv4 payloads are
// remapped via TranslateICMPv4Header; any other ICMPv4 type fails with
// ErrImpossibleTranslation. Other L4 protocols are copied through
// unchanged (their protocol number becomes the IPv6 next-header value
// directly, except ICMP which becomes 58).
func TranslateV4ToV6(p *Packet, src, dst net.IP) ([]byte, error) {
	if p.isV6 {
		return nil, ErrInvalidIPHeader
	}

	totalLength := uint16(len(p.buf))
	headerLen := p.l4Start
	payload := p.buf[headerLen:]

	nextHeader := byte(p.Protocol())
	if int(nextHeader) == ProtoICMP {
		nextHeader = ProtoICMPv6
	}

	trafficClass := p.buf[1] // DSCP+ECN byte, copied per RFC 6145
	hopLimit := p.buf[8]

	out := make([]byte, 40+len(payload))
	out[0] = 0x60 | (trafficClass >> 4)
	out[1] = trafficClass << 4
	payloadLen := totalLength - uint16(headerLen)
	binary.BigEndian.PutUint16(out[4:6], payloadLen)
	out[6] = nextHeader
	out[7] = hopLimit
	copy(out[8:24], src.To16())
	copy(out[24:40], dst.To16())
	copy(out[40:], payload)

	if int(p.Protocol()) == ProtoICMP {
		if len(payload) < 8 {
			return nil, ErrInvalidIPHeader
		}
		icmpType := payload[0]
		icmpCode := payload[1]
		var nextHopMTU uint16
		if icmpType == ICMPv4DestUnreachable {
			nextHopMTU = binary.BigEndian.Uint16(payload[6:8])
		}
		v6Type, v6Code, mtu, ok := TranslateICMPv4Header(icmpType, icmpCode, nextHopMTU, totalLength)
		if !ok {
			return nil, ErrImpossibleTranslation
		}
		icmpOut := out[40:]
		icmpOut[0] = v6Type
		icmpOut[1] = v6Code
		icmpOut[2] = 0
		icmpOut[3] = 0
		if v6Type == ICMPv6PacketTooBig {
			binary.BigEndian.PutUint32(icmpOut[4:8], uint32(mtu))
		} else if v6Type == ICMPv6ParameterProblem {
			binary.BigEndian.PutUint32(icmpOut[4:8], uint32(mtu)) // pointer value
		}
	}

	return out, nil
}
