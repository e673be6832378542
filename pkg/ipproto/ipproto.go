// Package ipproto holds the small set of IP protocol numbers connlib cares
// about, mirroring the constants a platform's net/netinet headers would
// define.
package ipproto

const (
	ICMP   = 1
	TCP    = 6
	UDP    = 17
	ICMPV6 = 58
)

// String returns a lower-case protocol name, or a numeric fallback.
func String(proto int) string {
	switch proto {
	case ICMP:
		return "icmp"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMPV6:
		return "icmpv6"
	default:
		return "unknown"
	}
}
