// Package conntrack detects TCP retransmissions by tracking merged
// sequence ranges per connection, ported from
// original_source/rust/connlib/tunnel/src/client/conntrack.rs.
package conntrack

// SeqNum is a wrapping TCP sequence number. Ordering must account for
// wraparound across math.MaxUint32, so the standard integer comparison
// operators are never used on raw uint32 sequence numbers in this package -
// only through Compare/Greater/Less below, per the spec's design note.
type SeqNum uint32

// Compare returns >0 if a is "after" b, <0 if "before", 0 if equal, using
// the wraparound-aware rule: a is greater than b iff (a-b) mod 2^32 < 2^31.
func (a SeqNum) Compare(b SeqNum) int {
	if a == b {
		return 0
	}
	diff := uint32(a - b)
	if diff < 0x80000000 {
		return 1
	}
	return -1
}

func (a SeqNum) Greater(b SeqNum) bool    { return a.Compare(b) > 0 }
func (a SeqNum) GreaterEq(b SeqNum) bool  { return a.Compare(b) >= 0 }
func (a SeqNum) Less(b SeqNum) bool       { return a.Compare(b) < 0 }
func (a SeqNum) LessEq(b SeqNum) bool     { return a.Compare(b) <= 0 }

func (a SeqNum) Add(n uint32) SeqNum { return SeqNum(uint32(a) + n) }
func (a SeqNum) Sub(b SeqNum) uint32 { return uint32(a) - uint32(b) }
