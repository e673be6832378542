package conntrack

import (
	"fmt"
	"net"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tuple identifies a TCP connection by its 4-tuple. Unlike
// pkg/conntrack/seqnum's wraparound concern, this is a plain comparable
// struct suitable as an LRU key, modeled on the teacher's ConnID
// (pkg/connpool/connid.go) but kept as a struct rather than a packed byte
// string since Go's hashicorp/golang-lru works fine with comparable keys.
type Tuple struct {
	Src     string
	SrcPort uint16
	Dst     string
	DstPort uint16
}

func NewTuple(src net.IP, srcPort uint16, dst net.IP, dstPort uint16) Tuple {
	return Tuple{Src: src.String(), SrcPort: srcPort, Dst: dst.String(), DstPort: dstPort}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", t.Src, t.SrcPort, t.Dst, t.DstPort)
}

// seqRange is an inclusive [start, end] TCP sequence range.
type seqRange struct {
	start, end SeqNum
}

func newSeqRange(start SeqNum, length int) seqRange {
	if length < 1 {
		length = 1
	}
	return seqRange{start: start, end: start.Add(uint32(length - 1))}
}

func (r seqRange) overlaps(o seqRange) bool {
	if r.start == o.start && r.end == o.end {
		return true
	}
	selfAfterOtherStart := r.start.GreaterEq(o.start)
	selfBeforeOtherEnd := r.start.LessEq(o.end)
	otherAfterSelfStart := o.start.GreaterEq(r.start)
	otherBeforeSelfEnd := o.start.LessEq(r.end)
	return (selfAfterOtherStart && selfBeforeOtherEnd) || (otherAfterSelfStart && otherBeforeSelfEnd)
}

func (r seqRange) adjacent(o seqRange) bool {
	return r.end.Add(1) == o.start || o.end.Add(1) == r.start
}

func (r seqRange) merge(o seqRange) seqRange {
	start := r.start
	if o.start.Less(start) {
		start = o.start
	}
	end := r.end
	if o.end.Greater(end) {
		end = o.end
	}
	return seqRange{start: start, end: end}
}

type connState struct {
	ranges        []seqRange // inline cap 16 in the original; a plain slice is fine in Go
	baseSeq       SeqNum
	highestSeqEnd SeqNum
}

func (s *connState) isRetransmission(r seqRange) bool {
	for _, existing := range s.ranges {
		if r.overlaps(existing) {
			return true
		}
	}
	return false
}

func (s *connState) addRange(newRange seqRange) {
	if newRange.end.LessEq(s.baseSeq) {
		return
	}
	adjusted := newRange
	if newRange.start.Less(s.baseSeq) {
		adjusted = seqRange{start: s.baseSeq, end: newRange.end}
	}

	var overlapIdx []int
	for i, r := range s.ranges {
		if adjusted.overlaps(r) || adjusted.adjacent(r) {
			overlapIdx = append(overlapIdx, i)
		}
	}

	if len(overlapIdx) == 0 {
		s.ranges = append(s.ranges, adjusted)
	} else {
		merged := adjusted
		kept := make([]seqRange, 0, len(s.ranges))
		overlapSet := make(map[int]bool, len(overlapIdx))
		for _, i := range overlapIdx {
			overlapSet[i] = true
		}
		for i, r := range s.ranges {
			if overlapSet[i] {
				merged = merged.merge(r)
				continue
			}
			kept = append(kept, r)
		}
		s.ranges = append(kept, merged)
	}

	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].start.Less(s.ranges[j].start) })
	s.coalesce()
}

func (s *connState) coalesce() {
	for i := 0; i < len(s.ranges)-1; {
		cur, next := s.ranges[i], s.ranges[i+1]
		if cur.adjacent(next) || cur.overlaps(next) {
			s.ranges[i] = cur.merge(next)
			s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
		} else {
			i++
		}
	}
}

func (s *connState) updateBaseSeq(newBase SeqNum) {
	s.baseSeq = newBase
	kept := s.ranges[:0]
	for _, r := range s.ranges {
		if r.end.Greater(newBase) {
			if r.start.Less(newBase) {
				r.start = newBase
			}
			kept = append(kept, r)
		}
	}
	s.ranges = kept
}

// maxConnections bounds the LRU, per the spec's "~10 KiB for 100 entries"
// budget.
const maxConnections = 100

// Tracker detects TCP retransmissions across up to maxConnections
// concurrent connections.
type Tracker struct {
	connections     *lru.Cache[Tuple, *connState]
	retransmissions uint64
}

// NewTracker returns a ready-to-use Tracker.
func NewTracker() *Tracker {
	cache, err := lru.New[Tuple, *connState](maxConnections)
	if err != nil {
		// Only returns an error for a non-positive size, which maxConnections never is.
		panic(err)
	}
	return &Tracker{connections: cache}
}

// Retransmissions returns the running count of detected retransmissions.
func (t *Tracker) Retransmissions() uint64 { return t.retransmissions }

// OnOutgoing inspects one outgoing TCP segment and updates the connection's
// tracked sequence ranges, returning true if this segment is judged to be a
// retransmission.
func (t *Tracker) OnOutgoing(tuple Tuple, seq uint32, payloadLen int, syn, fin bool, ack uint32, hasAck bool) bool {
	state, ok := t.connections.Get(tuple)
	if !ok {
		state = &connState{}
		t.connections.Add(tuple, state)
	}

	seqLen := payloadLen
	if syn || fin {
		seqLen++
	}
	r := newSeqRange(SeqNum(seq), seqLen)

	if r.end.Less(state.baseSeq) {
		t.retransmissions++
		return true
	}

	if state.highestSeqEnd.Less(r.start) {
		if r.end.Greater(state.highestSeqEnd) {
			state.highestSeqEnd = r.end
		}
		state.addRange(r)
		if hasAck && SeqNum(ack).Greater(state.baseSeq) {
			state.updateBaseSeq(SeqNum(ack))
		}
		return false
	}

	isRetransmission := state.isRetransmission(r)
	if isRetransmission {
		t.retransmissions++
	}

	state.addRange(r)

	if hasAck && SeqNum(ack).Greater(state.baseSeq) {
		state.updateBaseSeq(SeqNum(ack))
	}

	return isRetransmission
}
