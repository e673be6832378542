// Package allowedips implements the longest-prefix-match trie that maps a
// destination IP prefix to a peer handle. It is the Go counterpart of
// boringtun's allowed_ips.rs, generalized with a type parameter instead of
// being hard-coded to one peer-handle type.
package allowedips

import (
	"net"
	"sort"
)

// Table is a longest-prefix-match trie from IP network to an arbitrary
// peer handle D. The zero value is ready to use.
//
// Implementation note: rather than a radix trie (as ip_network_table does in
// the original), entries are bucketed by prefix length and family. find scans
// buckets from the most specific prefix length down to 0, which keeps the
// data structure a couple of plain maps - appropriate given AllowedIPs tables
// are mutated rarely (only by the control-plane collaborator, per the data
// model) and read on every packet, so insert/remove cost is not on the hot
// path.
type Table[D any] struct {
	v4 [33]map[string]entry[D]
	v6 [129]map[string]entry[D]
}

type entry[D any] struct {
	network net.IP
	data    D
}

// New returns a ready-to-use Table.
func New[D any]() *Table[D] {
	return &Table[D]{}
}

// Insert adds data for the network obtained by truncating key to its first
// cidr bits. It returns the previous data stored for that exact prefix, if
// any.
func (t *Table[D]) Insert(key net.IP, cidr int, data D) (prev D, had bool) {
	buckets, k, ipLen := t.bucketsFor(key)
	if buckets == nil {
		return prev, false
	}
	if cidr < 0 || cidr > ipLen*8 {
		return prev, false
	}
	if buckets[cidr] == nil {
		buckets[cidr] = make(map[string]entry[D])
	}
	network := truncate(k, cidr)
	nk := string(network)
	old, had := buckets[cidr][nk]
	buckets[cidr][nk] = entry[D]{network: network, data: data}
	if had {
		return old.data, true
	}
	return prev, false
}

// Find returns the data associated with the longest-prefix network
// containing ip, or the zero value and false if none matches.
func (t *Table[D]) Find(ip net.IP) (data D, ok bool) {
	buckets, k, ipLen := t.bucketsFor(ip)
	if buckets == nil {
		return data, false
	}
	for cidr := ipLen * 8; cidr >= 0; cidr-- {
		m := buckets[cidr]
		if m == nil {
			continue
		}
		nk := string(truncate(k, cidr))
		if e, found := m[nk]; found {
			return e.data, true
		}
	}
	return data, false
}

// RemoveWhere deletes every entry whose data satisfies predicate.
func (t *Table[D]) RemoveWhere(predicate func(D) bool) {
	for _, buckets := range [][]map[string]entry[D]{t.v4[:], t.v6[:]} {
		for _, m := range buckets {
			for k, e := range m {
				if predicate(e.data) {
					delete(m, k)
				}
			}
		}
	}
}

// Clear removes every entry.
func (t *Table[D]) Clear() {
	*t = Table[D]{}
}

// Entry is one (data, network, prefixLen) tuple yielded by Iter.
type Entry[D any] struct {
	Data      D
	Network   net.IP
	PrefixLen int
}

// Iter returns every entry in a deterministic (but otherwise unspecified)
// order: IPv4 before IPv6, ascending prefix length, then lexicographic on
// the network address - matching the spec's "iteration order is unspecified
// but deterministic for tests" requirement.
func (t *Table[D]) Iter() []Entry[D] {
	var out []Entry[D]
	for cidr, m := range t.v4 {
		out = appendSorted(out, m, cidr)
	}
	for cidr, m := range t.v6 {
		out = appendSorted(out, m, cidr)
	}
	return out
}

func appendSorted[D any](out []Entry[D], m map[string]entry[D], cidr int) []Entry[D] {
	if len(m) == 0 {
		return out
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := m[k]
		out = append(out, Entry[D]{Data: e.data, Network: e.network, PrefixLen: cidr})
	}
	return out
}

func (t *Table[D]) bucketsFor(ip net.IP) ([]map[string]entry[D], net.IP, int) {
	if ip4 := ip.To4(); ip4 != nil {
		return t.v4[:], ip4, 4
	}
	if ip16 := ip.To16(); ip16 != nil {
		return t.v6[:], ip16, 16
	}
	return nil, nil, 0
}

// truncate zeroes every bit beyond the first cidr bits of ip.
func truncate(ip net.IP, cidr int) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	mask := net.CIDRMask(cidr, len(ip)*8)
	for i := range out {
		out[i] &= mask[i]
	}
	return out
}
