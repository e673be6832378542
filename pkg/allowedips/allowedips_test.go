package allowedips

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T) *Table[rune] {
	t.Helper()
	tbl := New[rune]()
	tbl.Insert(net.ParseIP("127.0.0.1"), 32, '1')
	tbl.Insert(net.ParseIP("45.25.15.1"), 30, '6')
	tbl.Insert(net.ParseIP("127.0.15.1"), 16, '2')
	tbl.Insert(net.ParseIP("127.1.15.1"), 24, '3')
	tbl.Insert(net.ParseIP("255.1.15.1"), 24, '4')
	tbl.Insert(net.ParseIP("60.25.15.1"), 32, '5')
	return tbl
}

func TestFindLongestPrefix(t *testing.T) {
	tbl := buildTable(t)

	find := func(ip string) (rune, bool) { return tbl.Find(net.ParseIP(ip)) }

	d, ok := find("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, '1', d)

	d, ok = find("127.0.255.255")
	require.True(t, ok)
	assert.Equal(t, '2', d)

	_, ok = find("127.1.255.255")
	assert.False(t, ok)

	d, ok = find("127.1.15.255")
	require.True(t, ok)
	assert.Equal(t, '3', d)

	d, ok = find("255.1.15.2")
	require.True(t, ok)
	assert.Equal(t, '4', d)

	d, ok = find("60.25.15.1")
	require.True(t, ok)
	assert.Equal(t, '5', d)

	_, ok = find("20.0.0.100")
	assert.False(t, ok)

	d, ok = find("45.25.15.1")
	require.True(t, ok)
	assert.Equal(t, '6', d)
}

func TestInsertTruncatesHostBits(t *testing.T) {
	tbl := New[rune]()
	tbl.Insert(net.ParseIP("192.168.4.77"), 24, 'a')

	d, ok := tbl.Find(net.ParseIP("192.168.4.200"))
	require.True(t, ok)
	assert.Equal(t, 'a', d)
}

func TestRemoveWhere(t *testing.T) {
	tbl := buildTable(t)
	tbl.RemoveWhere(func(d rune) bool { return d == '5' || d == '1' })

	_, ok := tbl.Find(net.ParseIP("127.0.0.1"))
	assert.False(t, ok)
	_, ok = tbl.Find(net.ParseIP("60.25.15.1"))
	assert.False(t, ok)

	d, ok := tbl.Find(net.ParseIP("127.1.15.255"))
	require.True(t, ok)
	assert.Equal(t, '3', d)
}

func TestKernelCompatibilityScenario(t *testing.T) {
	tbl := New[rune]()
	tbl.Insert(net.ParseIP("192.168.4.0"), 24, 'a')
	tbl.Insert(net.ParseIP("192.168.4.4"), 32, 'b')
	tbl.Insert(net.ParseIP("192.168.0.0"), 16, 'c')
	tbl.Insert(net.ParseIP("0.0.0.0"), 0, 'e')

	d, ok := tbl.Find(net.ParseIP("192.168.4.20"))
	require.True(t, ok)
	assert.Equal(t, 'a', d)

	d, ok = tbl.Find(net.ParseIP("192.168.4.4"))
	require.True(t, ok)
	assert.Equal(t, 'b', d)

	d, ok = tbl.Find(net.ParseIP("192.168.200.182"))
	require.True(t, ok)
	assert.Equal(t, 'c', d)

	d, ok = tbl.Find(net.ParseIP("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, 'e', d)
}

func TestIterIsDeterministic(t *testing.T) {
	tbl := buildTable(t)
	first := tbl.Iter()
	second := tbl.Iter()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Data, second[i].Data)
		assert.Equal(t, first[i].PrefixLen, second[i].PrefixLen)
	}
}

func TestIPv6LongestPrefix(t *testing.T) {
	tbl := New[rune]()
	tbl.Insert(net.ParseIP("2607:5300:6000:6b00::c05f:543"), 128, 'd')
	tbl.Insert(net.ParseIP("2607:5300:6000:6b00::"), 64, 'c')
	tbl.Insert(net.ParseIP("::"), 0, 'f')

	d, ok := tbl.Find(net.ParseIP("2607:5300:6000:6b00::c05f:543"))
	require.True(t, ok)
	assert.Equal(t, 'd', d)

	d, ok = tbl.Find(net.ParseIP("2607:5300:6000:6b00::c02e:1ee"))
	require.True(t, ok)
	assert.Equal(t, 'c', d)

	d, ok = tbl.Find(net.ParseIP("2607:5300:6000:6b01::"))
	require.True(t, ok)
	assert.Equal(t, 'f', d)
}
