package ippacket

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildUDPv4(t *testing.T, src, dst string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	udpLen := 8 + len(payload)
	buf := make([]byte, 20+udpLen)
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[8] = 64 // TTL
	buf[9] = ProtoUDP
	copy(buf[12:16], net.ParseIP(src).To4())
	copy(buf[16:20], net.ParseIP(dst).To4())

	udp := buf[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	return buf
}

func TestParseUDPv4Accessors(t *testing.T) {
	buf := buildUDPv4(t, "100.64.0.2", "100.96.0.1", 5000, 53, []byte("hello"))
	p, err := Parse(buf)
	require.NoError(t, err)

	assert.False(t, p.IsIPv6())
	assert.Equal(t, "100.64.0.2", p.Source().String())
	assert.Equal(t, "100.96.0.1", p.Destination().String())
	assert.Equal(t, ProtoUDP, p.Protocol())

	sp, err := p.SourcePort()
	require.NoError(t, err)
	assert.Equal(t, uint16(5000), sp)

	dp, err := p.DestinationPort()
	require.NoError(t, err)
	assert.Equal(t, uint16(53), dp)
}

func TestSetSourceDestinationRoundTrip(t *testing.T) {
	buf := buildUDPv4(t, "100.64.0.2", "100.96.0.1", 5000, 53, nil)
	p, err := Parse(buf)
	require.NoError(t, err)

	require.NoError(t, p.SetSource(net.ParseIP("8.8.8.8")))
	require.NoError(t, p.SetDestination(net.ParseIP("9.9.9.9")))

	assert.Equal(t, "8.8.8.8", p.Source().String())
	assert.Equal(t, "9.9.9.9", p.Destination().String())
}

func TestFixChecksumsRecomputesAfterRewrite(t *testing.T) {
	buf := buildUDPv4(t, "100.64.0.2", "100.96.0.1", 5000, 53, []byte("hello"))
	p, err := Parse(buf)
	require.NoError(t, err)

	require.NoError(t, p.SetDestination(net.ParseIP("9.9.9.9")))
	require.NoError(t, p.SetDestinationPort(80))
	require.NoError(t, p.FixChecksums())

	ipChecksum := internetChecksum(p.buf[:p.l4Start])
	assert.Equal(t, uint16(0), ipChecksum, "IPv4 header checksum should be valid over the whole header")

	before := make([]byte, 2)
	copy(before, p.Payload()[6:8])
	require.NoError(t, p.FixChecksums())
	assert.Equal(t, before, p.Payload()[6:8], "recomputing over an already-correct checksum is idempotent")
}

func TestPlateauMTUPicksLargestBelowTotalLength(t *testing.T) {
	assert.Equal(t, uint16(1492), PlateauMTU(2000))
	assert.Equal(t, uint16(0), PlateauMTU(10))
	assert.Equal(t, uint16(32000), PlateauMTU(65535))
}

func TestTranslateICMPv4HeaderEchoMapping(t *testing.T) {
	v6Type, v6Code, _, ok := TranslateICMPv4Header(ICMPv4EchoRequest, 0, 0, 84)
	require.True(t, ok)
	assert.Equal(t, uint8(ICMPv6EchoRequest), v6Type)
	assert.Equal(t, uint8(0), v6Code)

	v6Type, _, _, ok = TranslateICMPv4Header(ICMPv4EchoReply, 0, 0, 84)
	require.True(t, ok)
	assert.Equal(t, uint8(ICMPv6EchoReply), v6Type)
}

func TestTranslateICMPv4HeaderFragNeededZeroMTUUsesPlateau(t *testing.T) {
	v6Type, v6Code, mtu, ok := TranslateICMPv4Header(ICMPv4DestUnreachable, DestUnreachFragNeeded, 0, 2000)
	require.True(t, ok)
	assert.Equal(t, uint8(ICMPv6PacketTooBig), v6Type)
	assert.Equal(t, uint8(0), v6Code)
	assert.Equal(t, uint16(1492), mtu)
}

func TestTranslateICMPv4HeaderProtocolUnreachable(t *testing.T) {
	v6Type, v6Code, pointer, ok := TranslateICMPv4Header(ICMPv4DestUnreachable, DestUnreachProtocol, 0, 84)
	require.True(t, ok)
	assert.Equal(t, uint8(ICMPv6ParameterProblem), v6Type)
	assert.Equal(t, uint8(ICMPv6ParamProblemUnrecognizedNextHeader), v6Code)
	assert.Equal(t, uint16(6), pointer)
}

func TestTranslateICMPv4HeaderDropsUnsupported(t *testing.T) {
	_, _, _, ok := TranslateICMPv4Header(ICMPv4TimestampRequest, 0, 0, 84)
	assert.False(t, ok)

	_, _, _, ok = TranslateICMPv4Header(ICMPv4Redirect, 0, 0, 84)
	assert.False(t, ok)
}

func TestTranslateV4ToV6UDP(t *testing.T) {
	buf := buildUDPv4(t, "100.64.0.2", "100.96.0.1", 5000, 53, []byte("hi"))
	p, err := Parse(buf)
	require.NoError(t, err)

	src := net.ParseIP("fd00::1")
	dst := net.ParseIP("fd00::2")
	out, err := TranslateV4ToV6(p, src, dst)
	require.NoError(t, err)

	v6, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, v6.IsIPv6())
	assert.Equal(t, ProtoUDP, v6.Protocol())
	assert.Equal(t, src.String(), v6.Source().String())
	assert.Equal(t, dst.String(), v6.Destination().String())
}

func buildICMPv4Error(t *testing.T, icmpSrc, icmpDst string, embedded []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+8+len(embedded))
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[8] = 64
	buf[9] = ProtoICMP
	copy(buf[12:16], net.ParseIP(icmpSrc).To4())
	copy(buf[16:20], net.ParseIP(icmpDst).To4())

	icmp := buf[20:]
	icmp[0] = ICMPv4DestUnreachable
	icmp[1] = DestUnreachPort
	copy(icmp[8:], embedded)
	return buf
}

func TestEmbeddedFailedPacketParsesInnerUDPHeader(t *testing.T) {
	embedded := buildUDPv4(t, "100.64.0.2", "10.0.0.5", 5001, 53, nil)
	buf := buildICMPv4Error(t, "10.0.0.5", "100.64.0.2", embedded)
	p, err := Parse(buf)
	require.NoError(t, err)

	assert.True(t, p.IsICMPError())

	proto, srcPort, dst, ok := p.EmbeddedFailedPacket()
	require.True(t, ok)
	assert.Equal(t, ProtoUDP, proto)
	assert.Equal(t, uint16(5001), srcPort)
	assert.Equal(t, "10.0.0.5", dst.String())
}

func TestEmbeddedFailedPacketIgnoresEchoMessages(t *testing.T) {
	embedded := buildUDPv4(t, "100.64.0.2", "10.0.0.5", 5001, 53, nil)
	buf := buildICMPv4Error(t, "10.0.0.5", "100.64.0.2", embedded)
	buf[20] = ICMPv4EchoRequest
	p, err := Parse(buf)
	require.NoError(t, err)

	assert.False(t, p.IsICMPError())
	_, _, _, ok := p.EmbeddedFailedPacket()
	assert.False(t, ok)
}

func TestRewriteEmbeddedICMPErrorRestoresClientView(t *testing.T) {
	embedded := buildUDPv4(t, "100.64.0.2", "10.0.0.5", 5001, 53, nil)
	buf := buildICMPv4Error(t, "10.0.0.5", "100.64.0.2", embedded)
	p, err := Parse(buf)
	require.NoError(t, err)

	proxyIP := net.ParseIP("100.96.0.1")
	require.NoError(t, p.RewriteEmbeddedICMPError(proxyIP, 5000))

	assert.Equal(t, proxyIP.String(), p.Source().String())

	inner, err := Parse(p.Payload()[8:])
	require.NoError(t, err)
	assert.Equal(t, proxyIP.String(), inner.Destination().String())
	innerSrcPort, err := inner.SourcePort()
	require.NoError(t, err)
	assert.Equal(t, uint16(5000), innerSrcPort)
}

func TestIsTCPReset(t *testing.T) {
	buf := make([]byte, 40)
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], 40)
	buf[9] = ProtoTCP
	tcp := buf[20:]
	tcp[12] = 5 << 4 // data offset 20
	tcp[13] = 0x04   // RST
	p, err := Parse(buf)
	require.NoError(t, err)
	assert.True(t, p.IsTCPReset())
}
