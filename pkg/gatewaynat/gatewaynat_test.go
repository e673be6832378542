package gatewaynat

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpProto(port uint16) Protocol { return Protocol{Kind: KindUDP, Value: port} }
func tcpProto(port uint16) Protocol { return Protocol{Kind: KindTCP, Value: port} }

func TestTranslateOutgoingThenIncomingRoundTrips(t *testing.T) {
	tbl := NewTable()
	sentAt := time.Now()

	src := udpProto(5000)
	clientDst := net.ParseIP("100.96.0.1") // proxy IP
	outsideDst := net.ParseIP("10.0.0.5")  // real Resource IP

	outProto, outIP, err := tbl.TranslateOutgoing(src, clientDst, outsideDst, false, sentAt)
	require.NoError(t, err)
	assert.Equal(t, uint16(5000), outProto.Value, "port-preservation heuristic reuses the original port")
	assert.Equal(t, outsideDst.String(), outIP.String())

	// Simulate a response coming back from the Resource.
	result := tbl.TranslateIncoming(outProto, outsideDst, false, sentAt.Add(time.Second))
	require.Equal(t, IncomingOK, result.Kind)
	assert.Equal(t, src, result.Proto)
	assert.Equal(t, clientDst.String(), result.Src.String())
}

func TestTranslateOutgoingReassignsPortOnCollision(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	outsideDst := net.ParseIP("10.0.0.5")

	_, _, err := tbl.TranslateOutgoing(udpProto(5000), net.ParseIP("100.96.0.1"), outsideDst, false, now)
	require.NoError(t, err)

	// A second, distinct client tuple wanting the same source port and the
	// same outside destination must get a different outside port.
	proto2, _, err := tbl.TranslateOutgoing(udpProto(5000), net.ParseIP("100.96.0.2"), outsideDst, false, now)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(5000), proto2.Value)
}

func TestHandleTimeoutEvictsExpiredUDPBindingButNotFreshTCP(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	outsideDst := net.ParseIP("10.0.0.5")

	udpOut, _, err := tbl.TranslateOutgoing(udpProto(1234), net.ParseIP("100.96.0.1"), outsideDst, false, now)
	require.NoError(t, err)
	tcpOut, _, err := tbl.TranslateOutgoing(tcpProto(1234), net.ParseIP("100.96.0.2"), outsideDst, false, now)
	require.NoError(t, err)

	later := now.Add(3 * time.Minute) // past UDPTTL, well short of TCPTTL
	tbl.HandleTimeout(later)

	udpResult := tbl.TranslateIncoming(udpOut, outsideDst, false, later)
	assert.Equal(t, IncomingExpiredNatSession, udpResult.Kind)

	tcpResult := tbl.TranslateIncoming(tcpOut, outsideDst, false, later)
	assert.Equal(t, IncomingOK, tcpResult.Kind)
}

func TestMissingBindingIsNoNatSession(t *testing.T) {
	tbl := NewTable()
	result := tbl.TranslateIncoming(udpProto(9999), net.ParseIP("10.0.0.9"), false, time.Now())
	assert.Equal(t, IncomingNoNatSession, result.Kind)
}

func TestOutgoingTCPRSTRemovesNatMapping(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	outsideDst := net.ParseIP("10.0.0.5")
	clientDst := net.ParseIP("100.96.0.1")

	outProto, _, err := tbl.TranslateOutgoing(tcpProto(443), clientDst, outsideDst, false, now)
	require.NoError(t, err)

	result := tbl.TranslateIncoming(outProto, outsideDst, false, now)
	require.Equal(t, IncomingOK, result.Kind)

	// Outgoing RST on the same tuple evicts the binding.
	_, _, err = tbl.TranslateOutgoing(tcpProto(443), clientDst, outsideDst, true, now)
	require.NoError(t, err)

	result = tbl.TranslateIncoming(outProto, outsideDst, false, now)
	assert.Equal(t, IncomingExpiredNatSession, result.Kind)
}

func TestIncomingTCPRSTRemovesNatMapping(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	outsideDst := net.ParseIP("10.0.0.5")
	clientDst := net.ParseIP("100.96.0.1")

	outProto, _, err := tbl.TranslateOutgoing(tcpProto(443), clientDst, outsideDst, false, now)
	require.NoError(t, err)

	result := tbl.TranslateIncoming(outProto, outsideDst, true, now)
	require.Equal(t, IncomingOK, result.Kind)

	result = tbl.TranslateIncoming(outProto, outsideDst, false, now)
	assert.Equal(t, IncomingExpiredNatSession, result.Kind)
}

func TestICMPErrorLooksUpEmbeddedFailedPacket(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	outsideDst := net.ParseIP("10.0.0.5")
	clientDst := net.ParseIP("100.96.0.1")

	outProto, _, err := tbl.TranslateOutgoing(udpProto(4000), clientDst, outsideDst, false, now)
	require.NoError(t, err)

	failed := FailedPacket{SrcProto: outProto, Dst: outsideDst}
	result := tbl.TranslateIncomingICMPError(failed, now)
	require.Equal(t, IncomingIcmpError, result.Kind)
	assert.Equal(t, clientDst.String(), result.IcmpError.InsideDst.String())
	assert.Equal(t, udpProto(4000), result.IcmpError.InsideProto)
	assert.Equal(t, outsideDst.String(), result.IcmpError.OutsideDst().String())
}

func TestICMPErrorForUnknownTupleIsNoNatSession(t *testing.T) {
	tbl := NewTable()
	failed := FailedPacket{SrcProto: udpProto(4000), Dst: net.ParseIP("10.0.0.9")}
	result := tbl.TranslateIncomingICMPError(failed, time.Now())
	assert.Equal(t, IncomingNoNatSession, result.Kind)
}

func TestHasEntryForInside(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	clientDst := net.ParseIP("100.96.0.1")

	assert.False(t, tbl.HasEntryForInside(clientDst))
	_, _, err := tbl.TranslateOutgoing(udpProto(1111), clientDst, net.ParseIP("10.0.0.5"), false, now)
	require.NoError(t, err)
	assert.True(t, tbl.HasEntryForInside(clientDst))
}
