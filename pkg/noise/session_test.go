package noise

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroSessionPair(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	var keyA, keyB [32]byte // deterministic fixed keys, one per direction
	for i := range keyA {
		keyA[i] = 0xAA
	}
	for i := range keyB {
		keyB[i] = 0xBB
	}

	// initiator sends with keyA, responder receives with keyA; and vice versa.
	initiator, err := NewSession(1, 2, keyB, keyA)
	require.NoError(t, err)
	responder, err = NewSession(2, 1, keyA, keyB)
	require.NoError(t, err)
	return initiator, responder
}

func TestEncapsulateRoundTrip(t *testing.T) {
	initiator, responder := zeroSessionPair(t)

	payload := bytes.Repeat([]byte{0xAA}, 64)
	dst := make([]byte, len(payload)+DataOverhead)

	packet, err := initiator.FormatPacketData(payload, dst)
	require.NoError(t, err)
	assert.Len(t, packet, 96) // 4 + 4 + 8 + 64 + 16, per the spec's scenario 2

	recvDst := make([]byte, len(payload))
	plaintext, err := responder.ReceivePacketData(packet, recvDst)
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)

	next, _ := responder.CurrentPacketCount()
	assert.Equal(t, uint64(1), next)
}

func TestReceivePacketDataRejectsWrongIndex(t *testing.T) {
	initiator, responder := zeroSessionPair(t)
	responder.LocalIndex = 99 // simulate a packet addressed to a different session

	payload := []byte("hello")
	dst := make([]byte, len(payload)+DataOverhead)
	packet, err := initiator.FormatPacketData(payload, dst)
	require.NoError(t, err)

	_, err = responder.ReceivePacketData(packet, make([]byte, len(payload)))
	assert.ErrorIs(t, err, ErrWrongIndex)
}

func TestReceivePacketDataRejectsReplay(t *testing.T) {
	initiator, responder := zeroSessionPair(t)

	payload := []byte("hello")
	dst := make([]byte, len(payload)+DataOverhead)
	packet, err := initiator.FormatPacketData(payload, dst)
	require.NoError(t, err)

	_, err = responder.ReceivePacketData(packet, make([]byte, len(payload)))
	require.NoError(t, err)

	_, err = responder.ReceivePacketData(packet, make([]byte, len(payload)))
	assert.Error(t, err)
}

func TestReceivePacketDataRejectsBadTag(t *testing.T) {
	initiator, responder := zeroSessionPair(t)

	payload := []byte("hello")
	dst := make([]byte, len(payload)+DataOverhead)
	packet, err := initiator.FormatPacketData(payload, dst)
	require.NoError(t, err)

	packet[len(packet)-1] ^= 0xFF // corrupt the AEAD tag

	_, err = responder.ReceivePacketData(packet, make([]byte, len(payload)))
	assert.ErrorIs(t, err, ErrInvalidAeadTag)
}
