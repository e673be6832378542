package wgtunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncapsulateWithNoSessionTriggersHandshake(t *testing.T) {
	local, err := GenerateStaticKeypair()
	require.NoError(t, err)
	remote, err := GenerateStaticKeypair()
	require.NoError(t, err)

	tun := NewTunnel(local, remote.Public, [32]byte{}, time.Now(), 0)

	buf := make([]byte, HandshakeInitiationSize)
	result := tun.Encapsulate([]byte("hello"), buf, time.Now())

	require.Equal(t, ResultWriteToNetwork, result.Kind)
	assert.Equal(t, HandshakeInitiationSize, result.N)
}

func TestCompleteHandshakeEnablesDataRoundTrip(t *testing.T) {
	localA, err := GenerateStaticKeypair()
	require.NoError(t, err)
	localB, err := GenerateStaticKeypair()
	require.NoError(t, err)

	now := time.Now()
	tunA := NewTunnel(localA, localB.Public, [32]byte{}, now, 0)
	tunB := NewTunnel(localB, localA.Public, [32]byte{}, now, 0)

	var keyAtoB, keyBtoA [32]byte
	keyAtoB[0] = 1
	keyBtoA[0] = 2

	require.NoError(t, tunA.CompleteHandshake(11, 22, keyBtoA, keyAtoB, true, now))
	require.NoError(t, tunB.CompleteHandshake(22, 11, keyAtoB, keyBtoA, false, now))

	buf := make([]byte, 256)
	result := tunA.Encapsulate([]byte("ping"), buf, now)
	require.Equal(t, ResultWriteToNetwork, result.Kind)

	recvBuf := make([]byte, 256)
	decap := tunB.Decapsulate(buf[:result.N], recvBuf, now)
	require.Equal(t, ResultDone, decap.Kind)
	assert.Equal(t, "ping", string(decap.Plaintext))
}

func TestCompleteHandshakeEvictsOldestSlotAfterNSessions(t *testing.T) {
	local, err := GenerateStaticKeypair()
	require.NoError(t, err)
	remote, err := GenerateStaticKeypair()
	require.NoError(t, err)

	now := time.Now()
	tun := NewTunnel(local, remote.Public, [32]byte{}, now, 0)

	var key [32]byte
	require.NoError(t, tun.CompleteHandshake(1, 101, key, key, true, now))
	require.NoError(t, tun.CompleteHandshake(2, 102, key, key, true, now.Add(time.Second)))
	require.NoError(t, tun.CompleteHandshake(3, 103, key, key, true, now.Add(2*time.Second)))
	require.NoError(t, tun.CompleteHandshake(4, 104, key, key, true, now.Add(3*time.Second)))

	var liveLocalIndices []uint32
	for _, slot := range tun.slots {
		if slot != nil {
			liveLocalIndices = append(liveLocalIndices, slot.session.LocalIndex)
		}
	}
	assert.Len(t, liveLocalIndices, NSessions)
	assert.NotContains(t, liveLocalIndices, uint32(1), "the oldest of the 4 installed sessions must have been evicted")
}

func TestDecapsulateUnknownReceiverIndexErrors(t *testing.T) {
	local, err := GenerateStaticKeypair()
	require.NoError(t, err)
	remote, err := GenerateStaticKeypair()
	require.NoError(t, err)

	tun := NewTunnel(local, remote.Public, [32]byte{}, time.Now(), 0)

	packet := make([]byte, 32)
	packet[0] = 4 // MessageTypeData

	result := tun.Decapsulate(packet, make([]byte, 64), time.Now())
	assert.Equal(t, ResultErr, result.Kind)
	assert.ErrorIs(t, result.Err, ErrNoActiveSession)
}
