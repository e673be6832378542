// Package noise implements the AEAD data-packet layer of a WireGuard
// session: encapsulation and decapsulation of transport packets once a
// handshake has produced a pair of directional keys. It is grounded on
// boringtun's noise/session.rs, ported from ring's AEAD to
// golang.org/x/crypto/chacha20poly1305 and wired to pkg/replay for
// anti-replay instead of a hand-rolled bitmap.
package noise

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/firezone/connlib/pkg/replay"
)

// MessageTypeData is the little-endian message-type tag of a transport data
// packet, per the WireGuard wire format.
const MessageTypeData uint32 = 4

const (
	dataOffset = 16 // 4 (type) + 4 (receiver index) + 8 (counter)
	aeadSize   = chacha20poly1305.Overhead

	// DataOverhead is the number of bytes format_packet_data adds on top of
	// the plaintext: header + AEAD tag.
	DataOverhead = dataOffset + aeadSize
)

var (
	ErrWrongIndex      = errors.New("noise: wrong receiver index")
	ErrInvalidAeadTag  = errors.New("noise: invalid AEAD tag")
	ErrBufferTooSmall  = errors.New("noise: destination buffer too small")
	ErrDuplicateCounter = replay.ErrDuplicateCounter
	ErrInvalidCounter   = replay.ErrInvalidCounter
)

// Session holds one direction-pair of AEAD keys and counters, as described
// in the data model's Session entity.
type Session struct {
	LocalIndex  uint32 // stamped on incoming packets addressed to us
	RemoteIndex uint32 // stamped on outgoing packets addressed to the peer

	sender   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Overhead() int
	}
	receiver interface {
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}

	sendCounter uint64 // atomic
	recvWindow  replay.Window
}

// NewSession constructs a Session from a receiving (our) index, a sending
// (peer) index, and the two 32-byte ChaCha20-Poly1305 keys produced by the
// handshake.
func NewSession(localIndex, remoteIndex uint32, recvKey, sendKey [32]byte) (*Session, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Session{
		LocalIndex:  localIndex,
		RemoteIndex: remoteIndex,
		sender:      sendAEAD,
		receiver:    recvAEAD,
	}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// FormatPacketData encrypts src into dst as a transport data packet,
// returning the written slice. dst must have capacity for
// len(src)+DataOverhead.
func (s *Session) FormatPacketData(src, dst []byte) ([]byte, error) {
	if len(dst) < len(src)+DataOverhead {
		return nil, ErrBufferTooSmall
	}
	counter := atomic.AddUint64(&s.sendCounter, 1) - 1

	binary.LittleEndian.PutUint32(dst[0:4], MessageTypeData)
	binary.LittleEndian.PutUint32(dst[4:8], s.RemoteIndex)
	binary.LittleEndian.PutUint64(dst[8:16], counter)

	sealed := s.sender.Seal(dst[dataOffset:dataOffset], nonceFor(counter), src, nil)
	return dst[:dataOffset+len(sealed)], nil
}

// ReceivePacketData validates and decrypts a transport data packet received
// from the network, following the spec's five-step decapsulate sequence:
// index check, replay pre-check, decrypt, replay mark, return plaintext.
func (s *Session) ReceivePacketData(packet, dst []byte) ([]byte, error) {
	if len(packet) < dataOffset {
		return nil, ErrBufferTooSmall
	}
	receiverIdx := binary.LittleEndian.Uint32(packet[4:8])
	counter := binary.LittleEndian.Uint64(packet[8:16])
	ciphertext := packet[dataOffset:]

	if receiverIdx != s.LocalIndex {
		return nil, ErrWrongIndex
	}
	if err := s.recvWindow.WillAccept(counter); err != nil {
		return nil, err
	}

	plaintext, err := s.receiver.Open(dst[:0], nonceFor(counter), ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidAeadTag
	}

	if err := s.recvWindow.MarkReceived(counter); err != nil {
		// Authenticated but lost the race against a concurrent replay; the
		// caller must discard the plaintext it just decrypted.
		return nil, err
	}
	return plaintext, nil
}

// CurrentPacketCount returns (next, receiveCount) for loss estimation.
func (s *Session) CurrentPacketCount() (next, receiveCount uint64) {
	return s.recvWindow.Next(), s.recvWindow.ReceiveCount()
}
