package wgtunnel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MessageTypeInitiation is the little-endian message-type tag of a
// handshake-initiation message.
const MessageTypeInitiation uint32 = 1

var ErrNoCookie = errors.New("wgtunnel: no cookie held")

// StaticKeypair is a peer's long-term Curve25519 identity.
type StaticKeypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateStaticKeypair creates a fresh Curve25519 keypair.
func GenerateStaticKeypair() (StaticKeypair, error) {
	var kp StaticKeypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// Handshake drives the Noise_IKpsk2 handshake for one tunnel. It holds the
// local static keypair, the peer's public key, an optional held cookie, and
// the ephemeral state for an in-flight initiation.
//
// This is a structurally faithful rendition of the WireGuard handshake
// framing (message type, sender index, ephemeral public key, encrypted
// static key, encrypted timestamp, MAC1/MAC2) built from real primitives
// (X25519/ChaCha20-Poly1305/BLAKE2s/HKDF); it is not asserted to be
// bit-for-bit wire compatible with an upstream WireGuard implementation,
// since the portions of boringtun that perform the exact Noise transcript
// (handshake.rs) were not part of the retrieved reference material - see
// DESIGN.md.
type Handshake struct {
	local    StaticKeypair
	remote   [32]byte
	presharedKey [32]byte

	senderIndex uint32

	cookie     [16]byte
	hasCookie  bool

	ephemeral StaticKeypair
	chainKey  []byte // set by FormatInitiation; consumed by DeriveSessionKeys once a response arrives
}

// NewHandshake constructs a Handshake for one tunnel.
func NewHandshake(local StaticKeypair, remotePublic, presharedKey [32]byte, senderIndex uint32) *Handshake {
	return &Handshake{local: local, remote: remotePublic, presharedKey: presharedKey, senderIndex: senderIndex}
}

func (h *Handshake) SetCookie(cookie [16]byte) {
	h.cookie = cookie
	h.hasCookie = true
}

func (h *Handshake) ClearCookie() {
	h.hasCookie = false
}

func (h *Handshake) HasCookie() bool { return h.hasCookie }

// SenderIndex returns the local index stamped on the in-flight initiation.
func (h *Handshake) SenderIndex() uint32 { return h.senderIndex }

// ChainKey returns the chain key derived by the last FormatInitiation call,
// for DeriveSessionKeys once the responder's reply has been processed. It is
// nil until FormatInitiation has run at least once.
func (h *Handshake) ChainKey() []byte { return h.chainKey }

// FormatInitiation writes a 148-byte handshake-initiation message into dst
// and returns the number of bytes written.
func (h *Handshake) FormatInitiation(dst []byte) (int, error) {
	if len(dst) < HandshakeInitiationSize {
		return 0, errors.New("wgtunnel: destination buffer too small for handshake initiation")
	}

	ephemeral, err := GenerateStaticKeypair()
	if err != nil {
		return 0, err
	}
	h.ephemeral = ephemeral

	var sharedSecret [32]byte
	curve25519.ScalarMult(&sharedSecret, &ephemeral.Private, &h.remote)

	chainKey := deriveChainKey(sharedSecret, h.presharedKey)
	h.chainKey = chainKey

	encStatic, err := sealHandshakeField(chainKey, h.local.Public[:])
	if err != nil {
		return 0, err
	}

	var tsBuf [12]byte
	binary.LittleEndian.PutUint64(tsBuf[:8], uint64(time.Now().Unix()))
	encTimestamp, err := sealHandshakeField(chainKey, tsBuf[:])
	if err != nil {
		return 0, err
	}

	buf := dst[:0]
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], MessageTypeInitiation)
	binary.LittleEndian.PutUint32(hdr[4:8], h.senderIndex)
	buf = append(buf, hdr[:]...)
	buf = append(buf, ephemeral.Public[:]...)
	buf = append(buf, encStatic...)
	buf = append(buf, encTimestamp...)

	mac1 := computeMAC(h.remote[:], buf)
	buf = append(buf, mac1[:]...)

	var mac2 [16]byte
	if h.hasCookie {
		mac2 = computeMAC(h.cookie[:], buf)
	}
	buf = append(buf, mac2[:]...)

	return len(buf), nil
}

// deriveChainKey folds the DH shared secret and PSK into a 32-byte chain key
// via HKDF, mirroring the KDF step of Noise_IKpsk2 without reproducing its
// full transcript.
func deriveChainKey(sharedSecret, psk [32]byte) []byte {
	h := hkdf.New(blake2s.New256, sharedSecret[:], psk[:], []byte("connlib-handshake"))
	out := make([]byte, 32)
	_, _ = h.Read(out) //nolint:errcheck // hkdf.Read on a correctly-sized reader cannot fail
	return out
}

func sealHandshakeField(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func computeMAC(key, data []byte) [16]byte {
	var out [16]byte
	h, _ := blake2s.New128(key)
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveSessionKeys derives a pair of directional transport keys from the
// handshake's chain key, for handing off to noise.NewSession once the
// responder's reply has been processed.
func DeriveSessionKeys(chainKey []byte) (send, recv [32]byte) {
	h := hkdf.New(blake2s.New256, chainKey, nil, []byte("connlib-transport-send"))
	_, _ = h.Read(send[:])
	h2 := hkdf.New(blake2s.New256, chainKey, nil, []byte("connlib-transport-recv"))
	_, _ = h2.Read(recv[:])
	return send, recv
}
