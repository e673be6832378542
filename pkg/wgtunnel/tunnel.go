package wgtunnel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/firezone/connlib/pkg/noise"
)

var ErrNoActiveSession = errors.New("wgtunnel: no active session")

// Tunnel is the per-peer composition named in the data model: up to
// NSessions coexisting Sessions, one in-flight Handshake, and the Timers
// state machine that decides when to (re)initiate or send a keepalive.
// Encapsulate/Decapsulate/UpdateTimers mirror boringtun's Tunn API, which
// the design's "WG tunnel engine" is grounded on throughout this package.
type Tunnel struct {
	local        StaticKeypair
	remote       [32]byte
	presharedKey [32]byte

	handshake *Handshake

	slots   [NSessions]*sessionSlot
	current int // index of the newest installed session, -1 if none

	timers *Timers
}

type sessionSlot struct {
	session   *noise.Session
	createdAt time.Time
}

// NewTunnel constructs a Tunnel for one peer. Whether this side initiated
// is recorded later, from CompleteHandshake's isInitiator argument.
func NewTunnel(local StaticKeypair, remotePublic, presharedKey [32]byte, now time.Time, persistentKeepalive time.Duration) *Tunnel {
	return &Tunnel{
		local:        local,
		remote:       remotePublic,
		presharedKey: presharedKey,
		current:      -1,
		timers:       NewTimers(now, persistentKeepalive),
	}
}

func randomIndex() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (t *Tunnel) currentSession() *noise.Session {
	if t.current < 0 {
		return nil
	}
	return t.slots[t.current].session
}

// Encapsulate encrypts plaintext into dst as a transport data packet using
// the current session. With no session yet established (handshake not
// complete), this instead formats a handshake initiation - mirroring
// boringtun's Tunn::encapsulate, which kicks off a handshake the first time
// a caller tries to send without one.
func (t *Tunnel) Encapsulate(plaintext, dst []byte, now time.Time) Result {
	session := t.currentSession()
	if session == nil {
		n, err := t.initiateHandshake(now, dst)
		if err != nil {
			return Result{Kind: ResultErr, Err: err}
		}
		t.timers.TickHandshakeInitiationSent(now)
		t.timers.TickPacketSent(now)
		return Result{Kind: ResultWriteToNetwork, N: n}
	}

	out, err := session.FormatPacketData(plaintext, dst)
	if err != nil {
		return Result{Kind: ResultErr, Err: err}
	}
	t.timers.TickPacketSent(now)
	if len(plaintext) > 0 {
		t.timers.TickDataPacketSent(now)
	}
	return Result{Kind: ResultWriteToNetwork, N: len(out)}
}

func (t *Tunnel) initiateHandshake(now time.Time, dst []byte) (int, error) {
	idx, err := randomIndex()
	if err != nil {
		return 0, err
	}
	h := NewHandshake(t.local, t.remote, t.presharedKey, idx)
	if t.handshake != nil && t.handshake.HasCookie() {
		h.SetCookie(t.handshake.cookie)
	}
	n, err := h.FormatInitiation(dst)
	if err != nil {
		return 0, err
	}
	t.handshake = h
	return n, nil
}

// DecapsulateResult is the outcome of Decapsulate: Kind is ResultErr (with
// Err set) when the packet is rejected and ResultDone otherwise. Plaintext
// holds the decrypted IP packet of a transport data packet; it is empty for
// a keepalive or a consumed handshake/cookie message.
type DecapsulateResult struct {
	Kind      ResultKind
	Plaintext []byte
	Err       error
}

// Decapsulate processes one inbound WireGuard message. Only transport data
// packets (message type 4) are fully handled end to end; handshake
// initiation/response/cookie messages are consumed without producing a
// reply, since the Noise transcript needed to answer them (boringtun's
// handshake.rs) was never part of the retrieved reference material - see
// DESIGN.md's C5 entry. CompleteHandshake is the seam a fuller responder
// implementation would call once it has derived the transport keys.
func (t *Tunnel) Decapsulate(packet, dst []byte, now time.Time) DecapsulateResult {
	if len(packet) < 4 {
		return DecapsulateResult{Kind: ResultErr, Err: errors.New("wgtunnel: packet too short")}
	}
	msgType := binary.LittleEndian.Uint32(packet[0:4])

	switch msgType {
	case noise.MessageTypeData:
		return t.decapsulateData(packet, dst, now)
	case MessageTypeInitiation:
		t.timers.TickPacketReceived(now)
		return DecapsulateResult{Kind: ResultDone}
	default:
		t.timers.TickPacketReceived(now)
		return DecapsulateResult{Kind: ResultDone}
	}
}

func (t *Tunnel) decapsulateData(packet, dst []byte, now time.Time) DecapsulateResult {
	receiverIdx := binary.LittleEndian.Uint32(packet[4:8])

	for i, slot := range t.slots {
		if slot == nil || slot.session.LocalIndex != receiverIdx {
			continue
		}
		plaintext, err := slot.session.ReceivePacketData(packet, dst)
		if err != nil {
			return DecapsulateResult{Kind: ResultErr, Err: err}
		}
		t.timers.TickPacketReceived(now)
		if len(plaintext) > 0 {
			t.timers.TickDataPacketReceived(now)
		}
		if i == t.current {
			t.timers.TickHandshakeComplete()
		}
		return DecapsulateResult{Kind: ResultDone, Plaintext: plaintext}
	}

	return DecapsulateResult{Kind: ResultErr, Err: ErrNoActiveSession}
}

// CompleteHandshake installs a freshly negotiated session, evicting the
// oldest slot when all NSessions are occupied (the up-to-three-sessions
// rekey overlap named in the data model).
func (t *Tunnel) CompleteHandshake(localIndex, remoteIndex uint32, recvKey, sendKey [32]byte, isInitiator bool, now time.Time) error {
	session, err := noise.NewSession(localIndex, remoteIndex, recvKey, sendKey)
	if err != nil {
		return err
	}

	slotIdx := t.oldestSlot()
	t.slots[slotIdx] = &sessionSlot{session: session, createdAt: now}
	t.current = slotIdx

	t.timers.TickSessionEstablished(now, isInitiator, slotIdx)
	t.timers.TickHandshakeComplete()
	t.handshake = nil
	return nil
}

func (t *Tunnel) oldestSlot() int {
	for i, slot := range t.slots {
		if slot == nil {
			return i
		}
	}
	oldest := 0
	for i, slot := range t.slots {
		if slot.createdAt.Before(t.slots[oldest].createdAt) {
			oldest = i
		}
	}
	return oldest
}

// UpdateTimers runs the §4.5 decision tree against this tunnel's sessions
// and in-flight handshake, writing any produced handshake-initiation or
// keepalive packet into dst.
func (t *Tunnel) UpdateTimers(now time.Time, dst []byte) Result {
	onExpire := func(idx int) { t.slots[idx] = nil }
	formatInitiation := func(d []byte) (int, error) { return t.initiateHandshake(now, d) }
	formatKeepalive := func(d []byte) (int, error) {
		session := t.currentSession()
		if session == nil {
			return 0, ErrNoActiveSession
		}
		out, err := session.FormatPacketData(nil, d)
		if err != nil {
			return 0, err
		}
		return len(out), nil
	}

	return t.timers.UpdateTimers(now, dst, onExpire, formatInitiation, formatKeepalive)
}

// IsExpired reports whether the tunnel's connection has expired.
func (t *Tunnel) IsExpired() bool { return t.timers.IsExpired() }
