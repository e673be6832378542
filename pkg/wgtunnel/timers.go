// Package wgtunnel implements the per-peer WireGuard timer state machine
// described in the data model's Tunnel/Timers entities: handshake
// retransmission, rekey, keepalive and connection/cookie expiry. It is
// ported directly from boringtun's noise/timers.rs, trading Instant/Duration
// bookkeeping for plain time.Time so the caller supplies "now" explicitly
// (mirroring update_timers(now, out_buf) in the spec) instead of sampling
// the clock internally - useful for deterministic tests.
package wgtunnel

import (
	"errors"
	"math/rand"
	"time"
)

const (
	RekeyAfterTime    = 120 * time.Second
	RejectAfterTime   = 180 * time.Second
	RekeyAttemptTime  = 90 * time.Second
	RekeyTimeout      = 5 * time.Second
	KeepaliveTimeout  = 10 * time.Second
	CookieExpiration  = 120 * time.Second

	// N_SESSIONS: up to this many sessions may coexist during rekey overlap.
	NSessions = 3

	// HandshakeInitiationSize is the fixed length of a handshake-initiation
	// message on the wire (message type + sender index + ephemeral pubkey +
	// encrypted static + encrypted timestamp + MAC1 + MAC2).
	HandshakeInitiationSize = 148
)

var ErrConnectionExpired = errors.New("wgtunnel: connection expired")

// ResultKind discriminates the outcome of UpdateTimers, mirroring TunnResult.
type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultWriteToNetwork
	ResultErr
)

// Result is the outcome of a timer tick.
type Result struct {
	Kind ResultKind
	N    int   // valid bytes written to the caller's buffer, for ResultWriteToNetwork
	Err  error // valid for ResultErr
}

// Timers holds every timestamp named in the spec's per-tunnel Timers block,
// plus the two "want" flags and the initiator/persistent-keepalive config.
type Timers struct {
	timeStarted time.Time

	sessionEstablished    time.Time
	lastHandshakeStarted  time.Time
	lastPacketReceived    time.Time
	lastPacketSent        time.Time
	lastDataPacketReceived time.Time
	lastDataPacketSent    time.Time
	cookieReceived        time.Time
	persistentKeepaliveAt time.Time

	sessionTimers [NSessions]time.Time

	isInitiator         bool
	wantKeepalive       bool
	wantHandshake       bool
	persistentKeepalive time.Duration // 0 disables

	handshakeInitSentAt time.Time
	handshakeInFlight   bool
	hasCookie           bool
	expired             bool
}

// NewTimers creates a fresh Timers block anchored at now, with the given
// persistent-keepalive interval (0 disables it).
func NewTimers(now time.Time, persistentKeepalive time.Duration) *Timers {
	return &Timers{
		timeStarted:         now,
		persistentKeepalive: persistentKeepalive,
	}
}

// TickPacketReceived records receipt of an authenticated packet.
func (t *Timers) TickPacketReceived(now time.Time) {
	t.wantKeepalive = true
	t.wantHandshake = false
	t.lastPacketReceived = now
}

// TickPacketSent records transmission of a packet.
func (t *Timers) TickPacketSent(now time.Time) {
	t.wantHandshake = true
	t.wantKeepalive = false
	t.lastPacketSent = now
}

// TickDataPacketReceived/TickDataPacketSent record data (non-control) traffic.
func (t *Timers) TickDataPacketReceived(now time.Time) { t.lastDataPacketReceived = now }
func (t *Timers) TickDataPacketSent(now time.Time)     { t.lastDataPacketSent = now }

// TickSessionEstablished records a fresh session and who initiated it.
func (t *Timers) TickSessionEstablished(now time.Time, isInitiator bool, sessionIdx int) {
	t.sessionEstablished = now
	t.sessionTimers[sessionIdx%NSessions] = now
	t.isInitiator = isInitiator
}

// TickHandshakeInitiationSent marks that we just wrote a handshake
// initiation message and are awaiting a response. A retransmit within an
// attempt already in flight keeps that attempt's start time, which
// RekeyAttemptTime is measured from.
func (t *Timers) TickHandshakeInitiationSent(now time.Time) {
	if !t.handshakeInFlight {
		t.lastHandshakeStarted = now
	}
	t.handshakeInitSentAt = now
	t.handshakeInFlight = true
}

// TickHandshakeComplete clears the in-flight retransmit state.
func (t *Timers) TickHandshakeComplete() {
	t.handshakeInFlight = false
}

// TickCookieReceived records a held cookie for MAC2 on the next initiation.
func (t *Timers) TickCookieReceived(now time.Time) {
	t.cookieReceived = now
	t.hasCookie = true
}

// HasCookie reports whether a cookie is currently held.
func (t *Timers) HasCookie() bool { return t.hasCookie }

// Clear resets every timer to "now" (not zero) and drops the want-flags,
// matching the original's "we don't really clear the timers" comment: the
// goal is a consistent reference frame, not zeroed durations.
func (t *Timers) Clear(now time.Time) {
	zero := time.Time{}
	_ = zero
	t.sessionEstablished = now
	t.lastHandshakeStarted = now
	t.lastPacketReceived = now
	t.lastPacketSent = now
	t.lastDataPacketReceived = now
	t.lastDataPacketSent = now
	t.cookieReceived = now
	for i := range t.sessionTimers {
		t.sessionTimers[i] = now
	}
	t.wantHandshake = false
	t.wantKeepalive = false
	t.handshakeInFlight = false
}

// IsExpired reports whether the tunnel has been marked permanently expired.
func (t *Timers) IsExpired() bool { return t.expired }

// updateSessionTimers expires sessions whose age exceeds RejectAfterTime;
// the caller (Tunnel) is responsible for actually dropping the keys.
func (t *Timers) updateSessionTimers(now time.Time, onExpire func(idx int)) {
	for i := range t.sessionTimers {
		if t.sessionTimers[i].IsZero() {
			continue
		}
		if now.Sub(t.sessionTimers[i]) > RejectAfterTime {
			if onExpire != nil {
				onExpire(i)
			}
			t.sessionTimers[i] = now
		}
	}
}

// UpdateTimers runs the spec §4.5 decision tree and returns what the caller
// should do: nothing, write a handshake-initiation/keepalive packet into
// dst, or tear the tunnel down. onExpire is invoked for sessions aged past
// RejectAfterTime so the caller can release its session state;
// formatInitiation and formatKeepalive let the caller format a handshake
// initiation or an empty keepalive data packet into dst, each returning the
// number of bytes written.
func (t *Timers) UpdateTimers(now time.Time, dst []byte, onExpire func(idx int), formatInitiation func(dst []byte) (int, error), formatKeepalive func(dst []byte) (int, error)) Result {
	t.updateSessionTimers(now, onExpire)

	if t.expired {
		return Result{Kind: ResultErr, Err: ErrConnectionExpired}
	}

	if t.hasCookie && now.Sub(t.cookieReceived) >= CookieExpiration {
		t.hasCookie = false
	}

	if !t.sessionEstablished.IsZero() && now.Sub(t.sessionEstablished) >= RejectAfterTime*3 {
		t.expired = true
		t.Clear(now)
		return Result{Kind: ResultErr, Err: ErrConnectionExpired}
	}

	handshakeRequired := false
	keepaliveRequired := false

	if t.handshakeInFlight {
		if now.Sub(t.lastHandshakeStarted) >= RekeyAttemptTime {
			t.expired = true
			t.Clear(now)
			return Result{Kind: ResultErr, Err: ErrConnectionExpired}
		}
		if now.Sub(t.handshakeInitSentAt) >= RekeyTimeout {
			handshakeRequired = true
		}
	} else {
		if t.isInitiator {
			if t.sessionEstablished.Before(t.lastDataPacketSent) &&
				now.Sub(t.sessionEstablished) >= RekeyAfterTime {
				handshakeRequired = true
			}
			if t.sessionEstablished.Before(t.lastDataPacketReceived) &&
				now.Sub(t.sessionEstablished) >= RejectAfterTime-KeepaliveTimeout-RekeyTimeout {
				handshakeRequired = true
			}
		}

		if t.lastDataPacketSent.After(t.lastPacketReceived) &&
			now.Sub(t.lastPacketReceived) >= KeepaliveTimeout+RekeyTimeout &&
			t.wantHandshake {
			t.wantHandshake = false
			handshakeRequired = true
		}

		if !handshakeRequired {
			if t.lastDataPacketReceived.After(t.lastPacketSent) &&
				now.Sub(t.lastPacketSent) >= KeepaliveTimeout &&
				t.wantKeepalive {
				t.wantKeepalive = false
				keepaliveRequired = true
			}

			if t.persistentKeepalive > 0 && now.Sub(t.persistentKeepaliveAt) >= t.persistentKeepalive {
				t.persistentKeepaliveAt = now
				keepaliveRequired = true
			}
		}
	}

	if handshakeRequired {
		n, err := formatInitiation(dst)
		if err != nil {
			return Result{Kind: ResultErr, Err: err}
		}
		t.TickHandshakeInitiationSent(now)
		return Result{Kind: ResultWriteToNetwork, N: n}
	}

	if keepaliveRequired {
		n, err := formatKeepalive(dst)
		if err != nil {
			return Result{Kind: ResultErr, Err: err}
		}
		return Result{Kind: ResultWriteToNetwork, N: n}
	}

	return Result{Kind: ResultDone}
}

// RekeyJitter returns a random 0-333ms jitter, per the spec's instruction
// that the retry interval's jitter must not be derived from the clock.
func RekeyJitter() time.Duration {
	return time.Duration(rand.Intn(334)) * time.Millisecond
}
