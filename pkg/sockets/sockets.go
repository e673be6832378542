// Package sockets owns the platform UDP sockets named in spec §4.13: one
// thread per address family, each reading and writing datagrams in its own
// goroutine and exchanging them with the rest of the node over bounded
// channels so a slow consumer back-pressures the sender instead of the
// socket thread blocking on it.
//
// golang.zx2c4.com/wireguard/conn ships exactly this kind of platform UDP
// socket (conn.NewStdNetBind(), with GSO/GRO batching on Linux), the way
// 93ebda79_mullvad-wireguard-go's tun/multihoptun package uses it to turn a
// dialed address into a conn.Endpoint. We reuse it for that one job -
// ParseEndpoint - since its Bind interface otherwise owns and hides the
// underlying net.UDPConn, leaving no hook to apply the buffer-size env vars
// spec §4.13 requires. The actual socket is opened directly with
// net.ListenUDP and tuned with SetReadBuffer/SetWriteBuffer, the same
// pattern internal/transport/udp.go uses in joshuafuller-beacon.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/datawire/dlib/dlog"
	"golang.zx2c4.com/wireguard/conn"
)

// Family distinguishes the two socket threads spec §4.13 calls for.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) network() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Env var names spec §4.13 names for tuning socket buffer sizes.
const (
	EnvSendBufferSize = "FIREZONE_UDP_SEND_BUFFER_SIZE"
	EnvRecvBufferSize = "FIREZONE_UDP_RECV_BUFFER_SIZE"
)

// Default socket buffer size when the env vars above are unset.
const defaultBufferSize = 1 << 20 // 1 MiB

// Queue capacities spec §4.13 names for the bounded channels a socket
// thread exchanges packets over with the rest of the node.
const (
	QueueCapacityDesktop = 1000
	QueueCapacityMobile  = 10
)

// maxDatagramSize bounds a single read, large enough for any WireGuard or
// STUN/TURN datagram this node produces or accepts.
const maxDatagramSize = 65507

// Received is one datagram read off a socket thread.
type Received struct {
	From    *net.UDPAddr
	Payload []byte
}

// ErrClosed is returned by Send/Recv once the socket has been closed.
var ErrClosed = errors.New("sockets: closed")

// Socket owns one platform UDP socket for one address family. Reading and
// writing each run on a dedicated goroutine; RecvQueue/SendQueue are the
// channels the rest of the node uses to talk to those goroutines.
type Socket struct {
	family Family
	conn   *net.UDPConn

	recvQueue chan Received
	sendQueue chan outboundPacket

	done      chan struct{}
	closeOnce sync.Once
}

type outboundPacket struct {
	to      *net.UDPAddr
	payload []byte
	result  chan error
}

// Open binds a UDP socket for family on laddr, applies the configured send
// and receive buffer sizes, and starts its read/write goroutines. laddr may
// specify port 0 to bind ephemerally.
func Open(ctx context.Context, family Family, laddr *net.UDPAddr, queueCapacity int) (*Socket, error) {
	conn, err := net.ListenUDP(family.network(), laddr)
	if err != nil {
		return nil, fmt.Errorf("sockets: bind %s: %w", family, err)
	}

	sendSize := bufferSizeFromEnv(EnvSendBufferSize, defaultBufferSize)
	if err := conn.SetWriteBuffer(sendSize); err != nil {
		dlog.Warnf(ctx, "sockets: %s: failed to set send buffer to %d: %v", family, sendSize, err)
	}
	recvSize := bufferSizeFromEnv(EnvRecvBufferSize, defaultBufferSize)
	if err := conn.SetReadBuffer(recvSize); err != nil {
		dlog.Warnf(ctx, "sockets: %s: failed to set recv buffer to %d: %v", family, recvSize, err)
	}

	s := &Socket{
		family:    family,
		conn:      conn,
		recvQueue: make(chan Received, queueCapacity),
		sendQueue: make(chan outboundPacket, queueCapacity),
		done:      make(chan struct{}),
	}

	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

func bufferSizeFromEnv(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Family reports which address family this socket serves.
func (s *Socket) Family() Family { return s.family }

func (s *Socket) readLoop(ctx context.Context) {
	defer close(s.recvQueue)
	for {
		buf := make([]byte, maxDatagramSize)
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			dlog.Errorf(ctx, "sockets: %s: read failed: %v", s.family, err)
			continue
		}
		select {
		case s.recvQueue <- Received{From: from, Payload: buf[:n]}:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) writeLoop(ctx context.Context) {
	for {
		select {
		case pkt := <-s.sendQueue:
			_, err := s.conn.WriteToUDP(pkt.payload, pkt.to)
			if err != nil {
				dlog.Errorf(ctx, "sockets: %s: write to %s failed: %v", s.family, pkt.to, err)
			}
			if pkt.result != nil {
				pkt.result <- err
			}
		case <-s.done:
			return
		}
	}
}

// Send queues payload for delivery to dst. It blocks until the write
// goroutine accepts it (back-pressuring the caller once the queue is full,
// per spec §4.13) or ctx is done.
func (s *Socket) Send(ctx context.Context, dst *net.UDPAddr, payload []byte) error {
	select {
	case s.sendQueue <- outboundPacket{to: dst, payload: payload}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel of datagrams received on this socket. It is
// closed once the socket is closed.
func (s *Socket) Recv() <-chan Received {
	return s.recvQueue
}

// Close stops both goroutines and releases the underlying socket.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// stdNetBind is shared across all callers of ParseEndpoint; it never
// actually opens a socket itself (conn.Bind.Open is never called on it)
// so it is safe to hold as a package singleton purely for address parsing.
var stdNetBind = conn.NewStdNetBind()

// ParseEndpoint turns a "host:port" string into a conn.Endpoint, the
// WireGuard peer-address abstraction used wherever code needs to compare or
// roam peer addresses without caring how the underlying bind represents
// them.
func ParseEndpoint(hostport string) (conn.Endpoint, error) {
	return stdNetBind.ParseEndpoint(hostport)
}

// Manager owns the pair of sockets spec §4.13 describes: one for IPv4
// traffic, one for IPv6, picked per-send by the destination's address
// family.
type Manager struct {
	v4, v6 *Socket
}

// NewManager opens both sockets, binding v4/v6 laddrs (either may be nil to
// skip that family entirely).
func NewManager(ctx context.Context, v4Laddr, v6Laddr *net.UDPAddr, queueCapacity int) (*Manager, error) {
	m := &Manager{}
	if v4Laddr != nil {
		s, err := Open(ctx, IPv4, v4Laddr, queueCapacity)
		if err != nil {
			return nil, err
		}
		m.v4 = s
	}
	if v6Laddr != nil {
		s, err := Open(ctx, IPv6, v6Laddr, queueCapacity)
		if err != nil {
			if m.v4 != nil {
				m.v4.Close()
			}
			return nil, err
		}
		m.v6 = s
	}
	return m, nil
}

// socketFor picks the socket matching dst's address family.
func (m *Manager) socketFor(dst *net.UDPAddr) (*Socket, error) {
	if dst.IP.To4() != nil {
		if m.v4 == nil {
			return nil, fmt.Errorf("sockets: no IPv4 socket bound")
		}
		return m.v4, nil
	}
	if m.v6 == nil {
		return nil, fmt.Errorf("sockets: no IPv6 socket bound")
	}
	return m.v6, nil
}

// Send routes payload to the socket matching dst's address family.
func (m *Manager) Send(ctx context.Context, dst *net.UDPAddr, payload []byte) error {
	s, err := m.socketFor(dst)
	if err != nil {
		return err
	}
	return s.Send(ctx, dst, payload)
}

// V4/V6 expose the underlying sockets directly, e.g. for selecting on both
// Recv channels in an event loop.
func (m *Manager) V4() *Socket { return m.v4 }
func (m *Manager) V6() *Socket { return m.v6 }

// Close closes whichever sockets are open.
func (m *Manager) Close() error {
	var firstErr error
	if m.v4 != nil {
		if err := m.v4.Close(); err != nil {
			firstErr = err
		}
	}
	if m.v6 != nil {
		if err := m.v6.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
