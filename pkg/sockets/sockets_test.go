package sockets

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return dlog.NewTestContext(t, false)
}

func loopback(family Family) *net.UDPAddr {
	if family == IPv6 {
		return &net.UDPAddr{IP: net.IPv6loopback, Port: 0}
	}
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
}

func TestSendRecvRoundTripIPv4(t *testing.T) {
	ctx := testCtx(t)

	a, err := Open(ctx, IPv4, loopback(IPv4), QueueCapacityDesktop)
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(ctx, IPv4, loopback(IPv4), QueueCapacityDesktop)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("hello")))

	select {
	case got := <-b.Recv():
		assert.Equal(t, []byte("hello"), got.Payload)
		assert.Equal(t, a.LocalAddr().Port, got.From.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestSendRecvRoundTripIPv6(t *testing.T) {
	ctx := testCtx(t)

	a, err := Open(ctx, IPv6, loopback(IPv6), QueueCapacityDesktop)
	if err != nil {
		t.Skipf("IPv6 loopback unavailable in this environment: %v", err)
	}
	defer a.Close()

	b, err := Open(ctx, IPv6, loopback(IPv6), QueueCapacityDesktop)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("ipv6")))

	select {
	case got := <-b.Recv():
		assert.Equal(t, []byte("ipv6"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestSendBlocksUntilQueueDrainedWhenFull(t *testing.T) {
	ctx := testCtx(t)

	a, err := Open(ctx, IPv4, loopback(IPv4), QueueCapacityDesktop)
	require.NoError(t, err)
	defer a.Close()

	// A capacity-1 send queue: the second Send must block (back-pressure)
	// until the write goroutine has drained the first.
	b := &Socket{
		family:    IPv4,
		conn:      a.conn,
		sendQueue: make(chan outboundPacket, 1),
		done:      make(chan struct{}),
	}
	defer close(b.done)

	dst := loopback(IPv4)
	dst.Port = 1 // unroutable-but-valid UDP destination; write just drops silently.

	require.NoError(t, b.Send(ctx, dst, []byte("1")))

	sendCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Send(sendCtx, dst, []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second send should block on the full queue until it times out")
}

func TestCloseStopsRecvChannel(t *testing.T) {
	ctx := testCtx(t)

	s, err := Open(ctx, IPv4, loopback(IPv4), QueueCapacityDesktop)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Recv():
		assert.False(t, ok, "recv channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recv channel to close")
	}
}

func TestBufferSizeFromEnv(t *testing.T) {
	t.Setenv(EnvRecvBufferSize, "4096")
	assert.Equal(t, 4096, bufferSizeFromEnv(EnvRecvBufferSize, defaultBufferSize))

	t.Setenv(EnvRecvBufferSize, "not-a-number")
	assert.Equal(t, defaultBufferSize, bufferSizeFromEnv(EnvRecvBufferSize, defaultBufferSize))

	t.Setenv(EnvRecvBufferSize, "")
	assert.Equal(t, defaultBufferSize, bufferSizeFromEnv(EnvRecvBufferSize, defaultBufferSize))
}

func TestManagerRoutesByAddressFamily(t *testing.T) {
	ctx := testCtx(t)

	mgr, err := NewManager(ctx, loopback(IPv4), nil, QueueCapacityDesktop)
	require.NoError(t, err)
	defer mgr.Close()

	require.NotNil(t, mgr.V4())
	assert.Nil(t, mgr.V6())

	_, err = NewManager(ctx, nil, nil, QueueCapacityDesktop)
	require.NoError(t, err)

	err = mgr.Send(ctx, &net.UDPAddr{IP: net.IPv6loopback, Port: 53}, []byte("x"))
	assert.Error(t, err, "sending to an IPv6 destination with no IPv6 socket bound should error")
}

func TestParseEndpointRoundTrips(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:51820")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:51820", ep.DstToString())
}
