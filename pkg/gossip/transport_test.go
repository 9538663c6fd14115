package gossip

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

func TestInboxDropsWhenFull(t *testing.T) {
	q := NewInbox(Address{ID: 1}, 2)

	assert.True(t, q.Deliver([]byte("a")))
	assert.True(t, q.Deliver([]byte("b")))
	assert.False(t, q.Deliver([]byte("c")))
	assert.Equal(t, 2, q.Len())

	got := q.Drain()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain())
}

func TestChannelTransportDelivers(t *testing.T) {
	tr := NewChannelTransport(0, 1)
	a, b := Address{ID: 1}, Address{ID: 2}
	inbox := NewInbox(b, 0)
	require.NoError(t, tr.Listen(b, inbox))

	payload := []byte("hello")
	require.NoError(t, tr.Send(context.Background(), a, b, payload))
	payload[0] = 'j'

	got := inbox.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0]), "payload is copied on send")
	assert.Equal(t, LinkStats{Sent: 1}, tr.Stats(a))
	assert.Equal(t, LinkStats{Received: 1}, tr.Stats(b))

	err := tr.Send(context.Background(), b, Address{ID: 9}, payload)
	assert.True(t, errors.Is(err, ErrUnknownPeer), "got %v", err)

	tr.Disconnect(b)
	err = tr.Send(context.Background(), a, b, payload)
	assert.True(t, errors.Is(err, ErrUnknownPeer), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Send(ctx, a, b, payload), context.Canceled)

	require.NoError(t, tr.Close())
	assert.Equal(t, ErrClosed, tr.Send(context.Background(), a, b, payload))
	assert.Equal(t, ErrClosed, tr.Listen(a, NewInbox(a, 0)))
}

func TestChannelTransportDropRate(t *testing.T) {
	tr := NewChannelTransport(1, 7)
	a, b := Address{ID: 1}, Address{ID: 2}
	inbox := NewInbox(b, 0)
	require.NoError(t, tr.Listen(b, inbox))

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Send(context.Background(), a, b, []byte{byte(i)}))
	}
	assert.Zero(t, inbox.Len())
	assert.Equal(t, 10, tr.Stats(b).Dropped)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{DefaultHost: "127.0.0.1", Hosts: map[uint32]string{2: "node-2"}}

	got, err := r.Resolve(Address{ID: 1, Port: 7000})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", got)

	got, err = r.Resolve(Address{ID: 2, Port: 7001})
	require.NoError(t, err)
	assert.Equal(t, "node-2:7001", got)

	_, err = StaticResolver{}.Resolve(Address{ID: 3})
	assert.True(t, errors.Is(err, ErrUnknownPeer), "got %v", err)
}

func TestFrameCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("gossip"), 100)

	plain := encodeFrame(payload, false)
	assert.Equal(t, payload, plain)

	packed := encodeFrame(payload, true)
	assert.Less(t, len(packed), len(payload))

	out, err := decodeFrame(packed, true)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = decodeFrame([]byte{0xff, 0xff, 0xff}, true)
	assert.True(t, errors.Is(err, ErrCorruptMessage), "got %v", err)
}

// freePort asks the kernel for an unused port on loopback.
func freePort(t *testing.T, network string) uint16 {
	t.Helper()
	switch network {
	case "udp":
		c, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer c.Close()
		_, p, _ := net.SplitHostPort(c.LocalAddr().String())
		n, _ := strconv.Atoi(p)
		return uint16(n)
	default:
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		_, p, _ := net.SplitHostPort(l.Addr().String())
		n, _ := strconv.Atoi(p)
		return uint16(n)
	}
}

func waitForInbox(t *testing.T, q *Inbox) [][]byte {
	t.Helper()
	var got [][]byte
	require.Eventually(t, func() bool {
		got = append(got, q.Drain()...)
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestUDPTransportLoopback(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run("compress="+strconv.FormatBool(compress), func(t *testing.T) {
			tr := NewUDPTransport(UDPTransportOptions{
				Resolver: StaticResolver{DefaultHost: "127.0.0.1"},
				BindHost: "127.0.0.1",
				Compress: compress,
			})
			defer tr.Close()

			a := Address{ID: 1, Port: freePort(t, "udp")}
			b := Address{ID: 2, Port: freePort(t, "udp")}
			ia, ib := NewInbox(a, 0), NewInbox(b, 0)
			require.NoError(t, tr.Listen(a, ia))
			require.NoError(t, tr.Listen(b, ib))

			msg := encode(t, &Message{Type: MsgJoinReq, From: a})
			require.NoError(t, tr.Send(context.Background(), a, b, msg))

			got := waitForInbox(t, ib)
			assert.Equal(t, msg, got[0])

			err := tr.Send(context.Background(), Address{ID: 5}, b, msg)
			assert.True(t, errors.Is(err, ErrUnknownPeer), "got %v", err)
		})
	}
}

func TestGRPCTransportLoopback(t *testing.T) {
	tr := NewGRPCTransport(GRPCTransportOptions{
		Resolver: StaticResolver{DefaultHost: "127.0.0.1"},
		BindHost: "127.0.0.1",
		Compress: true,
	})
	defer tr.Close()

	a := Address{ID: 1, Port: freePort(t, "tcp")}
	b := Address{ID: 2, Port: freePort(t, "tcp")}
	ib := NewInbox(b, 0)
	require.NoError(t, tr.Listen(a, NewInbox(a, 0)))
	require.NoError(t, tr.Listen(b, ib))

	msg := encode(t, &Message{
		Type:    MsgGossip,
		From:    a,
		Entries: []Entry{{ID: 1, Port: a.Port, Heartbeat: 3, Timestamp: 4}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, a, b, msg))

	got := waitForInbox(t, ib)
	assert.Equal(t, msg, got[0])
}

func TestGossipOverUDP(t *testing.T) {
	tr := NewUDPTransport(UDPTransportOptions{
		Resolver: StaticResolver{DefaultHost: "127.0.0.1"},
		BindHost: "127.0.0.1",
	})
	defer tr.Close()
	clk := NewManualClock(0)

	intro := Address{ID: 1, Port: freePort(t, "udp")}
	joiner := Address{ID: 2, Port: freePort(t, "udp")}

	var nodes []*Gossiper
	for _, self := range []Address{intro, joiner} {
		g, err := New(Config{Self: self, Introducer: intro, Transport: tr, Clock: clk})
		require.NoError(t, err)
		require.NoError(t, g.Start(context.Background()))
		nodes = append(nodes, g)
	}

	require.Eventually(t, func() bool {
		clk.Advance(1)
		for _, g := range nodes {
			g.Tick(context.Background())
		}
		return nodes[1].Admitted() && len(nodes[0].View()) == 2 && len(nodes[1].View()) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUDPRejectsOversizedDatagram(t *testing.T) {
	entries := make([]Entry, MaxUDPGroupSize+1)
	for i := range entries {
		entries[i] = Entry{ID: uint32(i + 1)}
	}
	full := encode(t, &Message{Type: MsgGossip, Entries: entries[:MaxUDPGroupSize]})
	assert.LessOrEqual(t, len(full), MaxUDPPayload)
	over := encode(t, &Message{Type: MsgGossip, Entries: entries})
	assert.Greater(t, len(over), MaxUDPPayload)

	tr := NewUDPTransport(UDPTransportOptions{
		Resolver: StaticResolver{DefaultHost: "127.0.0.1"},
		BindHost: "127.0.0.1",
	})
	defer tr.Close()
	a := Address{ID: 1, Port: freePort(t, "udp")}
	require.NoError(t, tr.Listen(a, NewInbox(a, 0)))

	err := tr.Send(context.Background(), a, Address{ID: 2, Port: freePort(t, "udp")}, over)
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
}

func TestGRPCSendDoesNotWaitForHungPeer(t *testing.T) {
	// accepts connections in the kernel but never speaks gRPC
	hung, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer hung.Close()
	_, p, _ := net.SplitHostPort(hung.Addr().String())
	hungPort, _ := strconv.Atoi(p)

	tr := NewGRPCTransport(GRPCTransportOptions{
		Resolver:    StaticResolver{DefaultHost: "127.0.0.1"},
		BindHost:    "127.0.0.1",
		SendTimeout: 200 * time.Millisecond,
		QueueSize:   2,
	})
	defer tr.Close()

	a := Address{ID: 1, Port: freePort(t, "tcp")}
	b := Address{ID: 2, Port: freePort(t, "tcp")}
	ib := NewInbox(b, 0)
	require.NoError(t, tr.Listen(b, ib))

	failures := telemetry.DeliveryFailures.WithLabelValues("grpc")
	before := testutil.ToFloat64(failures)

	msg := encode(t, &Message{Type: MsgJoinReq, From: a})
	start := time.Now()
	for i := 0; i < 5; i++ {
		err := tr.Send(context.Background(), a, Address{ID: 3, Port: uint16(hungPort)}, msg)
		if err != nil {
			assert.True(t, errors.Is(err, ErrSendQueueFull), "got %v", err)
		}
	}
	require.NoError(t, tr.Send(context.Background(), a, b, msg))
	assert.Less(t, time.Since(start), time.Second)

	got := waitForInbox(t, ib)
	assert.Equal(t, msg, got[0])

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(failures) > before
	}, 5*time.Second, 20*time.Millisecond)

	start = time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}
