package gossip

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// maxDatagram is the read buffer size.
	maxDatagram = 64 * 1024

	// MaxUDPPayload is the largest datagram IPv4 can carry.
	MaxUDPPayload = 65507

	// MaxUDPGroupSize is the largest membership list whose uncompressed
	// gossip message still fits in one datagram.
	MaxUDPGroupSize = (MaxUDPPayload - headerSize - countSize) / EntrySize
)

type UDPTransportOptions struct {
	Resolver Resolver
	// BindHost is the local interface to listen on; empty means all.
	BindHost string
	Compress bool
	Logger   *zap.Logger
}

// UDPTransport sends every message as a single datagram from the sending
// node's own socket.
type UDPTransport struct {
	resolver Resolver
	bindHost string
	compress bool
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[Address]net.PacketConn
	wg     sync.WaitGroup
	closed bool
}

var _ Transport = (*UDPTransport)(nil)

func NewUDPTransport(opts UDPTransportOptions) *UDPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPTransport{
		resolver: opts.Resolver,
		bindHost: opts.BindHost,
		compress: opts.Compress,
		logger:   logger,
		conns:    make(map[Address]net.PacketConn),
	}
}

func (t *UDPTransport) Listen(self Address, inbox *Inbox) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.conns[self]; ok {
		return errors.Errorf("already listening as %s", self)
	}

	bindAddr := net.JoinHostPort(t.bindHost, strconv.Itoa(int(self.Port)))
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", bindAddr)
	}
	t.conns[self] = conn

	t.wg.Add(1)
	go t.readLoop(conn, inbox)

	t.logger.Info("udp transport listening",
		zap.Stringer("self", self),
		zap.String("bindAddr", conn.LocalAddr().String()))
	return nil
}

func (t *UDPTransport) readLoop(conn net.PacketConn, inbox *Inbox) {
	defer t.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("udp read failed", zap.Error(err))
			continue
		}

		payload, err := decodeFrame(append([]byte(nil), buf[:n]...), t.compress)
		if err != nil {
			t.logger.Debug("dropping undecodable datagram",
				zap.Stringer("from", from),
				zap.Error(err))
			continue
		}
		inbox.Deliver(payload)
	}
}

func (t *UDPTransport) Send(ctx context.Context, from, to Address, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	conn, ok := t.conns[from]
	t.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "no socket for sender %s", from)
	}

	target, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve %s", target)
	}

	frame := encodeFrame(payload, t.compress)
	if len(frame) > MaxUDPPayload {
		t.logger.Warn("message does not fit in a datagram",
			zap.Stringer("to", to),
			zap.Int("size", len(frame)),
			zap.Int("maxGroupSize", MaxUDPGroupSize))
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes to %s", len(frame), to)
	}

	_, err = conn.WriteTo(frame, udpAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to send to %s", to)
	}
	return nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var firstErr error
	for self, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close socket for %s", self)
		}
	}
	clear(t.conns)
	t.mu.Unlock()

	t.wg.Wait()
	return firstErr
}
