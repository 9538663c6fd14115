package gossip

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

// Transport moves opaque byte buffers between nodes. Delivery may drop,
// duplicate, delay or reorder; the protocol tolerates all of it.
type Transport interface {
	// Listen starts delivering buffers addressed to self into inbox.
	Listen(self Address, inbox *Inbox) error
	Send(ctx context.Context, from, to Address, payload []byte) error
	Close() error
}

// DefaultInboxSize bounds how many buffers a node queues between ticks.
const DefaultInboxSize = 4096

// Inbox is a node's inbound queue. Transports push from any goroutine; the
// owning node drains it once per tick. When full, new buffers are dropped.
type Inbox struct {
	mu    sync.Mutex
	owner string
	limit int
	queue [][]byte
}

func NewInbox(owner Address, limit int) *Inbox {
	if limit <= 0 {
		limit = DefaultInboxSize
	}
	return &Inbox{owner: owner.String(), limit: limit}
}

// Deliver enqueues b and reports whether it was accepted. The inbox keeps
// b; callers must not reuse it.
func (q *Inbox) Deliver(b []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) >= q.limit {
		telemetry.InboxDropped.WithLabelValues(q.owner).Inc()
		return false
	}
	q.queue = append(q.queue, b)
	return true
}

// Drain removes and returns everything queued, oldest first.
func (q *Inbox) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ChannelTransport is an in-process network. Each Send copies the payload
// straight into the receiver's inbox, unless the seeded drop roll says the
// packet is lost.
type ChannelTransport struct {
	mu       sync.Mutex
	inboxes  map[Address]*Inbox
	dropRate float64
	rng      *rand.Rand
	closed   bool
	stats    map[Address]*LinkStats
}

// LinkStats counts traffic for one node on a ChannelTransport.
type LinkStats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Dropped  int `json:"dropped"`
}

func NewChannelTransport(dropRate float64, seed int64) *ChannelTransport {
	return &ChannelTransport{
		inboxes:  make(map[Address]*Inbox),
		dropRate: dropRate,
		rng:      rand.New(rand.NewSource(seed)),
		stats:    make(map[Address]*LinkStats),
	}
}

var _ Transport = (*ChannelTransport)(nil)

func (t *ChannelTransport) Listen(self Address, inbox *Inbox) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.inboxes[self] = inbox
	return nil
}

// Disconnect removes self from the network; later sends to it fail.
func (t *ChannelTransport) Disconnect(self Address) {
	t.mu.Lock()
	delete(t.inboxes, self)
	t.mu.Unlock()
}

func (t *ChannelTransport) Send(ctx context.Context, from, to Address, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	inbox, ok := t.inboxes[to]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrUnknownPeer, "no listener for %s", to)
	}
	t.statsLocked(from).Sent++
	if t.dropRate > 0 && t.rng.Float64() < t.dropRate {
		t.statsLocked(to).Dropped++
		t.mu.Unlock()
		return nil
	}
	t.statsLocked(to).Received++
	t.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	inbox.Deliver(buf)
	return nil
}

func (t *ChannelTransport) statsLocked(a Address) *LinkStats {
	s, ok := t.stats[a]
	if !ok {
		s = &LinkStats{}
		t.stats[a] = s
	}
	return s
}

// Stats returns a copy of the counters for a.
func (t *ChannelTransport) Stats(a Address) LinkStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[a]; ok {
		return *s
	}
	return LinkStats{}
}

func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	clear(t.inboxes)
	t.mu.Unlock()
	return nil
}

// Resolver maps a member address onto a dialable host:port.
type Resolver interface {
	Resolve(a Address) (string, error)
}

// StaticResolver takes the port from the address and the host from Hosts,
// falling back to DefaultHost.
type StaticResolver struct {
	DefaultHost string
	Hosts       map[uint32]string
}

func (r StaticResolver) Resolve(a Address) (string, error) {
	host, ok := r.Hosts[a.ID]
	if !ok {
		host = r.DefaultHost
	}
	if host == "" {
		return "", errors.Wrapf(ErrUnknownPeer, "no host for %s", a)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port))), nil
}

// Frame compression shared by the network transports.

func encodeFrame(payload []byte, compress bool) []byte {
	if !compress {
		return payload
	}
	return snappy.Encode(nil, payload)
}

func decodeFrame(frame []byte, compress bool) ([]byte, error) {
	if !compress {
		return frame, nil
	}
	out, err := snappy.Decode(nil, frame)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptMessage, err.Error())
	}
	return out, nil
}
