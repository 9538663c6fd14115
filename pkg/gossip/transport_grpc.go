package gossip

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

const deliverMethod = "/zephyrgossip.Transport/Deliver"

// grpcDeliverer is the handler type registered for the transport service.
type grpcDeliverer interface {
	deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(grpcDeliverer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(grpcDeliverer).deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "zephyrgossip.Transport",
	HandlerType: (*grpcDeliverer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zephyrgossip/transport",
}

type grpcEndpoint struct {
	inbox    *Inbox
	compress bool
}

func (e *grpcEndpoint) deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	payload, err := decodeFrame(in.GetValue(), e.compress)
	if err != nil {
		return nil, err
	}
	e.inbox.Deliver(payload)
	return &emptypb.Empty{}, nil
}

const (
	// DefaultSendTimeout bounds one delivery attempt to a peer.
	DefaultSendTimeout = time.Second
	// DefaultSendQueueSize is how many frames may wait per peer.
	DefaultSendQueueSize = 64
)

type GRPCTransportOptions struct {
	Resolver Resolver
	BindHost string
	Compress bool
	// SendTimeout bounds each delivery call; zero means DefaultSendTimeout.
	SendTimeout time.Duration
	// QueueSize bounds the frames queued per peer; zero means
	// DefaultSendQueueSize.
	QueueSize int
	Logger    *zap.Logger
}

// GRPCTransport carries each message as one unary call. It suits
// deployments where UDP is filtered or where connection reuse matters more
// than datagram semantics.
//
// Send only queues the frame. Every peer has its own delivery goroutine,
// so a peer that accepts connections but never answers delays nothing but
// its own frames.
type GRPCTransport struct {
	resolver    Resolver
	bindHost    string
	compress    bool
	sendTimeout time.Duration
	queueSize   int
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[Address]*grpc.Server
	peers   map[string]*grpcPeer
	wg      sync.WaitGroup
	closed  bool
}

// grpcPeer is the outbound side of one target.
type grpcPeer struct {
	target string
	cc     *grpc.ClientConn
	frames chan []byte
}

var _ Transport = (*GRPCTransport)(nil)

func NewGRPCTransport(opts GRPCTransportOptions) *GRPCTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultSendQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCTransport{
		resolver:    opts.Resolver,
		bindHost:    opts.BindHost,
		compress:    opts.Compress,
		sendTimeout: opts.SendTimeout,
		queueSize:   opts.QueueSize,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		servers:     make(map[Address]*grpc.Server),
		peers:       make(map[string]*grpcPeer),
	}
}

func (t *GRPCTransport) Listen(self Address, inbox *Inbox) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.servers[self]; ok {
		return errors.Errorf("already listening as %s", self)
	}

	bindAddr := net.JoinHostPort(t.bindHost, strconv.Itoa(int(self.Port)))
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", bindAddr)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&transportServiceDesc, &grpcEndpoint{inbox: inbox, compress: t.compress})
	t.servers[self] = srv

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(lis); err != nil {
			t.logger.Warn("grpc transport stopped serving", zap.Stringer("self", self), zap.Error(err))
		}
	}()

	t.logger.Info("grpc transport listening",
		zap.Stringer("self", self),
		zap.String("bindAddr", lis.Addr().String()))
	return nil
}

// peerLocked returns the queue for target, dialing it and starting its
// delivery goroutine on first use.
func (t *GRPCTransport) peerLocked(target string) (*grpcPeer, error) {
	if p, ok := t.peers[target]; ok {
		return p, nil
	}

	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", target)
	}
	p := &grpcPeer{target: target, cc: cc, frames: make(chan []byte, t.queueSize)}
	t.peers[target] = p

	t.wg.Add(1)
	go t.deliverLoop(p)
	return p, nil
}

func (t *GRPCTransport) deliverLoop(p *grpcPeer) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-p.frames:
			ctx, cancel := context.WithTimeout(t.ctx, t.sendTimeout)
			err := p.cc.Invoke(ctx, deliverMethod, &wrapperspb.BytesValue{Value: frame}, new(emptypb.Empty))
			cancel()
			if err != nil {
				telemetry.DeliveryFailures.WithLabelValues("grpc").Inc()
				t.logger.Debug("grpc delivery failed", zap.String("target", p.target), zap.Error(err))
			}
		}
	}
}

// Send queues payload for delivery to `to` and returns without waiting for
// the peer. A full queue drops the frame and returns ErrSendQueueFull.
func (t *GRPCTransport) Send(ctx context.Context, from, to Address, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}
	// the frame outlives this call
	frame := encodeFrame(append([]byte(nil), payload...), t.compress)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	p, err := t.peerLocked(target)
	if err != nil {
		return err
	}

	select {
	case p.frames <- frame:
		return nil
	default:
		return errors.Wrapf(ErrSendQueueFull, "%s->%s", from, to)
	}
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	servers := t.servers
	peers := t.peers
	t.servers = nil
	t.peers = nil
	t.mu.Unlock()

	t.cancel()
	for _, srv := range servers {
		srv.Stop()
	}
	t.wg.Wait()

	var firstErr error
	for target, p := range peers {
		if err := p.cc.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close client for %s", target)
		}
	}
	return firstErr
}
