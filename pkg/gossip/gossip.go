package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

// Config wires a Gossiper to its collaborators. FailTimeout and
// RemoveTimeout are in clock ticks.
type Config struct {
	Self       Address
	Introducer Address

	FailTimeout   int64
	RemoveTimeout int64
	Limits        Limits

	// InboxSize bounds the inbound queue; zero means DefaultInboxSize.
	InboxSize int
	// SendTimeout bounds every Transport.Send call. Zero leaves the
	// caller's context as is.
	SendTimeout time.Duration

	Transport Transport
	Clock     Clock
	Events    EventLogger
	Logger    *zap.Logger
}

const (
	DefaultFailTimeout   = 5
	DefaultRemoveTimeout = 20
)

func (c *Config) setDefaults() {
	if c.FailTimeout == 0 {
		c.FailTimeout = DefaultFailTimeout
	}
	if c.RemoveTimeout == 0 {
		c.RemoveTimeout = DefaultRemoveTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = EventLoggers(nil)
	}
}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	switch {
	case c.Self.ID == 0:
		return errors.Wrap(ErrInvalidConfig, "self address must have a non-zero id")
	case c.Introducer.ID == 0:
		return errors.Wrap(ErrInvalidConfig, "introducer address must have a non-zero id")
	case c.FailTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "fail timeout must be positive, got %d", c.FailTimeout)
	case c.RemoveTimeout < c.FailTimeout:
		return errors.Wrapf(ErrInvalidConfig, "remove timeout %d is below fail timeout %d", c.RemoveTimeout, c.FailTimeout)
	case c.Limits.GroupSize > 0 && c.Self.ID > c.Limits.GroupSize:
		return errors.Wrapf(ErrInvalidConfig, "self id %d outside group of %d", c.Self.ID, c.Limits.GroupSize)
	case c.Transport == nil:
		return errors.Wrap(ErrInvalidConfig, "transport is required")
	case c.Clock == nil:
		return errors.Wrap(ErrInvalidConfig, "clock is required")
	case c.SendTimeout < 0:
		return errors.Wrapf(ErrInvalidConfig, "send timeout must not be negative, got %s", c.SendTimeout)
	}
	return nil
}

// Gossiper runs the membership protocol for one node. All of its state is
// guarded by a single mutex, so the receive path and the periodic cycle
// never interleave.
type Gossiper struct {
	self        Address
	introducer  Address
	transport   Transport
	clock       Clock
	events      EventLogger
	logger      *zap.Logger
	inbox       *Inbox
	rules       MergeRules
	detector    TimeoutDetector
	sendTimeout time.Duration

	mu        sync.Mutex
	started   bool
	failed    bool
	admitted  bool
	heartbeat uint64
	members   *MemberList
}

// outbound is a message queued while the lock is held and sent after it is
// released.
type outbound struct {
	to      Address
	msgType MsgType
	payload []byte
}

func New(cfg Config) (*Gossiper, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	detector := TimeoutDetector{
		FailTimeout:   cfg.FailTimeout,
		RemoveTimeout: cfg.RemoveTimeout,
	}

	return &Gossiper{
		self:        cfg.Self,
		introducer:  cfg.Introducer,
		transport:   cfg.Transport,
		clock:       cfg.Clock,
		events:      cfg.Events,
		logger:      cfg.Logger.With(zap.Stringer("self", cfg.Self)),
		inbox:       NewInbox(cfg.Self, cfg.InboxSize),
		rules:       MergeRules{Limits: cfg.Limits, Detector: detector},
		detector:    detector,
		sendTimeout: cfg.SendTimeout,
	}, nil
}

func (g *Gossiper) Self() Address {
	return g.self
}

// IsIntroducer reports whether this node bootstraps the group.
func (g *Gossiper) IsIntroducer() bool {
	return g.self == g.introducer
}

// Inbox is the queue the transport delivers into.
func (g *Gossiper) Inbox() *Inbox {
	return g.inbox
}

// Start registers with the transport, seeds the membership list with the
// node's own entry and either bootstraps the group or asks the introducer
// to be let in. A failure to reach the introducer is a bootstrap failure.
func (g *Gossiper) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrStarted
	}

	if err := g.transport.Listen(g.self, g.inbox); err != nil {
		g.mu.Unlock()
		return errors.Wrap(ErrBootstrapFailure, err.Error())
	}

	now := g.clock.Now()
	g.started = true
	g.failed = false
	g.admitted = false
	g.heartbeat = 0
	g.members = NewMemberList(g.self, g.heartbeat, now)
	g.events.LogAdd(g.self, g.self)
	g.updateGaugeLocked()

	if g.IsIntroducer() {
		g.admitted = true
		g.mu.Unlock()
		g.logger.Info("starting up group")
		return nil
	}
	out, err := g.joinRequestLocked()
	g.mu.Unlock()
	if err != nil {
		return errors.Wrap(ErrBootstrapFailure, err.Error())
	}

	g.logger.Info("trying to join", zap.Stringer("introducer", g.introducer))
	if err := g.send(ctx, out); err != nil {
		return errors.Wrapf(ErrBootstrapFailure, "join request to %s: %s", g.introducer, err)
	}
	return nil
}

// Rejoin resends the join request if the node is still waiting to be
// admitted. The core never calls it on its own.
func (g *Gossiper) Rejoin(ctx context.Context) error {
	g.mu.Lock()
	if !g.started || g.failed || g.admitted {
		g.mu.Unlock()
		return nil
	}
	out, err := g.joinRequestLocked()
	g.mu.Unlock()
	if err != nil {
		return err
	}

	g.logger.Debug("resending join request", zap.Stringer("introducer", g.introducer))
	return g.send(ctx, out)
}

func (g *Gossiper) joinRequestLocked() (outbound, error) {
	payload, err := Encode(&Message{
		Type:      MsgJoinReq,
		From:      g.self,
		Heartbeat: g.heartbeat,
	})
	if err != nil {
		return outbound{}, errors.Wrap(err, "failed to encode join request")
	}
	return outbound{to: g.introducer, msgType: MsgJoinReq, payload: payload}, nil
}

// HandleMessage decodes and processes one inbound buffer. Errors describe
// why the message was dropped; none of them leave the list modified.
func (g *Gossiper) HandleMessage(ctx context.Context, b []byte) error {
	g.mu.Lock()
	out, err := g.handleLocked(b)
	g.mu.Unlock()

	g.sendAll(ctx, out)
	return err
}

func (g *Gossiper) handleLocked(b []byte) ([]outbound, error) {
	if !g.started || g.failed {
		return nil, nil
	}

	msg, err := Decode(b)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		return nil, err
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case MsgJoinReq:
		return g.handleJoinReqLocked(msg)
	case MsgJoinRep:
		if !g.admitted {
			g.admitted = true
			g.logger.Info("admitted to group", zap.Stringer("introducer", msg.From))
		}
		g.mergeLocked(msg.Entries)
		return nil, nil
	case MsgGossip:
		if !g.admitted {
			telemetry.MessagesIgnored.WithLabelValues("unadmitted").Inc()
			return nil, errors.Wrapf(ErrUnadmittedPeerAction, "gossip from %s", msg.From)
		}
		g.mergeLocked(msg.Entries)
		return nil, nil
	}
	return nil, nil
}

func (g *Gossiper) handleJoinReqLocked(msg *Message) ([]outbound, error) {
	if !g.IsIntroducer() {
		telemetry.MessagesIgnored.WithLabelValues("not_introducer").Inc()
		return nil, errors.Wrapf(ErrNotIntroducer, "join request from %s", msg.From)
	}
	if !g.admitted {
		telemetry.MessagesIgnored.WithLabelValues("unadmitted").Inc()
		return nil, errors.Wrapf(ErrUnadmittedPeerAction, "join request from %s", msg.From)
	}

	now := g.clock.Now()
	joiner := Entry{ID: msg.From.ID, Port: msg.From.Port, Heartbeat: msg.Heartbeat, Timestamp: now}
	if err := g.rules.Limits.Check(joiner); err != nil {
		telemetry.MergeRejected.Inc()
		return nil, errors.Wrapf(err, "join request from %s", msg.From)
	}

	if joiner.ID != g.self.ID && g.members.Add(joiner) {
		g.events.LogAdd(g.self, msg.From)
		g.updateGaugeLocked()
	}

	payload, err := Encode(&Message{
		Type:      MsgJoinRep,
		From:      g.self,
		Heartbeat: g.heartbeat,
		Entries:   g.members.All(),
	})
	if err != nil {
		return nil, err
	}
	return []outbound{{to: msg.From, msgType: MsgJoinRep, payload: payload}}, nil
}

func (g *Gossiper) mergeLocked(entries []Entry) {
	res := g.members.Merge(entries, g.clock.Now(), g.rules)
	for _, e := range res.Admitted {
		g.events.LogAdd(g.self, e.Addr())
	}
	if res.Rejected > 0 {
		telemetry.MergeRejected.Add(float64(res.Rejected))
		g.logger.Debug("rejected implausible entries", zap.Int("count", res.Rejected))
	}
	if len(res.Admitted) > 0 {
		g.updateGaugeLocked()
	}
}

// Tick runs one protocol round: handle everything in the inbox, then, once
// admitted, bump the heartbeat, evict stale peers and push the list to
// every remaining peer.
func (g *Gossiper) Tick(ctx context.Context) {
	g.mu.Lock()
	if !g.started || g.failed {
		g.mu.Unlock()
		return
	}

	var out []outbound
	for _, b := range g.inbox.Drain() {
		replies, err := g.handleLocked(b)
		if err != nil {
			g.logger.Debug("dropped message", zap.Error(err))
		}
		out = append(out, replies...)
	}

	if g.admitted {
		out = append(out, g.cycleLocked()...)
	}
	g.mu.Unlock()

	g.sendAll(ctx, out)
}

func (g *Gossiper) cycleLocked() []outbound {
	now := g.clock.Now()

	g.heartbeat++
	g.members.Touch(g.heartbeat, now)

	evicted := g.members.Evict(now, g.detector)
	for _, e := range evicted {
		g.logger.Info("evicting member",
			zap.Stringer("member", e.Addr()),
			zap.Uint64("heartbeat", e.Heartbeat),
			zap.Int64("lastRefresh", e.Timestamp),
			zap.Int64("now", now))
		g.events.LogRemove(g.self, e.Addr())
	}
	if len(evicted) > 0 {
		g.updateGaugeLocked()
	}

	peers := g.members.Peers()
	if len(peers) == 0 {
		return nil
	}

	payload, err := Encode(&Message{
		Type:      MsgGossip,
		From:      g.self,
		Heartbeat: g.heartbeat,
		Entries:   g.members.All(),
	})
	if err != nil {
		g.logger.Error("failed to encode gossip", zap.Error(err))
		return nil
	}

	out := make([]outbound, 0, len(peers))
	for _, p := range peers {
		out = append(out, outbound{to: p, msgType: MsgGossip, payload: payload})
	}
	return out
}

func (g *Gossiper) send(ctx context.Context, o outbound) error {
	if g.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.sendTimeout)
		defer cancel()
	}
	err := g.transport.Send(ctx, g.self, o.to, o.payload)
	if err != nil {
		telemetry.SendErrors.WithLabelValues(o.msgType.String()).Inc()
		return err
	}
	telemetry.MessagesSent.WithLabelValues(o.msgType.String()).Inc()
	return nil
}

func (g *Gossiper) sendAll(ctx context.Context, out []outbound) {
	for _, o := range out {
		if err := g.send(ctx, o); err != nil {
			g.logger.Debug("send failed",
				zap.Stringer("to", o.to),
				zap.Stringer("type", o.msgType),
				zap.Error(err))
		}
	}
}

func (g *Gossiper) updateGaugeLocked() {
	telemetry.Members.WithLabelValues(g.self.String()).Set(float64(g.members.Len()))
}

// Fail simulates a crash: the node stops processing messages and stops
// gossiping, so its peers eventually evict it.
func (g *Gossiper) Fail() {
	g.mu.Lock()
	g.failed = true
	g.mu.Unlock()
	g.logger.Info("node marked failed")
}

// Stop winds the node down. It leaves the group state behind and can not
// be restarted.
func (g *Gossiper) Stop() {
	g.mu.Lock()
	g.admitted = false
	g.failed = true
	g.mu.Unlock()
}

// Started reports whether Start got as far as registering with the
// transport.
func (g *Gossiper) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

func (g *Gossiper) Admitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitted
}

func (g *Gossiper) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}

func (g *Gossiper) Heartbeat() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heartbeat
}

// Members returns a snapshot of the membership list.
func (g *Gossiper) Members() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.members == nil {
		return nil
	}
	return g.members.All()
}

// View returns the addresses currently in the membership list.
func (g *Gossiper) View() []Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.members == nil {
		return nil
	}
	out := make([]Address, 0, g.members.Len())
	for _, e := range g.members.All() {
		out = append(out, e.Addr())
	}
	return out
}
