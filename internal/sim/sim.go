// Package sim runs a whole group in one process over an emulated network
// and a shared manual clock.
package sim

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

type Options struct {
	Nodes int
	// Introducer is the id every node joins through; zero means 1.
	Introducer uint32

	FailTimeout   int64
	RemoveTimeout int64
	Limits        gossip.Limits

	// DropRate is the fraction of messages the network loses.
	DropRate float64
	Seed     int64

	Logger *zap.Logger
}

// RunLimits returns a sanity filter for a run of the given length. No
// heartbeat or timestamp in a run of ticks steps exceeds ticks, so the
// bounds only reject forged entries. removeTimeout is added as headroom
// for a few extra steps after the run.
func RunLimits(nodes int, ticks, removeTimeout int64) gossip.Limits {
	bound := ticks + removeTimeout
	return gossip.Limits{
		MaxHeartbeat: uint64(bound),
		MaxTimestamp: bound,
		GroupSize:    uint32(nodes),
	}
}

// Simulation owns every node of one emulated group. It is driven from a
// single goroutine.
type Simulation struct {
	transport *gossip.ChannelTransport
	clock     *gossip.ManualClock
	events    *gossip.EventRecorder
	logger    *zap.Logger
	nodes     []*gossip.Gossiper
	started   []bool
}

func New(opts Options) (*Simulation, error) {
	if opts.Nodes <= 0 {
		return nil, errors.Errorf("need at least one node, got %d", opts.Nodes)
	}
	if opts.Introducer == 0 {
		opts.Introducer = 1
	}
	if int(opts.Introducer) > opts.Nodes {
		return nil, errors.Errorf("introducer %d outside group of %d", opts.Introducer, opts.Nodes)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Simulation{
		transport: gossip.NewChannelTransport(opts.DropRate, opts.Seed),
		clock:     gossip.NewManualClock(0),
		events:    &gossip.EventRecorder{},
		logger:    opts.Logger,
		started:   make([]bool, opts.Nodes),
	}

	events := gossip.EventLoggers{
		s.events,
		gossip.MetricsEventLogger{},
		gossip.ZapEventLogger{Logger: opts.Logger.Named("events")},
	}

	for i := 1; i <= opts.Nodes; i++ {
		g, err := gossip.New(gossip.Config{
			Self:          gossip.Address{ID: uint32(i)},
			Introducer:    gossip.Address{ID: opts.Introducer},
			FailTimeout:   opts.FailTimeout,
			RemoveTimeout: opts.RemoveTimeout,
			Limits:        opts.Limits,
			Transport:     s.transport,
			Clock:         s.clock,
			Events:        events,
			Logger:        opts.Logger.Named("gossip"),
		})
		if err != nil {
			return nil, err
		}
		s.nodes = append(s.nodes, g)
	}

	return s, nil
}

// Node returns the gossiper with the given id, or nil.
func (s *Simulation) Node(id uint32) *gossip.Gossiper {
	if id == 0 || int(id) > len(s.nodes) {
		return nil
	}
	return s.nodes[id-1]
}

func (s *Simulation) Now() int64 {
	return s.clock.Now()
}

func (s *Simulation) Events() *gossip.EventRecorder {
	return s.events
}

// Start brings node id up. The introducer should be started first.
func (s *Simulation) Start(ctx context.Context, id uint32) error {
	g := s.Node(id)
	if g == nil {
		return errors.Wrapf(gossip.ErrUnknownPeer, "no node %d", id)
	}
	if err := g.Start(ctx); err != nil {
		return err
	}
	s.started[id-1] = true
	return nil
}

// StartAll starts the introducer and then every other node in id order.
func (s *Simulation) StartAll(ctx context.Context) error {
	intro := s.nodes[0]
	for _, g := range s.nodes {
		if g.IsIntroducer() {
			intro = g
		}
	}
	if err := s.Start(ctx, intro.Self().ID); err != nil {
		return err
	}
	for _, g := range s.nodes {
		if g == intro {
			continue
		}
		if err := s.Start(ctx, g.Self().ID); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the clock one tick and ticks every started node in id
// order.
func (s *Simulation) Step(ctx context.Context) {
	s.clock.Advance(1)
	for i, g := range s.nodes {
		if s.started[i] {
			g.Tick(ctx)
		}
	}
}

// Run steps n times or until ctx is done.
func (s *Simulation) Run(ctx context.Context, n int) {
	for i := 0; i < n && ctx.Err() == nil; i++ {
		s.Step(ctx)
	}
}

// RunUntilConverged steps until Converged holds, at most max times. It
// returns how many steps it took.
func (s *Simulation) RunUntilConverged(ctx context.Context, max int) (int, bool) {
	for i := 0; i < max; i++ {
		if s.Converged() {
			return i, true
		}
		if ctx.Err() != nil {
			return i, false
		}
		s.Step(ctx)
	}
	return max, s.Converged()
}

// Fail crashes node id and takes it off the network.
func (s *Simulation) Fail(id uint32) error {
	g := s.Node(id)
	if g == nil {
		return errors.Wrapf(gossip.ErrUnknownPeer, "no node %d", id)
	}
	g.Fail()
	s.transport.Disconnect(g.Self())
	s.logger.Info("failed node", zap.Stringer("node", g.Self()), zap.Int64("tick", s.clock.Now()))
	return nil
}

func (s *Simulation) live() []*gossip.Gossiper {
	var out []*gossip.Gossiper
	for i, g := range s.nodes {
		if s.started[i] && !g.Failed() {
			out = append(out, g)
		}
	}
	return out
}

// Converged reports whether every live node is admitted and lists exactly
// the live nodes.
func (s *Simulation) Converged() bool {
	live := s.live()
	want := make(map[gossip.Address]bool, len(live))
	for _, g := range live {
		want[g.Self()] = true
	}

	for _, g := range live {
		if !g.Admitted() {
			return false
		}
		view := g.View()
		if len(view) != len(want) {
			return false
		}
		for _, a := range view {
			if !want[a] {
				return false
			}
		}
	}
	return true
}

type NodeReport struct {
	Self      string           `json:"self"`
	Admitted  bool             `json:"admitted"`
	Failed    bool             `json:"failed"`
	Heartbeat uint64           `json:"heartbeat"`
	View      []string         `json:"view"`
	Link      gossip.LinkStats `json:"link"`
}

type Report struct {
	Tick      int64        `json:"tick"`
	Converged bool         `json:"converged"`
	Adds      int          `json:"adds"`
	Removes   int          `json:"removes"`
	Nodes     []NodeReport `json:"nodes"`
}

// Report summarises the current state of every node.
func (s *Simulation) Report() Report {
	r := Report{Tick: s.clock.Now(), Converged: s.Converged()}

	for _, e := range s.events.Events() {
		if e.Kind == gossip.EventAdd {
			r.Adds++
		} else {
			r.Removes++
		}
	}

	for _, g := range s.nodes {
		view := make([]string, 0)
		for _, a := range g.View() {
			view = append(view, a.String())
		}
		sort.Strings(view)
		r.Nodes = append(r.Nodes, NodeReport{
			Self:      g.Self().String(),
			Admitted:  g.Admitted(),
			Failed:    g.Failed(),
			Heartbeat: g.Heartbeat(),
			View:      view,
			Link:      s.transport.Stats(g.Self()),
		})
	}
	return r
}
