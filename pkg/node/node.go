package node

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// Config configures a Node. Gossip is handed to gossip.New; its
// SendTimeout defaults to Period.
type Config struct {
	Gossip gossip.Config

	// Period is the wall time between ticks.
	Period time.Duration
	// JoinTimeout is how long to wait for a join reply before resending
	// the request; later waits grow exponentially.
	JoinTimeout time.Duration
	// JoinMaxElapsed bounds the whole join attempt. Zero retries forever.
	JoinMaxElapsed time.Duration

	Logger *zap.Logger
}

// Node drives a Gossiper off a ticker and exposes it over HTTP.
type Node struct {
	g         *gossip.Gossiper
	period    time.Duration
	join      func() backoff.BackOff
	logger    *zap.Logger
	runID     string
	startedAt time.Time
}

func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * cfg.Period
	}
	if cfg.Gossip.SendTimeout == 0 {
		cfg.Gossip.SendTimeout = cfg.Period
	}
	if cfg.Gossip.Logger == nil {
		cfg.Gossip.Logger = cfg.Logger.Named("gossip")
	}

	g, err := gossip.New(cfg.Gossip)
	if err != nil {
		return nil, err
	}

	joinTimeout, maxElapsed := cfg.JoinTimeout, cfg.JoinMaxElapsed
	runID := uuid.NewString()
	return &Node{
		g:      g,
		period: cfg.Period,
		join: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = joinTimeout
			b.MaxElapsedTime = maxElapsed
			b.Reset()
			return b
		},
		logger:    cfg.Logger.With(zap.String("runID", runID)),
		runID:     runID,
		startedAt: time.Now(),
	}, nil
}

func (n *Node) Gossiper() *gossip.Gossiper {
	return n.g
}

func (n *Node) RunID() string {
	return n.runID
}

// Run starts the gossiper and ticks it every period until ctx is done. A
// node that is not admitted resends its join request on an exponential
// backoff; once the backoff gives up Run returns an error wrapping
// gossip.ErrBootstrapFailure.
func (n *Node) Run(ctx context.Context) error {
	start := time.Now()

	if err := n.g.Start(ctx); err != nil {
		if !n.g.Started() {
			return err
		}
		n.logger.Warn("join request failed, will retry", zap.Error(err))
	}

	b := n.join()
	nextJoin := time.Now().Add(b.NextBackOff())

	ticker := time.NewTicker(n.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.g.Stop()
			n.logger.Info("node stopped", zap.Uint64("heartbeat", n.g.Heartbeat()))
			return nil
		case now := <-ticker.C:
			n.g.Tick(ctx)

			if n.g.Admitted() || now.Before(nextJoin) {
				continue
			}

			wait := b.NextBackOff()
			if wait == backoff.Stop {
				n.g.Stop()
				return errors.Wrapf(gossip.ErrBootstrapFailure, "not admitted after %s", time.Since(start).Round(time.Millisecond))
			}
			if err := n.g.Rejoin(ctx); err != nil {
				n.logger.Warn("join request failed", zap.Error(err))
			}
			nextJoin = now.Add(wait)
		}
	}
}
