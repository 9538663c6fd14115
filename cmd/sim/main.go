package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgossip/internal/sim"
	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

var opts struct {
	nodes         int
	introducer    uint32
	ticks         int
	startInterval int
	rejoinEvery   int
	dropRate      float64
	seed          int64
	failTimeout   int64
	removeTimeout int64
	groupLimits   bool
	fail          []uint
	failAt        int
	verbose       bool
}

var rootCmd = &cobra.Command{
	Use:   "zephyrsim",
	Short: "Run a gossip group over an emulated network and report the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSim(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&opts.nodes, "nodes", 10, "number of nodes in the group")
	f.Uint32Var(&opts.introducer, "introducer", 1, "id of the introducer")
	f.IntVar(&opts.ticks, "ticks", 100, "ticks to simulate")
	f.IntVar(&opts.startInterval, "start-interval", 1, "ticks between consecutive node starts")
	f.IntVar(&opts.rejoinEvery, "rejoin-every", 5, "ticks between join retries of unadmitted nodes, 0 disables")
	f.Float64Var(&opts.dropRate, "drop-rate", 0, "fraction of messages lost by the network")
	f.Int64Var(&opts.seed, "seed", 1, "seed for the network's drop decisions")
	f.Int64Var(&opts.failTimeout, "fail-timeout", gossip.DefaultFailTimeout, "admission bound in ticks")
	f.Int64Var(&opts.removeTimeout, "remove-timeout", gossip.DefaultRemoveTimeout, "eviction bound in ticks")
	f.BoolVar(&opts.groupLimits, "limits", true, "reject entries outside the group size or beyond the simulated ticks")
	f.UintSliceVar(&opts.fail, "fail", nil, "ids of nodes to crash")
	f.IntVar(&opts.failAt, "fail-at", 50, "tick at which the nodes in --fail crash")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log every protocol event")
}

func newLogger() *zap.Logger {
	if !opts.verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runSim(ctx context.Context) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if opts.introducer == 0 {
		opts.introducer = 1
	}

	var limits gossip.Limits
	if opts.groupLimits {
		limits = sim.RunLimits(opts.nodes, int64(opts.ticks), opts.removeTimeout)
	}

	s, err := sim.New(sim.Options{
		Nodes:         opts.nodes,
		Introducer:    opts.introducer,
		FailTimeout:   opts.failTimeout,
		RemoveTimeout: opts.removeTimeout,
		Limits:        limits,
		DropRate:      opts.dropRate,
		Seed:          opts.seed,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if err := s.Start(ctx, opts.introducer); err != nil {
		return err
	}
	pending := make([]uint32, 0, opts.nodes)
	for id := uint32(1); id <= uint32(opts.nodes); id++ {
		if id != opts.introducer {
			pending = append(pending, id)
		}
	}

	for tick := 1; tick <= opts.ticks && ctx.Err() == nil; tick++ {
		if len(pending) > 0 && (opts.startInterval <= 1 || tick%opts.startInterval == 0) {
			if err := s.Start(ctx, pending[0]); err != nil {
				logger.Warn("node failed to start", zap.Uint32("node", pending[0]), zap.Error(err))
			}
			pending = pending[1:]
		}
		if tick == opts.failAt {
			for _, id := range opts.fail {
				if err := s.Fail(uint32(id)); err != nil {
					return err
				}
			}
		}
		if opts.rejoinEvery > 0 && tick%opts.rejoinEvery == 0 {
			for id := uint32(1); id <= uint32(opts.nodes); id++ {
				_ = s.Node(id).Rejoin(ctx)
			}
		}
		s.Step(ctx)
	}

	out, err := json.MarshalIndent(s.Report(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
