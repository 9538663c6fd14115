package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgossip/discovery"
	"github.com/ryandielhenn/zephyrgossip/internal/config"
	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
	"github.com/ryandielhenn/zephyrgossip/pkg/node"
)

// Set with -ldflags.
var (
	version = "dev"
	gitSHA  = "unknown"
)

// introducerLeaseTTL is how long, in seconds, a crashed introducer stays
// published in etcd.
const introducerLeaseTTL = 10

var configFlags = pflag.NewFlagSet("", pflag.ContinueOnError)

var rootCmd = &cobra.Command{
	Version: version,

	Use:   "zephyrgossip",
	Short: "A gossip-based group membership daemon",

	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.BindFlags(configFlags)
	rootCmd.Flags().AddFlagSet(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logLevel, logger
}

func runServer(ctx context.Context) error {
	logLevel, logger := getLogger()
	defer func() { _ = logger.Sync() }()

	v, err := config.NewViper(configFlags)
	if err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}

	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		logLevel.SetLevel(lvl)
	}
	logger.Info("parsed configuration", cfg.ZapFields()...)
	logger.Info("starting zephyrgossip", zap.String("version", version), zap.String("gitSHA", gitSHA))
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var etcd *clientv3.Client
	if len(cfg.EtcdEndpoints) > 0 {
		endpoints := node.NormalizeEndpoints(cfg.EtcdEndpoints, "2379")
		logger.Info("creating etcd client", zap.Strings("endpoints", endpoints))
		etcd, err = discovery.NewClient(endpoints)
		if err != nil {
			return errors.Wrap(err, "failed to create etcd client")
		}
		defer etcd.Close()
	}

	introducer, err := resolveIntroducer(ctx, cfg, etcd, logger)
	if err != nil {
		logger.Error("failed to find an introducer", zap.Error(err))
		return err
	}
	logger.Info("using introducer", zap.Stringer("introducer", introducer))

	if etcd != nil {
		if introducer == cfg.Self() {
			leaseID, cancel, err := discovery.PublishIntroducer(ctx, etcd, cfg.EtcdPrefix, introducer, introducerLeaseTTL)
			if err != nil {
				return err
			}
			defer func() {
				cancel()
				revokeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
				defer done()
				_, _ = etcd.Revoke(revokeCtx, leaseID)
			}()
			logger.Info("published introducer", zap.String("key", discovery.IntroducerKey(cfg.EtcdPrefix)))
		} else {
			go watchIntroducer(ctx, etcd, cfg, introducer, logger)
		}
	}

	transport, err := newTransport(cfg, logger.Named("transport"))
	if err != nil {
		return err
	}
	defer transport.Close()

	n, err := node.New(node.Config{
		Gossip: gossip.Config{
			Self:          cfg.Self(),
			Introducer:    introducer,
			FailTimeout:   cfg.FailTimeout,
			RemoveTimeout: cfg.RemoveTimeout,
			Limits:        cfg.Limits(),
			InboxSize:     cfg.InboxSize,
			Transport:     transport,
			Clock:         gossip.NewWallClock(cfg.Period),
			Events: gossip.EventLoggers{
				gossip.ZapEventLogger{Logger: logger.Named("membership")},
				gossip.MetricsEventLogger{},
			},
			Logger: logger.Named("gossip"),
		},
		Period:         cfg.Period,
		JoinTimeout:    cfg.JoinTimeout,
		JoinMaxElapsed: cfg.JoinMaxElapsed,
		Logger:         logger.Named("node"),
	})
	if err != nil {
		return err
	}

	webServer := &http.Server{
		Addr:         cfg.WebAddr,
		Handler:      n.Handler(&logLevel),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("web server listening", zap.String("address", cfg.WebAddr))
		if err := webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to listen and serve web server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = webServer.Shutdown(shutdownCtx)
	}()

	if err := n.Run(ctx); err != nil {
		logger.Error("node exited", zap.Error(err))
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

func resolveIntroducer(ctx context.Context, cfg *config.Config, etcd *clientv3.Client, logger *zap.Logger) (gossip.Address, error) {
	switch {
	case cfg.Bootstrap:
		return cfg.Self(), nil
	case cfg.Introducer != "":
		return gossip.ParseAddress(cfg.Introducer)
	default:
		return discovery.ResolveIntroducer(ctx, etcd, cfg.EtcdPrefix, cfg.JoinMaxElapsed, logger)
	}
}

// watchIntroducer logs when the published introducer changes. A running
// node keeps the introducer it joined through.
func watchIntroducer(ctx context.Context, etcd *clientv3.Client, cfg *config.Config, current gossip.Address, logger *zap.Logger) {
	for upd := range discovery.WatchIntroducer(ctx, etcd, cfg.EtcdPrefix, logger) {
		switch {
		case upd.Deleted:
			logger.Warn("introducer is no longer published", zap.Stringer("introducer", current))
		case upd.Addr != current:
			logger.Info("introducer changed",
				zap.Stringer("old", current),
				zap.Stringer("new", upd.Addr))
		}
	}
}

func newTransport(cfg *config.Config, logger *zap.Logger) (gossip.Transport, error) {
	switch cfg.Transport {
	case config.TransportUDP:
		return gossip.NewUDPTransport(gossip.UDPTransportOptions{
			Resolver: cfg.Resolver(),
			BindHost: cfg.BindHost,
			Compress: cfg.Compress,
			Logger:   logger,
		}), nil
	case config.TransportGRPC:
		return gossip.NewGRPCTransport(gossip.GRPCTransportOptions{
			Resolver:    cfg.Resolver(),
			BindHost:    cfg.BindHost,
			Compress:    cfg.Compress,
			SendTimeout: cfg.Period,
			Logger:      logger,
		}), nil
	}
	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
