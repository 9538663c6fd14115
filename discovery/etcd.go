// Package discovery publishes and finds the group introducer through etcd.
package discovery

import (
	"context"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// ErrNoIntroducer is returned when no introducer is published.
var ErrNoIntroducer = errors.New("no introducer published")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// IntroducerKey is where the introducer address lives under prefix.
func IntroducerKey(prefix string) string {
	return path.Join(prefix, "introducer")
}

// PublishIntroducer writes addr under a lease that is kept alive until the
// returned cancel func is called. The key disappears with the lease, so a
// crashed introducer stops being advertised after ttl seconds.
func PublishIntroducer(ctx context.Context, cli *clientv3.Client, prefix string, addr gossip.Address, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to grant lease")
	}

	_, err = cli.Put(ctx, IntroducerKey(prefix), addr.String(), clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to publish introducer")
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, errors.Wrap(err, "failed to keep lease alive")
	}
	go func() {
		// responses are unused
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// LookupIntroducer reads the published introducer address once.
func LookupIntroducer(ctx context.Context, cli *clientv3.Client, prefix string) (gossip.Address, error) {
	resp, err := cli.Get(ctx, IntroducerKey(prefix))
	if err != nil {
		return gossip.Address{}, errors.Wrap(err, "failed to read introducer")
	}
	if len(resp.Kvs) == 0 {
		return gossip.Address{}, ErrNoIntroducer
	}
	return gossip.ParseAddress(string(resp.Kvs[0].Value))
}

// ResolveIntroducer retries LookupIntroducer with exponential backoff until
// it succeeds, maxElapsed passes or ctx is done.
func ResolveIntroducer(ctx context.Context, cli *clientv3.Client, prefix string, maxElapsed time.Duration, logger *zap.Logger) (gossip.Address, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var addr gossip.Address
	err := backoff.RetryNotify(func() error {
		a, err := LookupIntroducer(ctx, cli, prefix)
		if err != nil {
			return err
		}
		addr = a
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Info("introducer not available yet", zap.Error(err), zap.Duration("retryIn", wait))
	})
	if err != nil {
		return gossip.Address{}, errors.Wrap(err, "failed to resolve introducer")
	}
	return addr, nil
}

// IntroducerUpdate is one change of the published introducer. Deleted is
// set when the key went away.
type IntroducerUpdate struct {
	Addr    gossip.Address
	Deleted bool
}

// WatchIntroducer streams changes of the introducer key until ctx is done.
// Values that do not parse as an address are skipped.
func WatchIntroducer(ctx context.Context, cli *clientv3.Client, prefix string, logger *zap.Logger) <-chan IntroducerUpdate {
	out := make(chan IntroducerUpdate, 1)
	wch := cli.Watch(ctx, IntroducerKey(prefix))

	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				logger.Warn("introducer watch failed", zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				var upd IntroducerUpdate
				switch ev.Type {
				case mvccpb.DELETE:
					upd.Deleted = true
				case mvccpb.PUT:
					a, err := gossip.ParseAddress(string(ev.Kv.Value))
					if err != nil {
						logger.Warn("ignoring malformed introducer", zap.ByteString("value", ev.Kv.Value), zap.Error(err))
						continue
					}
					upd.Addr = a
				}

				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
