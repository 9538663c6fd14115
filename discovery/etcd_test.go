package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

func TestIntroducerKey(t *testing.T) {
	assert.Equal(t, "/zephyr/introducer", IntroducerKey("/zephyr"))
	assert.Equal(t, "/zephyr/introducer", IntroducerKey("/zephyr/"))
}

// testClient connects to the etcd named by ZEPHYR_TEST_ETCD, skipping the
// test when none is reachable.
func testClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := os.Getenv("ZEPHYR_TEST_ETCD")
	if endpoints == "" {
		t.Skip("ZEPHYR_TEST_ETCD not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "health"); err != nil {
		t.Skipf("etcd not reachable: %v", err)
	}
	return cli
}

func TestPublishAndResolveIntroducer(t *testing.T) {
	cli := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "/zephyr-test/" + t.Name()
	_, err := LookupIntroducer(ctx, cli, prefix)
	assert.ErrorIs(t, err, ErrNoIntroducer)

	updates := WatchIntroducer(ctx, cli, prefix, zap.NewNop())

	want := gossip.Address{ID: 1, Port: 7946}
	leaseID, stop, err := PublishIntroducer(ctx, cli, prefix, want, 5)
	require.NoError(t, err)
	defer stop()

	got, err := ResolveIntroducer(ctx, cli, prefix, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	select {
	case upd := <-updates:
		assert.Equal(t, IntroducerUpdate{Addr: want}, upd)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}

	_, err = cli.Revoke(ctx, leaseID)
	require.NoError(t, err)

	select {
	case upd := <-updates:
		assert.True(t, upd.Deleted)
	case <-ctx.Done():
		t.Fatal("no delete update")
	}
}

func TestResolveIntroducerGivesUp(t *testing.T) {
	cli := testClient(t)

	_, err := ResolveIntroducer(context.Background(), cli, "/zephyr-test/missing", 300*time.Millisecond, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoIntroducer)
}
