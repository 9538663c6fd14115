package config

import (
	"strconv"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

func TestParsePeerHosts(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[uint32]string
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  map[uint32]string{},
		},
		{
			name:  "single peer",
			input: "1=localhost",
			want:  map[uint32]string{1: "localhost"},
		},
		{
			name:  "multiple peers with spaces",
			input: " 1 = node-a , 2=node-b,3=10.0.0.3 ",
			want:  map[uint32]string{1: "node-a", 2: "node-b", 3: "10.0.0.3"},
		},
		{
			name:  "trailing comma",
			input: "1=a,",
			want:  map[uint32]string{1: "a"},
		},
		{name: "missing equals", input: "1", wantErr: true},
		{name: "empty host", input: "1=", wantErr: true},
		{name: "non numeric id", input: "a=host", wantErr: true},
		{name: "zero id", input: "0=host", wantErr: true},
		{name: "duplicate id", input: "1=a,1=b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeerHosts(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return FromViper(v)
}

func TestFromViperDefaults(t *testing.T) {
	c, err := load(t, "--introducer=1:7946")
	require.NoError(t, err)

	assert.Equal(t, gossip.Address{ID: 1, Port: 7946}, c.Self())
	assert.Equal(t, TransportUDP, c.Transport)
	assert.Equal(t, time.Second, c.Period)
	assert.Equal(t, int64(gossip.DefaultFailTimeout), c.FailTimeout)
	assert.Equal(t, int64(gossip.DefaultRemoveTimeout), c.RemoveTimeout)
	assert.Equal(t, gossip.Limits{}, c.Limits())
	assert.Empty(t, c.EtcdEndpoints)
}

func TestFromViperFlags(t *testing.T) {
	c, err := load(t,
		"--node-id=3",
		"--port=8000",
		"--transport=GRPC",
		"--peer-hosts=1=a,2=b",
		"--group-size=10",
		"--max-heartbeat=10000",
		"--max-timestamp=100000000000",
		"--etcd-endpoints=http://e1:2379, http://e2:2379",
	)
	require.NoError(t, err)

	assert.Equal(t, gossip.Address{ID: 3, Port: 8000}, c.Self())
	assert.Equal(t, TransportGRPC, c.Transport)
	assert.Equal(t, gossip.Limits{MaxHeartbeat: 10000, MaxTimestamp: 100000000000, GroupSize: 10}, c.Limits())
	assert.Equal(t, []string{"http://e1:2379", "http://e2:2379"}, c.EtcdEndpoints)

	host, err := c.Resolver().Resolve(gossip.Address{ID: 2, Port: 8000})
	require.NoError(t, err)
	assert.Equal(t, "b:8000", host)
}

func TestFromViperEnv(t *testing.T) {
	t.Setenv("ZEPHYR_NODE_ID", "4")
	t.Setenv("ZEPHYR_INTRODUCER", "1:9000")
	t.Setenv("ZEPHYR_REMOVE_TIMEOUT", "30")

	c, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.NodeID)
	assert.Equal(t, "1:9000", c.Introducer)
	assert.Equal(t, int64(30), c.RemoveTimeout)
}

func TestBootstrapNeedsNoIntroducer(t *testing.T) {
	c, err := load(t, "--bootstrap")
	require.NoError(t, err)
	assert.True(t, c.Bootstrap)
	assert.Empty(t, c.Introducer)
}

func TestValidate(t *testing.T) {
	cases := map[string][]string{
		"zero node id":          {"--introducer=1:0", "--node-id=0"},
		"unknown transport":     {"--introducer=1:0", "--transport=tcp"},
		"zero period":           {"--introducer=1:0", "--period=0s"},
		"remove below fail":     {"--introducer=1:0", "--fail-timeout=10", "--remove-timeout=5"},
		"node outside group":    {"--introducer=1:0", "--node-id=5", "--group-size=4"},
		"no introducer source":  {},
		"bad introducer":        {"--introducer=one"},
		"bootstrap and intro":   {"--introducer=1:0", "--bootstrap"},
		"bad log level":         {"--introducer=1:0", "--log-level=loud"},
		"bad peer hosts":        {"--introducer=1:0", "--peer-hosts=x"},
		"max timestamp passed":  {"--introducer=1:0", "--max-timestamp=10000"},
		"group too big for udp": {"--introducer=1:0", "--group-size=5000"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestGroupSizeLimitOnlyAppliesToUDP(t *testing.T) {
	c, err := load(t, "--introducer=1:0", "--transport=grpc", "--group-size=5000")
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), c.GroupSize)

	_, err = load(t, "--introducer=1:0", "--group-size="+strconv.Itoa(gossip.MaxUDPGroupSize))
	assert.NoError(t, err)
}
