package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

const (
	TransportUDP  = "udp"
	TransportGRPC = "grpc"

	EnvPrefix = "zephyr"
)

// Config holds the daemon configuration.
type Config struct {
	NodeID   uint32
	Port     uint16
	BindHost string

	// Introducer is empty when it should be looked up in etcd.
	Introducer string
	// Bootstrap makes this node the introducer.
	Bootstrap bool

	Transport   string
	DefaultHost string
	PeerHosts   map[uint32]string
	Compress    bool
	InboxSize   int

	Period        time.Duration
	FailTimeout   int64
	RemoveTimeout int64
	GroupSize     uint32
	MaxHeartbeat  uint64
	MaxTimestamp  int64

	JoinTimeout    time.Duration
	JoinMaxElapsed time.Duration

	WebAddr  string
	LogLevel string

	EtcdEndpoints []string
	EtcdPrefix    string
}

// BindFlags registers every configuration flag on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.Uint32("node-id", 1, "this node's member id (1 is the usual introducer)")
	fs.Uint16("port", 7946, "the gossip port")
	fs.String("bind-host", "0.0.0.0", "the local address the transport binds to")
	fs.String("introducer", "", "introducer address as id:port; looked up in etcd when empty")
	fs.Bool("bootstrap", false, "start a new group with this node as the introducer")
	fs.String("transport", TransportUDP, "the transport to use: udp or grpc")
	fs.String("default-host", "127.0.0.1", "host used for peers missing from peer-hosts")
	fs.String("peer-hosts", "", "comma separated id=host pairs")
	fs.Bool("compress", false, "snappy-compress transport frames")
	fs.Int("inbox-size", gossip.DefaultInboxSize, "inbound messages queued between ticks")
	fs.Duration("period", time.Second, "gossip period, also the length of one tick")
	fs.Int64("fail-timeout", gossip.DefaultFailTimeout, "ticks after which an unknown entry is too stale to admit")
	fs.Int64("remove-timeout", gossip.DefaultRemoveTimeout, "ticks without refresh before a member is evicted")
	fs.Uint32("group-size", 0, "largest valid member id, 0 for unbounded (udp allows at most "+strconv.Itoa(gossip.MaxUDPGroupSize)+")")
	fs.Uint64("max-heartbeat", 0, "largest plausible heartbeat, 0 for unbounded")
	fs.Int64("max-timestamp", 0, "largest plausible timestamp in periods since the Unix epoch (about 1.7e9 at 1s), 0 for unbounded")
	fs.Duration("join-timeout", 5*time.Second, "how long to wait for a join reply before asking again")
	fs.Duration("join-max-elapsed", time.Minute, "give up joining after this long")
	fs.String("web-addr", ":9091", "the web metrics/health address")
	fs.String("log-level", "info", "the log level to run at")
	fs.String("etcd-endpoints", "", "comma separated etcd endpoints for introducer discovery")
	fs.String("etcd-prefix", "/zephyr", "etcd key prefix")
}

// NewViper returns a viper instance reading flags from fs and ZEPHYR_*
// environment variables.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	return v, nil
}

// FromViper builds and validates a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	peerHosts, err := ParsePeerHosts(v.GetString("peer-hosts"))
	if err != nil {
		return nil, err
	}

	port := v.GetUint("port")
	if port > 65535 {
		return nil, errors.Errorf("port %d out of range", port)
	}

	c := &Config{
		NodeID:         v.GetUint32("node-id"),
		Port:           uint16(port),
		BindHost:       v.GetString("bind-host"),
		Introducer:     v.GetString("introducer"),
		Bootstrap:      v.GetBool("bootstrap"),
		Transport:      strings.ToLower(v.GetString("transport")),
		DefaultHost:    v.GetString("default-host"),
		PeerHosts:      peerHosts,
		Compress:       v.GetBool("compress"),
		InboxSize:      v.GetInt("inbox-size"),
		Period:         v.GetDuration("period"),
		FailTimeout:    v.GetInt64("fail-timeout"),
		RemoveTimeout:  v.GetInt64("remove-timeout"),
		GroupSize:      v.GetUint32("group-size"),
		MaxHeartbeat:   v.GetUint64("max-heartbeat"),
		MaxTimestamp:   v.GetInt64("max-timestamp"),
		JoinTimeout:    v.GetDuration("join-timeout"),
		JoinMaxElapsed: v.GetDuration("join-max-elapsed"),
		WebAddr:        v.GetString("web-addr"),
		LogLevel:       v.GetString("log-level"),
		EtcdEndpoints:  splitList(v.GetString("etcd-endpoints")),
		EtcdPrefix:     v.GetString("etcd-prefix"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.NodeID == 0:
		return errors.New("node-id must be at least 1")
	case c.Transport != TransportUDP && c.Transport != TransportGRPC:
		return errors.Errorf("unknown transport %q", c.Transport)
	case c.Period <= 0:
		return errors.Errorf("period must be positive, got %s", c.Period)
	case c.FailTimeout <= 0:
		return errors.Errorf("fail-timeout must be positive, got %d", c.FailTimeout)
	case c.RemoveTimeout < c.FailTimeout:
		return errors.Errorf("remove-timeout %d is below fail-timeout %d", c.RemoveTimeout, c.FailTimeout)
	case c.GroupSize > 0 && c.NodeID > c.GroupSize:
		return errors.Errorf("node-id %d outside group-size %d", c.NodeID, c.GroupSize)
	case c.Bootstrap && c.Introducer != "":
		return errors.New("bootstrap and introducer are mutually exclusive")
	case !c.Bootstrap && c.Introducer == "" && len(c.EtcdEndpoints) == 0:
		return errors.New("one of bootstrap, introducer or etcd-endpoints is required")
	case c.Transport == TransportUDP && c.GroupSize > gossip.MaxUDPGroupSize:
		return errors.Errorf("group-size %d does not fit in a udp datagram, the limit is %d", c.GroupSize, gossip.MaxUDPGroupSize)
	}
	if c.MaxTimestamp > 0 {
		if now := gossip.NewWallClock(c.Period).Now(); c.MaxTimestamp < now {
			return errors.Errorf("max-timestamp %d is already in the past, the clock reads %d", c.MaxTimestamp, now)
		}
	}
	if c.Introducer != "" {
		if _, err := gossip.ParseAddress(c.Introducer); err != nil {
			return errors.Wrap(err, "invalid introducer")
		}
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log-level %q", c.LogLevel)
	}
	return nil
}

// Self is this node's member address.
func (c *Config) Self() gossip.Address {
	return gossip.Address{ID: c.NodeID, Port: c.Port}
}

func (c *Config) Limits() gossip.Limits {
	return gossip.Limits{
		MaxHeartbeat: c.MaxHeartbeat,
		MaxTimestamp: c.MaxTimestamp,
		GroupSize:    c.GroupSize,
	}
}

func (c *Config) Resolver() gossip.StaticResolver {
	return gossip.StaticResolver{DefaultHost: c.DefaultHost, Hosts: c.PeerHosts}
}

// ZapFields is the config as log fields.
func (c *Config) ZapFields() []zap.Field {
	return []zap.Field{
		zap.Stringer("self", c.Self()),
		zap.String("bindHost", c.BindHost),
		zap.String("introducer", c.Introducer),
		zap.Bool("bootstrap", c.Bootstrap),
		zap.String("transport", c.Transport),
		zap.Bool("compress", c.Compress),
		zap.Duration("period", c.Period),
		zap.Int64("failTimeout", c.FailTimeout),
		zap.Int64("removeTimeout", c.RemoveTimeout),
		zap.Uint32("groupSize", c.GroupSize),
		zap.String("webAddr", c.WebAddr),
		zap.Strings("etcdEndpoints", c.EtcdEndpoints),
	}
}

// ParsePeerHosts parses a comma-separated list of peers in the format:
// "1=host-a,2=host-b"
func ParsePeerHosts(s string) (map[uint32]string, error) {
	hosts := make(map[uint32]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idStr, host, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Errorf("invalid peer format: %s (expected id=host)", part)
		}
		idStr = strings.TrimSpace(idStr)
		host = strings.TrimSpace(host)
		if idStr == "" || host == "" {
			return nil, errors.Errorf("peer id and host cannot be empty: %s", part)
		}

		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || id == 0 {
			return nil, errors.Errorf("invalid peer id: %s", part)
		}
		if _, dup := hosts[uint32(id)]; dup {
			return nil, errors.Errorf("duplicate peer id %d", id)
		}
		hosts[uint32(id)] = host
	}
	return hosts, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
