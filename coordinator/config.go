package coordinator

import (
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"github.com/magiconair/properties"
	"github.com/thatguystone/kafkalocal/config"
)

const (
	DefaultClientAddr      = "127.0.0.1"
	DefaultQuorumPort      = 2888
	DefaultTickTime        = 2000 * time.Millisecond
	DefaultSnapCount       = 100000
	DefaultSnapRetainCount = 3

	minTickTime = 10 * time.Millisecond
)

var knownKeys = map[string]bool{
	"dataDir":                   true,
	"clientPort":                true,
	"clientPortAddress":         true,
	"quorumPort":                true,
	"tickTime":                  true,
	"snapCount":                 true,
	"autopurge.snapRetainCount": true,
}

// Config holds the configuration of the coordination service.
type Config struct {
	// DataDir holds the raft log, raft snapshots and the serf snapshot.
	DataDir string
	// ClientAddr and ClientPort are where members join (serf, TCP+UDP).
	ClientAddr string
	ClientPort int
	// QuorumPort is the raft port on ClientAddr.
	QuorumPort int
	// TickTime is the base time unit: raft heartbeat and election timeouts.
	TickTime        time.Duration
	SnapCount       int
	SnapRetainCount int

	NodeName          string
	ReconcileInterval time.Duration
	RaftConfig        *raft.Config
	SerfLANConfig     *serf.Config

	// Unknown lists the keys that were present but not understood.
	Unknown []string
}

// DefaultConfig returns a Config without a data dir or client port.
func DefaultConfig() *Config {
	return &Config{
		ClientAddr:        DefaultClientAddr,
		QuorumPort:        DefaultQuorumPort,
		TickTime:          DefaultTickTime,
		SnapCount:         DefaultSnapCount,
		SnapRetainCount:   DefaultSnapRetainCount,
		NodeName:          "coordinator",
		ReconcileInterval: 60 * time.Second,
		RaftConfig:        raft.DefaultConfig(),
		SerfLANConfig:     serfDefaultConfig(),
	}
}

func serfDefaultConfig() *serf.Config {
	base := serf.DefaultConfig()
	base.MemberlistConfig = memberlist.DefaultLocalConfig()
	base.QueueDepthWarning = 1000000
	base.EnableNameConflictResolution = false
	return base
}

// NewConfig parses coordination service properties.
func NewConfig(p *properties.Properties) (*Config, error) {
	c := DefaultConfig()

	var err error
	if c.DataDir, err = config.RequiredString(p, "dataDir"); err != nil {
		return nil, err
	}
	if c.ClientPort, err = config.RequiredInt(p, "clientPort"); err != nil {
		return nil, err
	}
	if err := config.Port("clientPort", c.ClientPort); err != nil {
		return nil, err
	}
	c.ClientAddr = config.String(p, "clientPortAddress", DefaultClientAddr)
	if net.ParseIP(c.ClientAddr) == nil {
		return nil, &config.Error{Key: "clientPortAddress", Value: c.ClientAddr, Reason: "not an IP address"}
	}
	if c.QuorumPort, err = config.Int(p, "quorumPort", DefaultQuorumPort); err != nil {
		return nil, err
	}
	if err := config.Port("quorumPort", c.QuorumPort); err != nil {
		return nil, err
	}
	if c.QuorumPort == c.ClientPort {
		return nil, &config.Error{Key: "quorumPort", Value: strconv.Itoa(c.QuorumPort), Reason: "must differ from clientPort"}
	}
	if c.TickTime, err = config.Millis(p, "tickTime", DefaultTickTime); err != nil {
		return nil, err
	}
	if err := config.AtLeast("tickTime", int64(c.TickTime/time.Millisecond), int64(minTickTime/time.Millisecond)); err != nil {
		return nil, err
	}
	if c.SnapCount, err = config.Int(p, "snapCount", DefaultSnapCount); err != nil {
		return nil, err
	}
	if err := config.AtLeast("snapCount", int64(c.SnapCount), 1); err != nil {
		return nil, err
	}
	if c.SnapRetainCount, err = config.Int(p, "autopurge.snapRetainCount", DefaultSnapRetainCount); err != nil {
		return nil, err
	}
	if err := config.AtLeast("autopurge.snapRetainCount", int64(c.SnapRetainCount), 1); err != nil {
		return nil, err
	}

	for _, k := range p.Keys() {
		if !knownKeys[k] {
			c.Unknown = append(c.Unknown, k)
		}
	}
	return c, nil
}

// ClientHostPort is the address members join.
func (c *Config) ClientHostPort() string {
	return net.JoinHostPort(c.ClientAddr, strconv.Itoa(c.ClientPort))
}

// RaftHostPort is the address raft binds.
func (c *Config) RaftHostPort() string {
	return net.JoinHostPort(c.ClientAddr, strconv.Itoa(c.QuorumPort))
}

// advertiseIP is the address peers reach us on. Wildcard binds advertise
// loopback.
func (c *Config) advertiseIP() net.IP {
	ip := net.ParseIP(c.ClientAddr)
	if ip == nil || ip.IsUnspecified() {
		return net.IPv4(127, 0, 0, 1)
	}
	return ip
}
