package broker

import (
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/magiconair/properties"
	"github.com/thatguystone/kafkalocal/config"
)

const (
	DefaultNumPartitions         = 1
	DefaultReplicationFactor     = 1
	DefaultSegmentBytes          = 1 << 30
	DefaultIndexBytes            = 10 << 20
	DefaultMessageMaxBytes       = 1048588
	DefaultSocketRequestMaxBytes = 104857600
	DefaultCoordinatorTimeout    = 18000 * time.Millisecond
	DefaultPort                  = 9092

	minSegmentBytes        = 14
	minIndexBytes          = 8
	plaintext              = "PLAINTEXT"
	defaultCoordinatorPort = "2181"
)

const (
	brokerIDKey                  = "broker.id"
	listenersKey                 = "listeners"
	advertisedListenersKey       = "advertised.listeners"
	logDirsKey                   = "log.dirs"
	logDirKey                    = "log.dir"
	numPartitionsKey             = "num.partitions"
	defaultReplicationFactorKey  = "default.replication.factor"
	autoCreateTopicsKey          = "auto.create.topics.enable"
	segmentBytesKey              = "log.segment.bytes"
	indexBytesKey                = "log.index.size.max.bytes"
	messageMaxBytesKey           = "message.max.bytes"
	socketRequestMaxBytesKey     = "socket.request.max.bytes"
	coordinatorConnectKey        = "zookeeper.connect"
	coordinatorConnectTimeoutKey = "zookeeper.connection.timeout.ms"
	legacyHostKey                = "host.name"
	legacyPortKey                = "port"
	legacyAdvertisedHostKey      = "advertised.host.name"
	legacyAdvertisedPortKey      = "advertised.port"
)

var knownKeys = map[string]bool{
	brokerIDKey:                  true,
	listenersKey:                 true,
	advertisedListenersKey:       true,
	logDirsKey:                   true,
	logDirKey:                    true,
	numPartitionsKey:             true,
	defaultReplicationFactorKey:  true,
	autoCreateTopicsKey:          true,
	segmentBytesKey:              true,
	indexBytesKey:                true,
	messageMaxBytesKey:           true,
	socketRequestMaxBytesKey:     true,
	coordinatorConnectKey:        true,
	coordinatorConnectTimeoutKey: true,
	legacyHostKey:                true,
	legacyPortKey:                true,
	legacyAdvertisedHostKey:      true,
	legacyAdvertisedPortKey:      true,
}

// Config holds the configuration of a broker.
type Config struct {
	ID int32
	// ListenAddr is the host:port the Kafka listener binds. An empty host
	// binds every interface, port 0 picks a free port.
	ListenAddr string
	// AdvertisedHost and AdvertisedPort are handed to clients in metadata.
	// A zero port advertises the bound port.
	AdvertisedHost string
	AdvertisedPort int

	LogDirs                  []string
	NumPartitions            int32
	DefaultReplicationFactor int16
	AutoCreateTopics         bool
	SegmentBytes             int64
	IndexBytes               int64
	MessageMaxBytes          int32
	SocketRequestMaxBytes    int32

	// CoordinatorAddrs are the serf addresses of the coordination service.
	CoordinatorAddrs   []string
	CoordinatorTimeout time.Duration

	SerfLANConfig *serf.Config

	// Unknown lists the keys that were present but not understood.
	Unknown []string
}

// DefaultConfig returns a Config without an id, log dirs or coordinator.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":" + strconv.Itoa(DefaultPort),
		NumPartitions:            DefaultNumPartitions,
		DefaultReplicationFactor: DefaultReplicationFactor,
		AutoCreateTopics:         true,
		SegmentBytes:             DefaultSegmentBytes,
		IndexBytes:               DefaultIndexBytes,
		MessageMaxBytes:          DefaultMessageMaxBytes,
		SocketRequestMaxBytes:    DefaultSocketRequestMaxBytes,
		CoordinatorTimeout:       DefaultCoordinatorTimeout,
		SerfLANConfig:            serfDefaultConfig(),
	}
}

func serfDefaultConfig() *serf.Config {
	base := serf.DefaultConfig()
	base.MemberlistConfig = memberlist.DefaultLocalConfig()
	base.EnableNameConflictResolution = false
	return base
}

// NewConfig parses broker properties.
func NewConfig(p *properties.Properties) (*Config, error) {
	c := DefaultConfig()

	id, err := config.RequiredInt(p, brokerIDKey)
	if err != nil {
		return nil, err
	}
	if err := config.AtLeast(brokerIDKey, int64(id), 0); err != nil {
		return nil, err
	}
	if err := config.AtMost(brokerIDKey, int64(id), math.MaxInt32); err != nil {
		return nil, err
	}
	c.ID = int32(id)

	if err := c.parseListeners(p); err != nil {
		return nil, err
	}

	dirs := config.String(p, logDirsKey, "")
	if dirs == "" {
		if dirs, err = config.RequiredString(p, logDirKey); err != nil {
			return nil, &config.Error{Key: logDirsKey, Reason: "missing required value"}
		}
	}
	c.LogDirs = splitList(dirs)

	n, err := config.Int(p, numPartitionsKey, DefaultNumPartitions)
	if err != nil {
		return nil, err
	}
	if err := config.AtLeast(numPartitionsKey, int64(n), 1); err != nil {
		return nil, err
	}
	if err := config.AtMost(numPartitionsKey, int64(n), math.MaxInt32); err != nil {
		return nil, err
	}
	c.NumPartitions = int32(n)

	if n, err = config.Int(p, defaultReplicationFactorKey, DefaultReplicationFactor); err != nil {
		return nil, err
	}
	if err := config.AtLeast(defaultReplicationFactorKey, int64(n), 1); err != nil {
		return nil, err
	}
	if err := config.AtMost(defaultReplicationFactorKey, int64(n), math.MaxInt16); err != nil {
		return nil, err
	}
	c.DefaultReplicationFactor = int16(n)

	if c.AutoCreateTopics, err = config.Bool(p, autoCreateTopicsKey, true); err != nil {
		return nil, err
	}

	if c.SegmentBytes, err = config.Int64(p, segmentBytesKey, DefaultSegmentBytes); err != nil {
		return nil, err
	}
	if err := config.AtLeast(segmentBytesKey, c.SegmentBytes, minSegmentBytes); err != nil {
		return nil, err
	}
	// Index entries hold 32-bit file positions.
	if err := config.AtMost(segmentBytesKey, c.SegmentBytes, math.MaxInt32); err != nil {
		return nil, err
	}
	if c.IndexBytes, err = config.Int64(p, indexBytesKey, DefaultIndexBytes); err != nil {
		return nil, err
	}
	if err := config.AtLeast(indexBytesKey, c.IndexBytes, minIndexBytes); err != nil {
		return nil, err
	}
	if err := config.AtMost(indexBytesKey, c.IndexBytes, math.MaxInt32); err != nil {
		return nil, err
	}

	if n, err = config.Int(p, messageMaxBytesKey, DefaultMessageMaxBytes); err != nil {
		return nil, err
	}
	if err := config.AtLeast(messageMaxBytesKey, int64(n), 0); err != nil {
		return nil, err
	}
	if err := config.AtMost(messageMaxBytesKey, int64(n), math.MaxInt32); err != nil {
		return nil, err
	}
	c.MessageMaxBytes = int32(n)
	if n, err = config.Int(p, socketRequestMaxBytesKey, DefaultSocketRequestMaxBytes); err != nil {
		return nil, err
	}
	if err := config.AtLeast(socketRequestMaxBytesKey, int64(n), 1); err != nil {
		return nil, err
	}
	if err := config.AtMost(socketRequestMaxBytesKey, int64(n), math.MaxInt32); err != nil {
		return nil, err
	}
	c.SocketRequestMaxBytes = int32(n)

	connect, err := config.RequiredString(p, coordinatorConnectKey)
	if err != nil {
		return nil, err
	}
	if c.CoordinatorAddrs, err = parseConnect(connect); err != nil {
		return nil, err
	}
	if c.CoordinatorTimeout, err = config.Millis(p, coordinatorConnectTimeoutKey, DefaultCoordinatorTimeout); err != nil {
		return nil, err
	}
	if err := config.AtLeast(coordinatorConnectTimeoutKey, int64(c.CoordinatorTimeout/time.Millisecond), 1); err != nil {
		return nil, err
	}

	for _, k := range p.Keys() {
		if !knownKeys[k] {
			c.Unknown = append(c.Unknown, k)
		}
	}
	return c, nil
}

func (c *Config) parseListeners(p *properties.Properties) error {
	if v := config.String(p, listenersKey, ""); v != "" {
		host, port, err := parseListener(listenersKey, v)
		if err != nil {
			return err
		}
		c.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
		c.AdvertisedHost, c.AdvertisedPort = host, port
	} else {
		port, err := config.Int(p, legacyPortKey, DefaultPort)
		if err != nil {
			return err
		}
		if port != 0 {
			if err := config.Port(legacyPortKey, port); err != nil {
				return err
			}
		}
		host := config.String(p, legacyHostKey, "")
		c.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
		c.AdvertisedHost = config.String(p, legacyAdvertisedHostKey, host)
		if c.AdvertisedPort, err = config.Int(p, legacyAdvertisedPortKey, port); err != nil {
			return err
		}
	}

	if v := config.String(p, advertisedListenersKey, ""); v != "" {
		host, port, err := parseListener(advertisedListenersKey, v)
		if err != nil {
			return err
		}
		c.AdvertisedHost, c.AdvertisedPort = host, port
	}
	if c.AdvertisedHost == "" {
		c.AdvertisedHost = "localhost"
	}
	return nil
}

// parseListener reads the first PLAINTEXT://host:port entry of a listener
// list.
func parseListener(key, v string) (string, int, error) {
	first := splitList(v)[0]
	i := strings.Index(first, "://")
	if i < 0 {
		return "", 0, &config.Error{Key: key, Value: v, Reason: "expected PROTOCOL://host:port"}
	}
	if proto := strings.ToUpper(first[:i]); proto != plaintext {
		return "", 0, &config.Error{Key: key, Value: v, Reason: "only PLAINTEXT listeners are supported"}
	}
	host, portStr, err := net.SplitHostPort(first[i+3:])
	if err != nil {
		return "", 0, &config.Error{Key: key, Value: v, Reason: err.Error()}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, &config.Error{Key: key, Value: v, Reason: "invalid port"}
	}
	return host, port, nil
}

// parseConnect turns host:port[,host:port][/chroot] into serf join
// addresses. The chroot has no meaning here and is dropped.
func parseConnect(v string) ([]string, error) {
	if i := strings.Index(v, "/"); i >= 0 {
		v = v[:i]
	}
	var addrs []string
	for _, hp := range splitList(v) {
		if hp == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(hp); err != nil {
			hp = net.JoinHostPort(hp, defaultCoordinatorPort)
		}
		addrs = append(addrs, hp)
	}
	if len(addrs) == 0 {
		return nil, &config.Error{Key: coordinatorConnectKey, Value: v, Reason: "no hosts"}
	}
	return addrs, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

// listenHost is the host serf binds: the listener host, or loopback when
// the listener binds every interface.
func (c *Config) listenHost() string {
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return "127.0.0.1"
		}
		return ip.String()
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	for _, ip := range addrs {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	return addrs[0].String()
}
