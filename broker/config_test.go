package broker

import (
	"testing"
	"time"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/thatguystone/kafkalocal/config"
)

func props(kv ...string) *properties.Properties {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for i := 0; i < len(kv); i += 2 {
		p.MustSet(kv[i], kv[i+1])
	}
	return p
}

func TestNewConfigBundled(t *testing.T) {
	p, err := config.LoadWithOverride(config.Bundled(), config.BrokerResource, "log.dirs", "/tmp/x/kafka")
	require.NoError(t, err)

	c, err := NewConfig(p)
	require.NoError(t, err)
	require.Equal(t, int32(0), c.ID)
	require.Equal(t, "localhost:63445", c.ListenAddr)
	require.Equal(t, "localhost", c.AdvertisedHost)
	require.Equal(t, 63445, c.AdvertisedPort)
	require.Equal(t, []string{"/tmp/x/kafka"}, c.LogDirs)
	require.Equal(t, []string{"127.0.0.1:63444"}, c.CoordinatorAddrs)
	require.Equal(t, 6*time.Second, c.CoordinatorTimeout)
	require.Equal(t, int64(67108864), c.SegmentBytes)
	require.True(t, c.AutoCreateTopics)
	require.Empty(t, c.Unknown)
}

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name  string
		props *properties.Properties
		check func(*testing.T, *Config)
	}{
		{
			name: "legacy host and port",
			props: props("broker.id", "3", "host.name", "127.0.0.1", "port", "9093",
				"log.dir", "/data", "zookeeper.connect", "zk1,zk2:2182/kafka"),
			check: func(t *testing.T, c *Config) {
				require.Equal(t, int32(3), c.ID)
				require.Equal(t, "127.0.0.1:9093", c.ListenAddr)
				require.Equal(t, "127.0.0.1", c.AdvertisedHost)
				require.Equal(t, []string{"/data"}, c.LogDirs)
				require.Equal(t, []string{"zk1:2181", "zk2:2182"}, c.CoordinatorAddrs)
				require.Equal(t, DefaultCoordinatorTimeout, c.CoordinatorTimeout)
			},
		},
		{
			name: "advertised listener and several dirs",
			props: props("broker.id", "0", "listeners", "PLAINTEXT://:0,SSL://:9094",
				"advertised.listeners", "PLAINTEXT://kafka.local:19092",
				"log.dirs", "/a, /b", "zookeeper.connect", "127.0.0.1:1", "other", "x"),
			check: func(t *testing.T, c *Config) {
				require.Equal(t, ":0", c.ListenAddr)
				require.Equal(t, "kafka.local", c.AdvertisedHost)
				require.Equal(t, 19092, c.AdvertisedPort)
				require.Equal(t, []string{"/a", "/b"}, c.LogDirs)
				require.Equal(t, []string{"other"}, c.Unknown)
			},
		},
		{
			name:  "wildcard listener advertises localhost",
			props: props("broker.id", "0", "listeners", "PLAINTEXT://:0", "log.dirs", "/a", "zookeeper.connect", "h:1"),
			check: func(t *testing.T, c *Config) {
				require.Equal(t, "localhost", c.AdvertisedHost)
				require.Equal(t, 0, c.AdvertisedPort)
				require.Equal(t, "127.0.0.1", c.listenHost())
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, err := NewConfig(test.props)
			require.NoError(t, err)
			test.check(t, c)
		})
	}
}

func TestNewConfigErrors(t *testing.T) {
	base := []string{"broker.id", "0", "listeners", "PLAINTEXT://:0", "log.dirs", "/a", "zookeeper.connect", "h:1"}
	with := func(kv ...string) *properties.Properties {
		p := props(base...)
		for i := 0; i < len(kv); i += 2 {
			if kv[i+1] == "" {
				p.Delete(kv[i])
				continue
			}
			p.MustSet(kv[i], kv[i+1])
		}
		return p
	}

	tests := []struct {
		name  string
		props *properties.Properties
		key   string
	}{
		{"missing id", with("broker.id", ""), "broker.id"},
		{"negative id", with("broker.id", "-1"), "broker.id"},
		{"missing dirs", with("log.dirs", ""), "log.dirs"},
		{"missing coordinator", with("zookeeper.connect", ""), "zookeeper.connect"},
		{"ssl listener", with("listeners", "SSL://:9093"), "listeners"},
		{"listener without protocol", with("listeners", "localhost:9092"), "listeners"},
		{"bad port", with("listeners", "PLAINTEXT://:99999"), "listeners"},
		{"tiny segments", with("log.segment.bytes", "13"), "log.segment.bytes"},
		{"tiny index", with("log.index.size.max.bytes", "4"), "log.index.size.max.bytes"},
		{"zero partitions", with("num.partitions", "0"), "num.partitions"},
		{"bad bool", with("auto.create.topics.enable", "maybe"), "auto.create.topics.enable"},
		{"id overflows", with("broker.id", "2147483648"), "broker.id"},
		{"partitions overflow", with("num.partitions", "2147483648"), "num.partitions"},
		{"replication factor overflows", with("default.replication.factor", "32768"), "default.replication.factor"},
		{"huge segments", with("log.segment.bytes", "5000000000"), "log.segment.bytes"},
		{"huge index", with("log.index.size.max.bytes", "2147483648"), "log.index.size.max.bytes"},
		{"message size overflows", with("message.max.bytes", "3000000000"), "message.max.bytes"},
		{"request size overflows", with("socket.request.max.bytes", "3000000000"), "socket.request.max.bytes"},
		{"bad timeout", with("zookeeper.connection.timeout.ms", "soon"), "zookeeper.connection.timeout.ms"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewConfig(test.props)
			var cerr *config.Error
			require.True(t, errors.As(err, &cerr), "err: %v", err)
			require.Equal(t, test.key, cerr.Key)
		})
	}
}
