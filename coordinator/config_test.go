package coordinator

import (
	"testing"
	"time"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/thatguystone/kafkalocal/config"
)

func TestNewConfigFromBundled(t *testing.T) {
	p, err := config.LoadWithOverride(config.Bundled(), config.CoordinatorResource, "dataDir", "/tmp/kltest/zk")
	require.NoError(t, err)

	c, err := NewConfig(p)
	require.NoError(t, err)
	require.Equal(t, "/tmp/kltest/zk", c.DataDir)
	require.Equal(t, "127.0.0.1:63444", c.ClientHostPort())
	require.Equal(t, "127.0.0.1:63443", c.RaftHostPort())
	require.Equal(t, 500*time.Millisecond, c.TickTime)
	require.Equal(t, 8192, c.SnapCount)
	require.Equal(t, 3, c.SnapRetainCount)
	require.Empty(t, c.Unknown)
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		props string
		key   string
	}{
		{"missing data dir", "clientPort=2181\n", "dataDir"},
		{"missing client port", "dataDir=/tmp/zk\n", "clientPort"},
		{"bad client port", "dataDir=/tmp/zk\nclientPort=99999\n", "clientPort"},
		{"bad address", "dataDir=/tmp/zk\nclientPort=2181\nclientPortAddress=localhost\n", "clientPortAddress"},
		{"same ports", "dataDir=/tmp/zk\nclientPort=2181\nquorumPort=2181\n", "quorumPort"},
		{"tiny tick", "dataDir=/tmp/zk\nclientPort=2181\ntickTime=1\n", "tickTime"},
		{"bad snap count", "dataDir=/tmp/zk\nclientPort=2181\nsnapCount=x\n", "snapCount"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewConfig(properties.MustLoadString(test.props))
			var cerr *config.Error
			require.True(t, errors.As(err, &cerr), "%v", err)
			require.Equal(t, test.key, cerr.Key)
		})
	}
}

func TestNewConfigUnknownKeys(t *testing.T) {
	c, err := NewConfig(properties.MustLoadString("dataDir=/tmp/zk\nclientPort=2181\nmaxClientCnxns=0\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"maxClientCnxns"}, c.Unknown)
	require.Equal(t, DefaultTickTime, c.TickTime)
}
