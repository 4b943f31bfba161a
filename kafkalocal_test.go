package kafkalocal

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/thatguystone/kafkalocal/config"
	"github.com/thatguystone/kafkalocal/log"
	dynaport "github.com/travisjeffery/go-dynaport"
)

// testResources returns zk.properties and kafka.properties on free
// loopback ports, with a short tick.
func testResources(tickTime int) fstest.MapFS {
	ports := dynaport.Get(2)
	zk := fmt.Sprintf(`dataDir=/unused
clientPort=%d
clientPortAddress=127.0.0.1
quorumPort=%d
tickTime=%d
`, ports[0], ports[1], tickTime)
	kafka := fmt.Sprintf(`broker.id=0
listeners=PLAINTEXT://127.0.0.1:0
log.dirs=/unused
log.segment.bytes=65536
log.index.size.max.bytes=4096
zookeeper.connect=127.0.0.1:%d
zookeeper.connection.timeout.ms=10000
`, ports[0])
	return fstest.MapFS{
		config.CoordinatorResource: {Data: []byte(zk)},
		config.BrokerResource:      {Data: []byte(kafka)},
	}
}

func TestPropertiesOverrideOneKey(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		key      string
		want     string
	}{
		{"coordinator", config.CoordinatorResource, "dataDir", filepath.Join("/tmp/T", "zk")},
		{"broker", config.BrokerResource, "log.dirs", filepath.Join("/tmp/T", "kafka")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bundled, err := config.Load(config.Bundled(), test.resource)
			require.NoError(t, err)

			get := CoordinatorProperties
			if test.resource == config.BrokerResource {
				get = BrokerProperties
			}
			got, err := get(config.Bundled(), "/tmp/T")
			require.NoError(t, err)

			require.Equal(t, bundled.Keys(), got.Keys())
			for _, k := range bundled.Keys() {
				if k == test.key {
					require.Equal(t, test.want, got.GetString(k, ""))
					continue
				}
				require.Equal(t, bundled.GetString(k, ""), got.GetString(k, ""), k)
			}
		})
	}
}

func TestLocalStartClose(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, WithResources(testResources(50)), WithLogger(log.NewDevelopment()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Close()

	for _, sub := range []string{CoordinatorDir, BrokerDir} {
		fi, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	}

	conn, err := net.Dial("tcp", l.CoordinatorAddr())
	require.NoError(t, err)
	conn.Close()

	meta, err := config.Load(os.DirFS(filepath.Join(dir, BrokerDir)), "meta.properties")
	require.NoError(t, err)
	require.Equal(t, l.Coordinator().ClusterID(), meta.GetString("cluster.id", ""))

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(l.Addr()),
		kgo.DisableIdempotentWrite(),
		kgo.AllowAutoTopicCreation(),
		kgo.ConsumeTopics("local"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.ProduceSync(ctx, &kgo.Record{Topic: "local", Value: []byte("hi")}).FirstErr())
	var got []string
	for len(got) == 0 {
		fs := cl.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fs.EachRecord(func(r *kgo.Record) {
			got = append(got, string(r.Value))
		})
	}
	require.Equal(t, []string{"hi"}, got)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = net.Dial("tcp", l.Addr())
	require.Error(t, err)
}

func TestLocalWaitStopsOnCancel(t *testing.T) {
	l := New(t.TempDir(), WithResources(testResources(50)))
	require.NoError(t, l.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("Wait did not return")
	}

	select {
	case <-l.stopped:
	default:
		t.Fatal("coordination service still running")
	}
}

func TestLocalMissingCoordinatorResource(t *testing.T) {
	dir := t.TempDir()
	resources := testResources(50)
	delete(resources, config.CoordinatorResource)

	err := New(dir, WithResources(resources)).Run(context.Background())
	var cerr *CoordinatorError
	require.True(t, errors.As(err, &cerr), "err: %v", err)
	require.True(t, errors.Is(err, config.ErrResourceNotFound), "err: %v", err)

	for _, sub := range []string{CoordinatorDir, BrokerDir} {
		_, err := os.Stat(filepath.Join(dir, sub))
		require.True(t, os.IsNotExist(err), sub)
	}
}

func TestLocalBrokerFailureStopsCoordinator(t *testing.T) {
	dir := t.TempDir()
	resources := testResources(50)
	delete(resources, config.BrokerResource)

	l := New(dir, WithResources(resources))
	err := l.Start(context.Background())
	require.True(t, errors.Is(err, config.ErrResourceNotFound), "err: %v", err)

	select {
	case <-l.stopped:
	default:
		t.Fatal("coordination service still running")
	}
	_, err = net.Dial("tcp", l.CoordinatorAddr())
	require.Error(t, err)
}

func TestLocalCoordinatorFailure(t *testing.T) {
	l := New(t.TempDir(), WithResources(testResources(50)))
	require.NoError(t, l.Start(context.Background()))

	require.NoError(t, l.Coordinator().Shutdown())

	err := l.Wait(context.Background())
	var cerr *CoordinatorError
	require.True(t, errors.As(err, &cerr), "err: %v", err)

	_, err = net.Dial("tcp", l.Addr())
	require.Error(t, err)
}

func TestLocalReadyTimeout(t *testing.T) {
	l := New(t.TempDir(), WithResources(testResources(5000)), WithReadyTimeout(50*time.Millisecond))

	err := l.Start(context.Background())
	var cerr *CoordinatorError
	require.True(t, errors.As(err, &cerr), "err: %v", err)
	require.True(t, errors.Is(err, errNotReady))
	require.Nil(t, l.Broker())
}
