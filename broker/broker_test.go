package broker

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/thatguystone/kafkalocal/config"
	"github.com/thatguystone/kafkalocal/coordinator"
	"github.com/thatguystone/kafkalocal/testutil"
	dynaport "github.com/travisjeffery/go-dynaport"
)

func newClient(t *testing.T, addr string, opts ...kgo.Opt) *kgo.Client {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(addr),
		kgo.DisableIdempotentWrite(),
		kgo.AllowAutoTopicCreation(),
		kgo.FetchMaxWait(100 * time.Millisecond),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	}, opts...)
	cl, err := kgo.NewClient(opts...)
	require.NoError(t, err)
	return cl
}

func produce(ctx context.Context, t *testing.T, cl *kgo.Client, topic string, partition int32, values ...string) {
	for _, v := range values {
		res := cl.ProduceSync(ctx, &kgo.Record{Topic: topic, Partition: partition, Value: []byte(v)})
		require.NoError(t, res.FirstErr())
	}
}

func consume(ctx context.Context, t *testing.T, cl *kgo.Client, n int) []*kgo.Record {
	var got []*kgo.Record
	for len(got) < n {
		fs := cl.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fs.EachError(func(topic string, p int32, err error) {
			t.Fatalf("fetch %s/%d: %v", topic, p, err)
		})
		fs.EachRecord(func(r *kgo.Record) {
			got = append(got, r)
		})
	}
	return got
}

func TestBrokerFranzGo(t *testing.T) {
	b, cleanup := NewTestBroker(t, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cl := newClient(t, b.AdvertisedAddr())
	defer cl.Close()
	adm := kadm.NewClient(cl)

	created, err := adm.CreateTopics(ctx, 2, 1, nil, "franz")
	require.NoError(t, err)
	require.NoError(t, created["franz"].Err)

	again, err := adm.CreateTopics(ctx, 2, 1, nil, "franz")
	require.NoError(t, err)
	require.Error(t, again["franz"].Err)

	for i := 0; i < 3; i++ {
		res := cl.ProduceSync(ctx, &kgo.Record{Topic: "franz", Partition: 1, Value: []byte(fmt.Sprintf("v%d", i))})
		require.NoError(t, res.FirstErr())
		r, _ := res.First()
		require.Equal(t, int64(i), r.Offset)
	}

	ends, err := adm.ListEndOffsets(ctx, "franz")
	require.NoError(t, err)
	end, ok := ends.Lookup("franz", 1)
	require.True(t, ok)
	require.Equal(t, int64(3), end.Offset)
	end, ok = ends.Lookup("franz", 0)
	require.True(t, ok)
	require.Equal(t, int64(0), end.Offset)

	consumer := newClient(t, b.AdvertisedAddr(),
		kgo.ConsumeTopics("franz"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	defer consumer.Close()

	var got []string
	for _, r := range consume(ctx, t, consumer, 3) {
		require.Equal(t, int32(1), r.Partition)
		got = append(got, string(r.Value))
	}
	require.Equal(t, []string{"v0", "v1", "v2"}, got)
}

func TestBrokerSarama(t *testing.T) {
	b, cleanup := NewTestBroker(t, nil)
	defer cleanup()

	conf := sarama.NewConfig()
	conf.Version = sarama.V2_1_0_0
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Metadata.Retry.Backoff = 50 * time.Millisecond
	addrs := []string{b.AdvertisedAddr()}

	producer, err := sarama.NewSyncProducer(addrs, conf)
	require.NoError(t, err)
	defer producer.Close()

	for i := 0; i < 2; i++ {
		partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
			Topic: "sarama",
			Key:   sarama.StringEncoder("k"),
			Value: sarama.StringEncoder(fmt.Sprintf("hello %d", i)),
		})
		require.NoError(t, err)
		require.Equal(t, int32(0), partition)
		require.Equal(t, int64(i), offset)
	}

	consumer, err := sarama.NewConsumer(addrs, conf)
	require.NoError(t, err)
	defer consumer.Close()
	pc, err := consumer.ConsumePartition("sarama", 0, sarama.OffsetOldest)
	require.NoError(t, err)
	defer pc.Close()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-pc.Messages():
			require.Equal(t, int64(i), msg.Offset)
			require.Equal(t, "k", string(msg.Key))
			require.Equal(t, fmt.Sprintf("hello %d", i), string(msg.Value))
		case err := <-pc.Errors():
			t.Fatal(err)
		case <-time.After(10 * time.Second):
			t.Fatal("no message consumed")
		}
	}
}

func TestBrokerRestartKeepsOffsets(t *testing.T) {
	s, stopCoordinator := coordinator.NewTestServer(t, nil)
	defer stopCoordinator()
	dir, err := ioutil.TempDir("", "kafkalocal-broker")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := StartTestBroker(TestProperties(dir, s.Addr()), nil)
	require.NoError(t, err)
	require.Equal(t, s.ClusterID(), b.ClusterID())

	testutil.WaitForResult(func() (bool, error) {
		if c := s.Controller(); c != 0 {
			return false, errors.Errorf("controller is %d", c)
		}
		return true, nil
	}, func(err error) {
		t.Fatal(err)
	})

	cl := newClient(t, b.AdvertisedAddr())
	produce(ctx, t, cl, "kept", 0, "a", "b")
	cl.Close()
	require.NoError(t, b.Shutdown())

	meta, err := config.Load(os.DirFS(dir), "meta.properties")
	require.NoError(t, err)
	require.Equal(t, s.ClusterID(), meta.GetString("cluster.id", ""))
	require.Equal(t, "0", meta.GetString("broker.id", ""))
	require.Equal(t, "0", meta.GetString("version", ""))

	b, err = StartTestBroker(TestProperties(dir, s.Addr()), nil)
	require.NoError(t, err)
	defer b.Shutdown()

	cl = newClient(t, b.AdvertisedAddr(),
		kgo.ConsumeTopics("kept"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	defer cl.Close()
	produce(ctx, t, cl, "kept", 0, "c")

	var got []string
	for _, r := range consume(ctx, t, cl, 3) {
		require.Equal(t, int64(len(got)), r.Offset)
		got = append(got, string(r.Value))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBrokerRejectsForeignLogDir(t *testing.T) {
	s, stopCoordinator := coordinator.NewTestServer(t, nil)
	defer stopCoordinator()
	dir, err := ioutil.TempDir("", "kafkalocal-broker")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, writeMetaProperties(dir, 0, "another-cluster"))

	_, err = StartTestBroker(TestProperties(dir, s.Addr()), nil)
	require.True(t, errors.Is(err, ErrClusterIDMismatch), "err: %v", err)
}

func TestBrokerCoordinatorTimeout(t *testing.T) {
	dir, err := ioutil.TempDir("", "kafkalocal-broker")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	p := TestProperties(dir, fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0]))
	p.MustSet("zookeeper.connection.timeout.ms", "300")

	start := time.Now()
	_, err = StartTestBroker(p, nil)
	require.True(t, errors.Is(err, ErrCoordinatorTimeout), "err: %v", err)
	require.True(t, time.Since(start) < 10*time.Second)

	_, err = os.Stat(filepath.Join(dir, "meta.properties"))
	require.True(t, os.IsNotExist(err))
}
