// Package broker is a single-node Kafka broker. It registers with the
// coordination service over serf and keeps each partition in a commitlog.
package broker

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/serf/serf"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/log"
	"github.com/thatguystone/kafkalocal/metadata"
)

var serverVerboseLogs bool

func init() {
	spew.Config.Indent = ""

	e := os.Getenv("KAFKALOCALDEBUG")
	if strings.Contains(e, "server=1") {
		serverVerboseLogs = true
	}
}

// Broker serves the Kafka protocol for the topics in its log dirs.
type Broker struct {
	config  *Config
	logger  log.Logger
	tracer  opentracing.Tracer
	metrics *Metrics

	ln        net.Listener
	advertise string
	serf      *serf.Serf
	clusterID string

	topicsLock sync.RWMutex
	topics     map[string][]*Partition

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

// New returns a broker that does nothing until Startup is called. A nil
// tracer is a no-op tracer and nil metrics are registered nowhere.
func New(config *Config, logger log.Logger, tracer opentracing.Tracer, metrics *Metrics) *Broker {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Broker{
		config:     config,
		logger:     logger.With(log.Component("broker"), log.Int32("node id", config.ID)),
		tracer:     tracer,
		metrics:    metrics,
		topics:     make(map[string][]*Partition),
		conns:      make(map[net.Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Startup opens the log dirs, registers with the coordination service and
// starts serving. It returns once the broker accepts connections; on error
// everything started so far is stopped again.
func (b *Broker) Startup(ctx context.Context) error {
	if err := b.startup(ctx); err != nil {
		b.Shutdown()
		return err
	}
	return nil
}

func (b *Broker) startup(ctx context.Context) error {
	for _, k := range b.config.Unknown {
		b.logger.Debug("ignoring unknown property", log.String("key", k))
	}

	for _, dir := range b.config.LogDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "broker: create log dir")
		}
	}
	if err := b.loadPartitions(); err != nil {
		return err
	}

	var err error
	if b.ln, err = net.Listen("tcp", b.config.ListenAddr); err != nil {
		return errors.Wrap(err, "broker: listen")
	}
	port := b.config.AdvertisedPort
	if port == 0 {
		port = b.ln.Addr().(*net.TCPAddr).Port
	}
	b.advertise = net.JoinHostPort(b.config.AdvertisedHost, strconv.Itoa(port))

	if b.serf, err = b.setupSerf(); err != nil {
		return errors.Wrap(err, "broker: start serf")
	}
	if err := b.register(ctx); err != nil {
		return err
	}

	for _, dir := range b.config.LogDirs {
		if err := checkMetaProperties(dir, b.config.ID, b.clusterID); err != nil {
			return err
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop()
	}()

	b.logger.Info("broker started",
		log.String("addr", b.ln.Addr().String()),
		log.String("advertised addr", b.advertise),
		log.String("cluster id", b.clusterID),
		log.Strings("log dirs", b.config.LogDirs),
	)
	return nil
}

// Addr is the address the listener is bound to.
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// AdvertisedAddr is the host:port handed to clients.
func (b *Broker) AdvertisedAddr() string {
	return b.advertise
}

// ClusterID is the coordination service's cluster id, set by Startup.
func (b *Broker) ClusterID() string {
	return b.clusterID
}

// ID returns the broker id.
func (b *Broker) ID() int32 {
	return b.config.ID
}

// brokers returns the alive brokers known to serf, always including this
// one.
func (b *Broker) brokers() []*metadata.Broker {
	self := &metadata.Broker{
		ID:         metadata.NodeID(b.config.ID),
		Status:     serf.StatusAlive,
		BrokerAddr: b.advertise,
	}
	if b.serf == nil {
		return []*metadata.Broker{self}
	}

	var out []*metadata.Broker
	seen := false
	for _, m := range b.serf.Members() {
		br, ok := metadata.IsBroker(m)
		if !ok || br.Status != serf.StatusAlive {
			continue
		}
		if br.ID.Int32() == b.config.ID {
			if seen {
				continue
			}
			seen = true
			br = self
		}
		out = append(out, br)
	}
	if !seen {
		out = append(out, self)
	}
	return out
}

// controller is the coordinator's choice, or this broker when it has not
// published one.
func (b *Broker) controller() int32 {
	if c := b.coordinator(); c != nil && c.Controller >= 0 {
		return c.Controller.Int32()
	}
	return b.config.ID
}

// Shutdown closes the listener and every connection, leaves serf and
// closes the partitions. It is safe to call more than once.
func (b *Broker) Shutdown() error {
	b.shutdownLock.Lock()
	defer b.shutdownLock.Unlock()
	if b.shutdown {
		return nil
	}
	b.logger.Info("shutting down broker")
	b.shutdown = true
	close(b.shutdownCh)

	if b.ln != nil {
		b.ln.Close()
	}
	b.connsLock.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.connsLock.Unlock()

	if b.serf != nil {
		if err := b.serf.Leave(); err != nil {
			b.logger.Error("failed to leave serf", log.Error("error", err))
		}
		b.serf.Shutdown()
	}

	b.wg.Wait()
	return b.closePartitions()
}
