package broker

import (
	"context"
	"io/ioutil"
	"os"
	"time"

	"github.com/magiconair/properties"
	"github.com/mitchellh/go-testing-interface"
	"github.com/thatguystone/kafkalocal/coordinator"
	"github.com/thatguystone/kafkalocal/log"
)

// TestProperties returns broker properties listening on a free loopback
// port, storing in logDir and joining the coordinator at coordinatorAddr.
func TestProperties(logDir, coordinatorAddr string) *properties.Properties {
	p := properties.NewProperties()
	p.DisableExpansion = true
	p.MustSet("broker.id", "0")
	p.MustSet("listeners", "PLAINTEXT://127.0.0.1:0")
	p.MustSet("log.dirs", logDir)
	p.MustSet("log.segment.bytes", "4096")
	p.MustSet("log.index.size.max.bytes", "1024")
	p.MustSet("zookeeper.connect", coordinatorAddr)
	p.MustSet("zookeeper.connection.timeout.ms", "10000")
	return p
}

// NewTestBroker starts a coordinator and a broker registered with it,
// each in its own temp dir. cb may adjust the broker config before
// startup. The returned func stops both and removes the dirs.
func NewTestBroker(t testing.T, cb func(*Config)) (*Broker, func()) {
	s, stopCoordinator := coordinator.NewTestServer(t, nil)

	dir, err := ioutil.TempDir("", "kafkalocal-broker")
	if err != nil {
		stopCoordinator()
		t.Fatalf("err != nil: %s", err)
	}

	b, err := StartTestBroker(TestProperties(dir, s.Addr()), cb)
	if err != nil {
		stopCoordinator()
		os.RemoveAll(dir)
		t.Fatalf("broker failed: %v", err)
	}
	return b, func() {
		b.Shutdown()
		stopCoordinator()
		os.RemoveAll(dir)
	}
}

// StartTestBroker starts a broker from p with tight serf timings.
func StartTestBroker(p *properties.Properties, cb func(*Config)) (*Broker, error) {
	config, err := NewConfig(p)
	if err != nil {
		return nil, err
	}
	ml := config.SerfLANConfig.MemberlistConfig
	ml.ProbeTimeout = 50 * time.Millisecond
	ml.ProbeInterval = 100 * time.Millisecond
	ml.GossipInterval = 20 * time.Millisecond
	if cb != nil {
		cb(config)
	}

	b := New(config, log.NewDevelopment(), nil, nil)
	if err := b.Startup(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}
