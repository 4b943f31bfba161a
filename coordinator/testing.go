package coordinator

import (
	"context"
	"io/ioutil"
	"os"
	"time"

	"github.com/magiconair/properties"
	"github.com/mitchellh/go-testing-interface"
	dynaport "github.com/travisjeffery/go-dynaport"
	"github.com/thatguystone/kafkalocal/log"
)

// TestProperties returns coordination service properties on free loopback
// ports with a short tick.
func TestProperties(dataDir string) *properties.Properties {
	ports := dynaport.GetS(2)
	p := properties.NewProperties()
	p.DisableExpansion = true
	p.MustSet("dataDir", dataDir)
	p.MustSet("clientPort", ports[0])
	p.MustSet("clientPortAddress", "127.0.0.1")
	p.MustSet("quorumPort", ports[1])
	p.MustSet("tickTime", "50")
	return p
}

// TightenSerf shortens the gossip timings of a local serf config.
func TightenSerf(c *Config) {
	ml := c.SerfLANConfig.MemberlistConfig
	ml.SuspicionMult = 2
	ml.RetransmitMult = 2
	ml.ProbeTimeout = 50 * time.Millisecond
	ml.ProbeInterval = 100 * time.Millisecond
	ml.GossipInterval = 100 * time.Millisecond
}

// NewTestServer runs a ready coordinator in a fresh temp dir. The returned
// func stops it and removes the dir.
func NewTestServer(t testing.T, cb func(*Config)) (*Server, func()) {
	dir, err := ioutil.TempDir("", "kafkalocal-coordinator")
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}

	config, err := NewConfig(TestProperties(dir))
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}
	TightenSerf(config)
	if cb != nil {
		cb(config)
	}

	s := New(config, log.NewDevelopment(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	select {
	case <-s.Ready():
	case err := <-done:
		cancel()
		os.RemoveAll(dir)
		t.Fatalf("coordinator failed: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		os.RemoveAll(dir)
		t.Fatalf("coordinator not ready")
	}

	return s, func() {
		cancel()
		<-done
		os.RemoveAll(config.DataDir)
	}
}
