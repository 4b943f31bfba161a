package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/log"
	"github.com/thatguystone/kafkalocal/metadata"
)

var (
	// ErrCoordinatorTimeout is returned when the coordination service could
	// not be joined within zookeeper.connection.timeout.ms.
	ErrCoordinatorTimeout = errors.New("broker: timed out waiting for the coordination service")

	errNoClusterID = errors.New("broker: coordination service has no cluster id yet")
)

func (b *Broker) setupSerf() (*serf.Serf, error) {
	conf := b.config.SerfLANConfig
	conf.Init()
	conf.NodeName = fmt.Sprintf("broker-%d", b.config.ID)
	for k, v := range metadata.BrokerTags(b.config.ID, b.advertise) {
		conf.Tags[k] = v
	}

	logOutput := log.StdWriter(b.logger.With(log.Component("serf")))
	conf.LogOutput = logOutput
	conf.MemberlistConfig.LogOutput = logOutput
	conf.MemberlistConfig.BindAddr = b.config.listenHost()
	conf.MemberlistConfig.BindPort = 0
	conf.MemberlistConfig.AdvertisePort = 0

	return serf.Create(conf)
}

// register joins the coordination service and waits for its cluster id,
// retrying until the connection timeout runs out.
func (b *Broker) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.CoordinatorTimeout)
	defer cancel()

	retry := func(op backoff.Operation, what string) error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second
		bo.MaxElapsedTime = 0
		notify := func(err error, next time.Duration) {
			b.logger.Debug(what+" failed, retrying", log.Error("error", err), log.Duration("in", next))
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
			return errors.Wrapf(ErrCoordinatorTimeout, "%s: %v", what, err)
		}
		return nil
	}

	join := func() error {
		_, err := b.serf.Join(b.config.CoordinatorAddrs, true)
		return err
	}
	if err := retry(join, "join"); err != nil {
		return err
	}
	b.logger.Info("joined coordination service", log.Strings("addrs", b.config.CoordinatorAddrs))

	clusterID := func() error {
		c := b.coordinator()
		if c == nil || c.ClusterID == "" {
			return errNoClusterID
		}
		b.clusterID = c.ClusterID
		return nil
	}
	return retry(clusterID, "cluster id")
}

// coordinator returns the alive coordinator member, nil when there is none.
func (b *Broker) coordinator() *metadata.Coordinator {
	if b.serf == nil {
		return nil
	}
	for _, m := range b.serf.Members() {
		if c, ok := metadata.IsCoordinator(m); ok && c.Status == serf.StatusAlive {
			return c
		}
	}
	return nil
}
