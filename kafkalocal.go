// Package kafkalocal runs a coordination service and a Kafka broker for
// tests, both storing under one temporary directory.
package kafkalocal

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/broker"
	"github.com/thatguystone/kafkalocal/config"
	"github.com/thatguystone/kafkalocal/coordinator"
	"github.com/thatguystone/kafkalocal/log"
)

const (
	// CoordinatorDir is the coordination service's data dir under the
	// temporary directory.
	CoordinatorDir = "zk"
	// BrokerDir is the broker's log dir under the temporary directory.
	BrokerDir = "kafka"

	DefaultReadyTimeout = 30 * time.Second
)

var (
	errCoordinatorStopped = errors.New("stopped unexpectedly")
	errNotReady           = errors.New("not ready in time")
)

// CoordinatorError is a failure of the coordination service, during
// startup or after it.
type CoordinatorError struct {
	Err error
}

func (e *CoordinatorError) Error() string {
	return "coordination service: " + e.Err.Error()
}

func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

// CoordinatorProperties is the bundled coordination service configuration
// from fsys with dataDir set to <tmpDir>/zk.
func CoordinatorProperties(fsys fs.FS, tmpDir string) (*properties.Properties, error) {
	return config.LoadWithOverride(fsys, config.CoordinatorResource, "dataDir", filepath.Join(tmpDir, CoordinatorDir))
}

// BrokerProperties is the bundled broker configuration from fsys with
// log.dirs set to <tmpDir>/kafka.
func BrokerProperties(fsys fs.FS, tmpDir string) (*properties.Properties, error) {
	return config.LoadWithOverride(fsys, config.BrokerResource, "log.dirs", filepath.Join(tmpDir, BrokerDir))
}

// StartCoordinator starts the coordination service for tmpDir on a
// background goroutine. The returned channel receives Run's result once
// the service stops; Ready on the server tells when it can take brokers.
func StartCoordinator(ctx context.Context, tmpDir string, opts ...Option) (*coordinator.Server, <-chan error, error) {
	o := newOptions(opts)
	p, err := CoordinatorProperties(o.resources, tmpDir)
	if err != nil {
		return nil, nil, err
	}
	c, err := coordinator.NewConfig(p)
	if err != nil {
		return nil, nil, err
	}

	s := coordinator.New(c, o.logger, o.tracer)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	return s, done, nil
}

// StartBroker starts the broker for tmpDir and returns once it is
// registered and serving.
func StartBroker(ctx context.Context, tmpDir string, opts ...Option) (*broker.Broker, error) {
	o := newOptions(opts)
	p, err := BrokerProperties(o.resources, tmpDir)
	if err != nil {
		return nil, err
	}
	c, err := broker.NewConfig(p)
	if err != nil {
		return nil, err
	}

	b := broker.New(c, o.logger, o.tracer, o.metrics)
	if err := b.Startup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Local owns a coordination service and a broker sharing a temporary
// directory.
type Local struct {
	tmpDir string
	opts   []Option
	logger log.Logger

	coordinator *coordinator.Server
	cancel      context.CancelFunc
	stopped     chan struct{}
	runErr      error

	broker *broker.Broker

	closeOnce sync.Once
	closeErr  error
}

// New returns a Local for tmpDir. Nothing is started until Start or Run.
func New(tmpDir string, opts ...Option) *Local {
	return &Local{
		tmpDir:  tmpDir,
		opts:    opts,
		logger:  newOptions(opts).logger.With(log.Component("kafkalocal")),
		stopped: make(chan struct{}),
	}
}

// Run starts both servers and blocks until ctx is done or the coordination
// service fails. Both servers are stopped before it returns.
func (l *Local) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	return l.Wait(ctx)
}

// Start starts the coordination service, waits for it to be ready and
// then starts the broker. ctx bounds startup only; Close stops the
// servers. On error everything started is stopped again. Any failure to
// configure or run the coordination service is a *CoordinatorError.
func (l *Local) Start(ctx context.Context) error {
	o := newOptions(l.opts)

	runCtx, cancel := context.WithCancel(context.Background())
	s, done, err := StartCoordinator(runCtx, l.tmpDir, l.opts...)
	if err != nil {
		cancel()
		return &CoordinatorError{Err: err}
	}
	l.coordinator, l.cancel = s, cancel
	go func() {
		l.runErr = <-done
		close(l.stopped)
	}()

	timer := time.NewTimer(o.readyTimeout)
	defer timer.Stop()
	select {
	case <-s.Ready():
	case <-l.stopped:
		l.Close()
		return &CoordinatorError{Err: l.coordinatorErr()}
	case <-timer.C:
		l.Close()
		return &CoordinatorError{Err: errors.Wrapf(errNotReady, "after %s", o.readyTimeout)}
	case <-ctx.Done():
		l.Close()
		return ctx.Err()
	}
	l.logger.Info("coordination service ready", log.String("addr", s.Addr()), log.String("cluster id", s.ClusterID()))

	b, err := StartBroker(ctx, l.tmpDir, l.opts...)
	if err != nil {
		l.Close()
		return err
	}
	l.broker = b
	l.logger.Info("broker ready", log.String("addr", b.AdvertisedAddr()))
	return nil
}

// Wait blocks until ctx is done, returning Close's result, or until the
// coordination service stops on its own, returning a *CoordinatorError
// after the broker has been stopped.
func (l *Local) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return l.Close()
	case <-l.stopped:
		err := &CoordinatorError{Err: l.coordinatorErr()}
		l.logger.Error("coordination service failed", log.Error("error", err.Err))
		l.Close()
		return err
	}
}

func (l *Local) coordinatorErr() error {
	if l.runErr == nil {
		return errCoordinatorStopped
	}
	return l.runErr
}

// Addr is the broker's bootstrap address, empty before Start.
func (l *Local) Addr() string {
	if l.broker == nil {
		return ""
	}
	return l.broker.AdvertisedAddr()
}

// CoordinatorAddr is the address brokers join the coordination service on.
func (l *Local) CoordinatorAddr() string {
	if l.coordinator == nil {
		return ""
	}
	return l.coordinator.Addr()
}

// Broker returns the running broker, nil before Start.
func (l *Local) Broker() *broker.Broker {
	return l.broker
}

// Coordinator returns the running coordination service, nil before Start.
func (l *Local) Coordinator() *coordinator.Server {
	return l.coordinator
}

// Close stops the broker and then the coordination service. The
// temporary directory is left in place.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		if l.broker != nil {
			l.closeErr = l.broker.Shutdown()
		}
		if l.cancel != nil {
			l.cancel()
			<-l.stopped
		}
	})
	return l.closeErr
}
