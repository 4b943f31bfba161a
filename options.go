package kafkalocal

import (
	"io/fs"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/thatguystone/kafkalocal/broker"
	"github.com/thatguystone/kafkalocal/config"
	"github.com/thatguystone/kafkalocal/log"
)

// Option configures the launchers and Local.
type Option func(*options)

type options struct {
	logger       log.Logger
	tracer       opentracing.Tracer
	metrics      *broker.Metrics
	resources    fs.FS
	readyTimeout time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:       log.NewNop(),
		tracer:       opentracing.NoopTracer{},
		resources:    config.Bundled(),
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithTracer(tracer opentracing.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithMetrics makes the broker count into m. Without it the broker's
// counters are registered nowhere.
func WithMetrics(m *broker.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithResources replaces the bundled zk.properties and kafka.properties.
func WithResources(fsys fs.FS) Option {
	return func(o *options) {
		o.resources = fsys
	}
}

// WithReadyTimeout bounds the wait for the coordination service to become
// ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readyTimeout = d
	}
}
