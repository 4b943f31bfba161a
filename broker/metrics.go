package broker

import (
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// Counter is what the broker counts with; Add is all it uses.
type Counter = metrics.Counter

// Metrics holds the broker's counters.
type Metrics struct {
	// RequestsHandled is labeled by api.
	RequestsHandled Counter
	// RequestErrors counts requests that closed their connection, labeled
	// by api.
	RequestErrors Counter
	BytesIn       Counter
	BytesOut      Counter
	// RecordsProduced is labeled by topic.
	RecordsProduced Counter
}

// NewMetrics registers the broker's counters with reg.
func NewMetrics(reg stdprometheus.Registerer) *Metrics {
	newCounter := func(name, help string, labels ...string) Counter {
		cv := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
			Namespace: "kafkalocal",
			Subsystem: "broker",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(cv)
		return kitprometheus.NewCounter(cv)
	}
	return &Metrics{
		RequestsHandled: newCounter("requests_handled_total", "Requests handled.", "api"),
		RequestErrors:   newCounter("request_errors_total", "Requests that closed their connection.", "api"),
		BytesIn:         newCounter("bytes_in_total", "Request bytes read."),
		BytesOut:        newCounter("bytes_out_total", "Response bytes written."),
		RecordsProduced: newCounter("records_produced_total", "Records appended.", "topic"),
	}
}

// NopMetrics returns counters registered nowhere.
func NopMetrics() *Metrics {
	return NewMetrics(stdprometheus.NewRegistry())
}
