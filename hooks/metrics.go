package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fernandezvara/txkit/txsync"
)

// Metrics collects Prometheus metrics about transactions
type Metrics struct {
	duration    *prometheus.HistogramVec
	total       *prometheus.CounterVec
	suspensions prometheus.Counter
}

// NewMetrics creates the collectors and registers them. Collectors already
// registered by an earlier call are reused.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txkit_transaction_duration_seconds",
				Help:    "Duration of transactions in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txkit_transactions_total",
				Help: "Total number of completed transactions",
			},
			[]string{"outcome"},
		),
		suspensions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "txkit_transaction_suspensions_total",
				Help: "Total number of transaction suspensions",
			},
		),
	}

	var err error
	if m.duration, err = register(registry, m.duration); err != nil {
		return nil, err
	}
	if m.total, err = register(registry, m.total); err != nil {
		return nil, err
	}
	if m.suspensions, err = register(registry, m.suspensions); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Track returns a synchronization that records one transaction
func (m *Metrics) Track() txsync.Synchronization {
	return &metricsSync{metrics: m, start: time.Now()}
}

type metricsSync struct {
	txsync.SynchronizationAdapter
	metrics *Metrics
	start   time.Time
}

func (s *metricsSync) Suspend(context.Context) error {
	s.metrics.suspensions.Inc()
	return nil
}

func (s *metricsSync) AfterCompletion(_ context.Context, status txsync.CompletionStatus) error {
	outcome := status.String()
	s.metrics.duration.WithLabelValues(outcome).Observe(time.Since(s.start).Seconds())
	s.metrics.total.WithLabelValues(outcome).Inc()
	return nil
}
