package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/iho/casledger/internal/domain"
)

const namespace = "casledger"

// Metrics holds the engine and storage collectors. It implements
// usecase.MetricsRecorder.
type Metrics struct {
	reg prometheus.Registerer

	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransferDuration      *prometheus.HistogramVec
	TransferAmount        prometheus.Histogram
	TransferRetries       prometheus.Counter
	TransferCompensations prometheus.Counter

	// Storage metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Transfers by final status and reject reason",
			},
			[]string{"status", "reason"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of transfer operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		TransferAmount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_amount_minor_units",
			Help:      "Amounts of committed transfers",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 10),
		}),
		TransferRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_retries_total",
			Help:      "Version conflicts that made a transfer re-read balances",
		}),
		TransferCompensations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_compensations_total",
			Help:      "Sender debits that were rolled back",
		}),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state changes",
			},
			[]string{"name", "from", "to"},
		),
	}
}

// ObserveTransfer records a finished transfer. Pending transfers are the
// ones whose outcome is unknown.
func (m *Metrics) ObserveTransfer(t *domain.Transfer, d time.Duration) {
	m.TransfersTotal.WithLabelValues(string(t.Status), string(t.Reason)).Inc()
	m.TransferDuration.WithLabelValues(string(t.Status)).Observe(d.Seconds())

	if t.Status == domain.TransferStatusCommitted {
		m.TransferAmount.Observe(float64(t.Amount))
	}
}

func (m *Metrics) IncRetry() { m.TransferRetries.Inc() }

func (m *Metrics) IncCompensation() { m.TransferCompensations.Inc() }

// ObserveBreakerState matches breaker.StateObserver.
func (m *Metrics) ObserveBreakerState(name string, from, to gobreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// TrackConnections exports the size of a connection pool as a gauge.
func (m *Metrics) TrackConnections(backend string, total func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "store_connections",
		Help:        "Open connections to the storage backend",
		ConstLabels: prometheus.Labels{"backend": backend},
	}, total)
}
