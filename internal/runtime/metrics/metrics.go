// Package metrics exposes Prometheus collectors for connectors: lifecycle
// transitions, pool occupancy, message outcomes and work-manager load.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "esbflow"
	subsystem = "connector"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the connector collectors. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	transitionsTotal *prometheus.CounterVec
	poolIdle         *prometheus.GaugeVec
	poolActive       *prometheus.GaugeVec
	messagesTotal    *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	workActive       *prometheus.GaugeVec
	receiversCurrent *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses the Prometheus default.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		transitionsTotal: newCounterVec("lifecycle_transitions_total", "Completed lifecycle phases per entity", []string{"connector", "entity", "phase"}),
		poolIdle:         newGaugeVec("pool_idle", "Idle pooled instances", []string{"connector", "pool"}),
		poolActive:       newGaugeVec("pool_active", "Borrowed pooled instances", []string{"connector", "pool"}),
		messagesTotal:    newCounterVec("messages_total", "Messages handled per operation and outcome", []string{"connector", "endpoint", "operation", "outcome"}),
		operationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of send, dispatch, request and receive operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"connector", "operation"},
		),
		workActive:       newGaugeVec("work_active", "In-flight work per work manager role", []string{"connector", "role"}),
		receiversCurrent: newGaugeVec("receivers", "Registered receivers", []string{"connector"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.transitionsTotal,
		m.poolIdle,
		m.poolActive,
		m.messagesTotal,
		m.operationSeconds,
		m.workActive,
		m.receiversCurrent,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordTransition counts a completed lifecycle phase.
func (m *Metrics) RecordTransition(connector, entity, phase string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(connector, entity, phase).Inc()
}

// SetPool publishes the occupancy of a dispatcher or requester pool.
func (m *Metrics) SetPool(connector, pool string, idle, active int) {
	if m == nil {
		return
	}
	m.poolIdle.WithLabelValues(connector, pool).Set(float64(idle))
	m.poolActive.WithLabelValues(connector, pool).Set(float64(active))
}

// RecordMessage counts one operation on an endpoint and observes its duration.
func (m *Metrics) RecordMessage(connector, endpoint, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.messagesTotal.WithLabelValues(connector, endpoint, operation, outcome).Inc()
	m.operationSeconds.WithLabelValues(connector, operation).Observe(elapsed.Seconds())
}

// SetWorkActive publishes the in-flight count of a work manager.
func (m *Metrics) SetWorkActive(connector, role string, active int) {
	if m == nil {
		return
	}
	m.workActive.WithLabelValues(connector, role).Set(float64(active))
}

// SetReceivers publishes the receiver registry size.
func (m *Metrics) SetReceivers(connector string, n int) {
	if m == nil {
		return
	}
	m.receiversCurrent.WithLabelValues(connector).Set(float64(n))
}
