package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/koltyakov/relayhub/internal/domain"
)

// Metrics holds the registry's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	operations *prometheus.CounterVec
	servers    prometheus.Gauge
	pending    prometheus.Gauge
}

// NewMetrics creates the registry collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relayhub",
				Subsystem: "registry",
				Name:      "operations_total",
				Help:      "Registry operations by operation and result code.",
			},
			[]string{"op", "result"},
		),
		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "servers",
			Help:      "Server records in the last loaded snapshot, active or not.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Subsystem: "registry",
			Name:      "pending_assignments",
			Help:      "Client assignments waiting for a heartbeat.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.servers, m.pending)
	}
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) setSizes(r domain.Registry) {
	if m == nil {
		return
	}
	m.servers.Set(float64(len(r.Servers)))
	m.pending.Set(float64(len(r.PendingAssignments)))
}
