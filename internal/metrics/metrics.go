// Package metrics exposes prometheus instrumentation for the
// scheduler queues.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanweld"

type Metrics struct {
	PushesTotal    *prometheus.CounterVec
	PopsTotal      *prometheus.CounterVec
	ConflictsTotal *prometheus.CounterVec
	CancelledTotal *prometheus.CounterVec
	QueueSize      *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"scheduler_id"}
	return &Metrics{
		PushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Items admitted to the queue.",
		}, labels),
		PopsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pops_total",
			Help:      "Items handed to consumers.",
		}, labels),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_conflicts_total",
			Help:      "Pushes rejected by the duplicate-hash admission policy.",
		}, labels),
		CancelledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled by a scheduler drain.",
		}, labels),
		QueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Live items currently on the queue.",
		}, labels),
	}
}
