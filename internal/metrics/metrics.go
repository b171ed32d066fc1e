package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "assistant"

// Metrics groups the process collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mutations        prometheus.Counter
	persistFailures  prometheus.Counter
	persistDuration  prometheus.Histogram
	remindersSent    prometheus.Counter
	reminderFailures prometheus.Counter
	recovery         *prometheus.CounterVec
	maintenance      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "mutations_total",
			Help:      "Mutations applied to the in-memory aggregate.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "persist_failures_total",
			Help:      "Durable writes that failed after a mutation.",
		}),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "persist_duration_seconds",
			Help:      "Time spent writing the data file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reminders_delivered_total",
			Help:      "Reminders delivered by the sweep.",
		}),
		reminderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reminder_delivery_failures_total",
			Help:      "Reminder deliveries that failed and were released for retry.",
		}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "responses_total",
			Help:      "Model responses by recovery outcome.",
		}, []string{"outcome"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "maintenance_runs_total",
			Help:      "Retention maintenance runs by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.mutations,
			m.persistFailures,
			m.persistDuration,
			m.remindersSent,
			m.reminderFailures,
			m.recovery,
			m.maintenance,
		)
	}
	return m
}

func (m *Metrics) Mutation() {
	if m == nil {
		return
	}
	m.mutations.Inc()
}

func (m *Metrics) Persisted(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(took.Seconds())
	if err != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) ReminderDelivered() {
	if m == nil {
		return
	}
	m.remindersSent.Inc()
}

func (m *Metrics) ReminderFailed() {
	if m == nil {
		return
	}
	m.reminderFailures.Inc()
}

func (m *Metrics) Recovered(outcome string) {
	if m == nil {
		return
	}
	m.recovery.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MaintenanceRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.maintenance.WithLabelValues(result).Inc()
}
