// Package metrics exposes the prometheus collectors for the workflow engine and the delivery fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics satisfies the metric ports of the engine, publisher, harness, monitor and escalator.
type Metrics struct {
	tasksCompleted   prometheus.Counter
	eventsPublished  *prometheus.CounterVec
	activeDevelopers prometheus.Gauge
	retries          *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	staleReminders   prometheus.Counter
	alertsRaised     prometheus.Counter
}

// New registers every collector on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name:      "tasks_completed_total",
			Help:      "Tasks moved to COMPLETED.",
		}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "events_published_total",
			Help:      "Envelopes accepted by the broker, by event type.",
		}, []string{"event"}),
		activeDevelopers: f.NewGauge(prometheus.GaugeOpts{
			Name:      "active_developers",
			Help:      "Developers with a task IN_PROCESS.",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "delivery_retries_total",
			Help:      "Deliveries republished to a retry topic.",
		}, []string{"topic"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "delivery_dead_lettered_total",
			Help:      "Deliveries moved to a dead-letter topic.",
		}, []string{"topic"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "delivery_duplicates_total",
			Help:      "Redelivered envelopes skipped by the deduper.",
		}, []string{"group"}),
		staleReminders: f.NewCounter(prometheus.CounterOpts{
			Name:      "stale_reminders_total",
			Help:      "StaleTaskDetected reminders published.",
		}),
		alertsRaised: f.NewCounter(prometheus.CounterOpts{
			Name:      "alerts_raised_total",
			Help:      "Dead-letter alerts raised by the escalator.",
		}),
	}
}

// Nop returns collectors bound to no registry.
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) TaskCompleted() { m.tasksCompleted.Inc() }

func (m *Metrics) EventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(label(eventType)).Inc()
}

func (m *Metrics) SetActiveDevelopers(n int) { m.activeDevelopers.Set(float64(n)) }

func (m *Metrics) Retried(topic string) { m.retries.WithLabelValues(label(topic)).Inc() }

func (m *Metrics) DeadLettered(topic string) { m.deadLettered.WithLabelValues(label(topic)).Inc() }

func (m *Metrics) Duplicate(group string) { m.duplicates.WithLabelValues(label(group)).Inc() }

func (m *Metrics) StaleReminder() { m.staleReminders.Inc() }

func (m *Metrics) AlertRaised() { m.alertsRaised.Inc() }

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
