// Package metrics exports broker activity as Prometheus series: publishes,
// consumption outcomes, connectivity events and HTTP requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "amqpkeeper"

// Publish results.
const (
	ResultSent      = "sent"
	ResultQueued    = "queued"
	ResultConfirmed = "confirmed"
	ResultFailed    = "failed"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	published    *prometheus.CounterVec
	consumed     *prometheus.CounterVec
	events       *prometheus.CounterVec
	connected    prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "messages_total",
				Help:      "Messages handed to the channel wrapper.",
			},
			[]string{"exchange", "result"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consume",
				Name:      "messages_total",
				Help:      "Consumed messages by settlement outcome.",
			},
			[]string{"queue", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "events_total",
				Help:      "Connectivity events emitted on the event bus.",
			},
			[]string{"kind"},
		),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "up",
			Help:      "1 while the broker connection is established.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.published,
		m.consumed,
		m.events,
		m.connected,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackPending exports the pending publish buffer size, read on every scrape.
func (m *Metrics) TrackPending(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "pending",
		Help:      "Publishes buffered until the next channel is ready.",
	}, func() float64 {
		return float64(count())
	}))
}

// ObservePublish counts one publish attempt.
func (m *Metrics) ObservePublish(exchange string, receipt rabbitmq.PublishReceipt, err error) {
	result := ResultSent
	switch {
	case err != nil:
		result = ResultFailed
	case receipt.Queued:
		result = ResultQueued
	case receipt.Confirmed:
		result = ResultConfirmed
	}
	m.published.WithLabelValues(exchange, result).Inc()
}

// OutcomeHook returns a hook for rabbitmq.WithOutcomeHook.
func (m *Metrics) OutcomeHook() rabbitmq.OutcomeHook {
	return func(queue string, outcome rabbitmq.Outcome, err error) {
		m.consumed.WithLabelValues(queue, outcome.String()).Inc()
	}
}

// ObserveEvents follows bus until the returned ids are removed with Off.
func (m *Metrics) ObserveEvents(bus *rabbitmq.EventBus) []rabbitmq.ListenerID {
	kinds := []rabbitmq.EventKind{
		rabbitmq.EventConnected,
		rabbitmq.EventDisconnected,
		rabbitmq.EventReplayed,
		rabbitmq.EventReplayFailed,
	}
	ids := make([]rabbitmq.ListenerID, 0, len(kinds))
	for _, kind := range kinds {
		ids = append(ids, bus.On(kind, m.onEvent))
	}
	return ids
}

func (m *Metrics) onEvent(ev rabbitmq.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case rabbitmq.EventConnected:
		m.connected.Set(1)
	case rabbitmq.EventDisconnected:
		m.connected.Set(0)
	}
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	label := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, label).Inc()
	m.httpDuration.WithLabelValues(method, path, label).Observe(duration.Seconds())
}
