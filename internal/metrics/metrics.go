// Package metrics exposes the relay's Prometheus instruments.
//
// All recording methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rover_relay"

// Metrics owns a private registry so parallel tests never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal     *prometheus.CounterVec
	deviceLatency     *prometheus.HistogramVec
	hubObservers      prometheus.Gauge
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	uplinkConnected   prometheus.Gauge
	uplinkFrames      *prometheus.CounterVec
	uplinkReconnects  prometheus.Counter
	joystickThrottled prometheus.Counter
}

// New creates and registers every instrument plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled by the relay, by kind and outcome.",
			},
			[]string{"kind", "outcome"}, // outcome: success/error/invalid/cancelled
		),
		deviceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_latency_seconds",
				Help:      "Latency of device calls, by device path and outcome.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"path", "outcome"},
		),
		hubObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_observers",
			Help:      "Observers currently subscribed to the telemetry hub.",
		}),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hub_events_published_total",
				Help:      "Telemetry events published, by origin.",
			},
			[]string{"origin"},
		),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_events_total",
			Help:      "Per-observer deliveries abandoned after the send timeout.",
		}),
		uplinkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uplink_connected",
			Help:      "1 while the device telemetry uplink is connected.",
		}),
		uplinkFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uplink_frames_total",
				Help:      "Inbound uplink frames, by decode result.",
			},
			[]string{"result"}, // result: decoded/malformed
		),
		uplinkReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_reconnects_total",
			Help:      "Supervised uplink reconnect attempts.",
		}),
		joystickThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joystick_throttled_total",
			Help:      "Joystick frames dropped by the per-session rate limit.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsTotal,
		m.deviceLatency,
		m.hubObservers,
		m.eventsPublished,
		m.eventsDropped,
		m.uplinkConnected,
		m.uplinkFrames,
		m.uplinkReconnects,
		m.joystickThrottled,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CommandHandled(kind, outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveDeviceCall(path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deviceLatency.WithLabelValues(path, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.hubObservers.Set(float64(n))
}

func (m *Metrics) EventPublished(origin string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(origin).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetUplinkConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.uplinkConnected.Set(1)
		return
	}
	m.uplinkConnected.Set(0)
}

func (m *Metrics) UplinkFrame(result string) {
	if m == nil {
		return
	}
	m.uplinkFrames.WithLabelValues(result).Inc()
}

func (m *Metrics) UplinkReconnect() {
	if m == nil {
		return
	}
	m.uplinkReconnects.Inc()
}

func (m *Metrics) JoystickThrottled() {
	if m == nil {
		return
	}
	m.joystickThrottled.Inc()
}
