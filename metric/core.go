package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "govclock"

// Metrics contains the runtime metrics. All Record methods are safe on a nil
// receiver so components can run without a registry.
type Metrics struct {
	// Resolution
	Resolutions         *prometheus.CounterVec
	FallbackResolutions prometheus.Counter
	ResolutionDuration  prometheus.Histogram
	RegisteredManifests prometheus.Gauge

	// Hot swap
	HotSwaps     *prometheus.CounterVec
	SwapDuration *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec

	// Health
	HealthStatus *prometheus.GaugeVec

	// Manifest sources and events
	SourceEvents    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	NATSConnected   prometheus.Gauge
	NATSReconnects  prometheus.Counter
}

// NewMetrics creates unregistered runtime metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "resolutions_total",
				Help:      "Resolutions by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		FallbackResolutions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "fallback_resolutions_total",
				Help:      "Resolutions satisfied by walking a fallback chain",
			},
		),

		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "duration_seconds",
				Help:      "Resolution latency in seconds",
				Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),

		RegisteredManifests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "manifests",
				Help:      "Registered manifests",
			},
		),

		HotSwaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "swap",
				Name:      "hot_swaps_total",
				Help:      "Hot swap attempts by component and result code",
			},
			[]string{"component", "result"},
		),

		SwapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "swap",
				Name:      "duration_seconds",
				Help:      "Hot swap duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"component"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy, 2=degraded, 3=unknown)",
			},
			[]string{"component"},
		),

		SourceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "events_total",
				Help:      "Manifest source events by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Runtime events published by type and outcome",
			},
			[]string{"event", "outcome"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Resolutions,
		m.FallbackResolutions,
		m.ResolutionDuration,
		m.RegisteredManifests,
		m.HotSwaps,
		m.SwapDuration,
		m.BreakerState,
		m.HealthStatus,
		m.SourceEvents,
		m.EventsPublished,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordResolution counts one resolution and observes its latency.
func (m *Metrics) RecordResolution(strategy, outcome string, fallback bool, d time.Duration) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(strategy, outcome).Inc()
	m.ResolutionDuration.Observe(d.Seconds())
	if fallback {
		m.FallbackResolutions.Inc()
	}
}

// SetRegisteredManifests records the store size.
func (m *Metrics) SetRegisteredManifests(n int) {
	if m == nil {
		return
	}
	m.RegisteredManifests.Set(float64(n))
}

// RecordHotSwap counts a swap attempt by result code.
func (m *Metrics) RecordHotSwap(component, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.HotSwaps.WithLabelValues(component, result).Inc()
	m.SwapDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordBreakerState sets the breaker gauge for a component.
func (m *Metrics) RecordBreakerState(component string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordHealth sets the health gauge for a component.
func (m *Metrics) RecordHealth(component string, code int) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(component).Set(float64(code))
}

// RecordSourceEvent counts a manifest source event.
func (m *Metrics) RecordSourceEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.SourceEvents.WithLabelValues(source, outcome).Inc()
}

// RecordEventPublished counts a published runtime event.
func (m *Metrics) RecordEventPublished(event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(event, outcome).Inc()
}

// RecordNATSStatus updates NATS connection status.
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter.
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
