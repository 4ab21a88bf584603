// Package metric provides the Prometheus metrics of the component runtime
// and the registry that exposes them.
//
// NewMetricsRegistry creates a private Prometheus registry holding the
// runtime metrics (Metrics) plus the Go runtime and process collectors.
// Collaborators may add their own collectors through the MetricsRegistrar
// interface; keys are "owner.metric" and duplicates are rejected.
//
//	registry := metric.NewMetricsRegistry()
//	m := registry.CoreMetrics()
//	m.RecordResolution("compatible", "ok", false, 40*time.Microsecond)
//	http.Handle("/metrics", registry.Handler())
//
// # Runtime Metrics
//
// All names carry the "govclock" namespace:
//
//   - resolver_resolutions_total{strategy,outcome}
//   - resolver_fallback_resolutions_total
//   - resolver_duration_seconds
//   - store_manifests
//   - swap_hot_swaps_total{component,result}
//   - swap_duration_seconds{result}
//   - breaker_state{component}
//   - health_status{component}
//   - source_events_total{source,outcome}
//   - events_published_total{event,outcome}
//   - nats_connected, nats_reconnects_total
//
// Outcome labels are the short error kinds from errors.Kind ("ok",
// "not_found", "circuit_open", ...). Record methods tolerate a nil *Metrics.
package metric
