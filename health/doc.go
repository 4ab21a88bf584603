// Package health tracks the health of running components.
//
// A Status is one of four states:
//   - healthy: the component passed its last check
//   - degraded: the check passed with reduced functionality (see Degraded)
//   - unhealthy: the check failed or timed out
//   - unknown: no check is configured or none has run yet
//
// CheckConfig.Run executes a single check under an enforced timeout; a check
// that ignores its context is abandoned when the timeout expires and reported
// unhealthy. CheckAll runs a set of checks concurrently.
//
// Monitor is a thread-safe store of the latest status per component. It
// exports each update on the govclock_health_status gauge when built with
// metrics. Prober drives registered checks on their intervals and writes the
// results into a Monitor:
//
//	monitor := health.NewMonitor(metrics)
//	prober := health.NewProber(monitor, logger)
//	prober.Register("svc.clock", health.CheckConfig{
//	    Check:    clock.HealthCheck,
//	    Interval: 10 * time.Second,
//	    Timeout:  time.Second,
//	})
//	if err := prober.Start(ctx); err != nil {
//	    return err
//	}
//	defer prober.Stop()
//
//	system := monitor.AggregateHealth("govclockd")
//
// Aggregation is pessimistic: any unhealthy component makes the aggregate
// unhealthy, and a degraded or unknown component makes it degraded.
//
// Error messages carried into a Status are sanitized so that URLs, paths,
// addresses and credentials are not served over the admin API.
package health
