package nexus

import (
	"context"

	"github.com/obinexus/gov-clock/events"
	"github.com/obinexus/gov-clock/health"
)

// SystemName labels the aggregate health status.
const SystemName = "govclock"

// CheckHealth judges component id with check.
//
// With a positive Interval the check is handed to the prober and runs
// periodically once the Context is started; the returned status is the
// current one, unknown until the first run. Otherwise the check runs once
// now. A zero Timeout takes the configured default.
func (c *Context) CheckHealth(ctx context.Context, id string, check health.CheckConfig) health.Status {
	if check.Timeout <= 0 {
		check.Timeout = c.cfg.Health.Timeout.Std()
	}

	if check.Interval > 0 {
		c.prober.Register(id, check)
		st, _ := c.monitor.Get(id)
		return st
	}

	st := check.Run(ctx, id)
	c.recordHealth(id, st)
	return st
}

// CheckHealthAll runs one-shot checks concurrently and records every result
// as CheckHealth does. Intervals are ignored.
func (c *Context) CheckHealthAll(ctx context.Context, checks map[string]health.CheckConfig) map[string]health.Status {
	bounded := make(map[string]health.CheckConfig, len(checks))
	for id, check := range checks {
		if check.Timeout <= 0 {
			check.Timeout = c.cfg.Health.Timeout.Std()
		}
		check.Interval = 0
		bounded[id] = check
	}

	results := health.CheckAll(ctx, bounded)
	for id, st := range results {
		c.recordHealth(id, st)
	}
	return results
}

// recordHealth updates the monitor and publishes a health event when the
// status changed.
func (c *Context) recordHealth(id string, st health.Status) {
	prev, seen := c.monitor.Get(id)
	c.monitor.Update(id, st)
	if seen && prev.Status == st.Status {
		return
	}
	ev := events.New(events.KindHealth, id)
	ev.State = st.Status
	if !st.IsHealthy() {
		ev.Error = st.Message
	}
	c.publish(ev)
}

// StopHealthCheck removes the periodic check of id.
func (c *Context) StopHealthCheck(id string) {
	c.prober.Unregister(id)
}

// Health aggregates every monitored component.
func (c *Context) Health() health.Status {
	return c.monitor.AggregateHealth(SystemName)
}
