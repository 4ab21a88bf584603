package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/obinexus/gov-clock/errors"
)

// DefaultCheckTimeout bounds a check whose config leaves Timeout unset.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc probes one component. Return nil for healthy, an error wrapped
// with Degraded for degraded, any other error for unhealthy.
type CheckFunc func(ctx context.Context) error

// CheckConfig describes a periodic health check.
type CheckConfig struct {
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
}

func (c CheckConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultCheckTimeout
	}
	return c.Timeout
}

// Run executes the check once. The check is abandoned when its timeout
// expires, even if the function ignores ctx, and the result is unhealthy.
// A nil check reports unknown.
func (c CheckConfig) Run(ctx context.Context, component string) Status {
	if c.Check == nil {
		return NewUnknown(component, "No health check configured")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.WrapFatal(errors.ErrInvalidData, "health", "Run", "check panicked")
			}
		}()
		done <- c.Check(ctx)
	}()

	var status Status
	select {
	case err := <-done:
		status = FromError(component, err)
	case <-ctx.Done():
		status = NewUnhealthy(component, "Health check timed out after "+c.timeout().String())
	}

	return status.WithMetrics(&Metrics{CheckDuration: time.Since(start)})
}

// CheckAll runs every check concurrently and returns the statuses keyed by
// component. A check failure never fails the group.
func CheckAll(ctx context.Context, checks map[string]CheckConfig) map[string]Status {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	results := make([]Status, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		cfg := checks[name]
		g.Go(func() error {
			results[i] = cfg.Run(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Status, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}
