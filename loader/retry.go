package loader

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/pkg/retry"
	"github.com/obinexus/gov-clock/version"
)

// Retrying wraps a Loader so transient failures are retried with
// exponential backoff. Invalid and fatal failures return immediately.
type Retrying struct {
	next   Loader
	policy errors.RetryConfig
	logger *slog.Logger
}

// WithRetry returns next wrapped in a Retrying loader.
func WithRetry(next Loader, policy errors.RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, policy: policy, logger: logger}
}

// Load implements Loader.
func (r *Retrying) Load(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error) {
	cfg := r.policy.ToRetryConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("Retrying unit load",
			"component", id, "version", v.String(), "attempt", attempt, "delay", delay, "error", err)
	}

	attempt := 0
	h, err := retry.DoWithResult(ctx, cfg, func() (*Handle, error) {
		h, err := r.next.Load(ctx, id, v)
		if err != nil && !r.policy.ShouldRetry(err, attempt) {
			return nil, retry.NonRetryable(err)
		}
		attempt++
		return h, err
	})

	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		err = nre.Err
	}
	return h, err
}
