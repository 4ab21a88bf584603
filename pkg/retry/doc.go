// Package retry provides exponential backoff retry logic for transient failures.
//
// The resolution context uses it when acquiring loadable units; the attempt
// budget and base backoff come from max_retry_attempts and retry_backoff_ms
// through errors.RetryConfig.ToRetryConfig.
//
//	cfg := rc.ToRetryConfig()
//	handle, err := retry.DoWithResult(ctx, cfg, func() (*loader.Handle, error) {
//	    return l.Load(ctx, id, v)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately. All operations
// respect context cancellation, both during the call and during backoff.
package retry
