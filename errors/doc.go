// Package errors provides standardized error handling for the component runtime.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, do not retry) and Fatal (unrecoverable). Loadable-unit
// acquisition retries only transient failures; everything the resolver and
// the swap orchestrator return is wrapped so callers can test it with
// errors.Is against the sentinels below.
//
// # Taxonomy
//
//   - Resolution: ErrNotFound, ErrAmbiguous, ErrIncompatible, ErrExhaustedFallback
//   - Registration: ErrAlreadyRegistered, ErrInvalidID
//   - Hot swap: ErrCircuitOpen, ErrQuiesceFailed, ErrLibraryLoadFailed,
//     ErrValidationFailed, ErrRollbackFailed, ErrGateClosed, ErrSwapInProgress,
//     ErrRateLimited
//   - Integrity: ErrChecksumFailed, ErrSignatureInvalid, ErrABIMismatch
//
// Kind maps an error to the short taxonomy name used in events, metric labels
// and admin responses:
//
//	errors.Kind(err) // "validation_failed"
//
// # Error Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// through three classification-aware wrappers:
//
//	errors.WrapTransient(err, "Static", "Load", "open unit")
//	errors.WrapInvalid(err, "Store", "Register", "validate id")
//	errors.WrapFatal(err, "Orchestrator", "rollback", "restore handle")
//
// The plain Wrap keeps whatever classification the wrapped error carries.
//
// # Retry Configuration
//
// RetryConfig carries the attempt budget of a resolution context and converts
// to the retry package's Config:
//
//	rc := errors.RetryConfig{MaxRetries: 3, InitialDelay: 200 * time.Millisecond,
//	    MaxDelay: 5 * time.Second, BackoffFactor: 2}
//	err := retry.Do(ctx, rc.ToRetryConfig(), op)
//
// ShouldRetry combines the attempt budget with IsTransient.
package errors
