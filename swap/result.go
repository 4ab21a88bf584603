package swap

import (
	stderrors "errors"
	"time"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/version"
)

// ResultCode classifies a swap outcome for events and metrics.
type ResultCode string

const (
	Success          ResultCode = "success"
	FailedValidation ResultCode = "failed_validation"
	FailedDependency ResultCode = "failed_dependency"
	FailedRuntime    ResultCode = "failed_runtime"
	FailedRollback   ResultCode = "failed_rollback"
)

// CodeFor maps a swap error to its result code.
func CodeFor(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case stderrors.Is(err, errors.ErrRollbackFailed):
		return FailedRollback
	case stderrors.Is(err, errors.ErrValidationFailed):
		return FailedValidation
	case stderrors.Is(err, errors.ErrLibraryLoadFailed):
		return FailedDependency
	default:
		return FailedRuntime
	}
}

// Result describes one swap attempt.
type Result struct {
	SwapID      string                  `json:"swap_id"`
	ComponentID string                  `json:"component_id"`
	From        version.ExtendedVersion `json:"from"`
	To          version.ExtendedVersion `json:"to"`
	Code        ResultCode              `json:"code"`
	Forced      bool                    `json:"forced"`
	// FailedPhase is the phase the swap failed in, empty on success.
	FailedPhase string        `json:"failed_phase,omitempty"`
	RolledBack  bool          `json:"rolled_back"`
	Duration    time.Duration `json:"duration_ns"`
	Downtime    time.Duration `json:"downtime_ns"`
}

// Committed reports whether the target version is now current.
func (r Result) Committed() bool { return r.Code == Success }
