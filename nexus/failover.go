package nexus

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/swap"
)

// FaultTolerant pairs a primary instance with a fallback. Invoke runs the
// primary and fails over to the fallback when the primary is unreachable or
// its update fails.
type FaultTolerant struct {
	Primary  *swap.Instance
	Fallback *swap.Instance

	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	failoverCount uint64
	lastFailover  time.Time
}

// NewFaultTolerant pairs primary with fallback.
func NewFaultTolerant(primary, fallback *swap.Instance, logger *slog.Logger) (*FaultTolerant, error) {
	if primary == nil || fallback == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: fault tolerant pair needs two instances", errors.ErrMissingConfig),
			"FaultTolerant", "NewFaultTolerant", "validate instances")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FaultTolerant{
		Primary:  primary,
		Fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// FaultTolerant pairs the running instance of id with the running instance
// of the fallback its manifest names.
func (c *Context) FaultTolerant(id string) (*FaultTolerant, error) {
	primary, ok := c.Instance(id)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no running instance of %s", errors.ErrNotFound, id),
			"Context", "FaultTolerant", "find primary")
	}
	fbID := primary.Manifest().FaultTolerance.FallbackComponentID
	if fbID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s declares no fallback", errors.ErrNotFound, id),
			"Context", "FaultTolerant", "read fallback")
	}
	fallback, ok := c.Instance(fbID)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no running instance of fallback %s", errors.ErrNotFound, fbID),
			"Context", "FaultTolerant", "find fallback")
	}
	ft, err := NewFaultTolerant(primary, fallback, c.logger)
	if err != nil {
		return nil, err
	}
	ft.now = c.now
	return ft, nil
}

// Invoke runs one update on the primary, or on the fallback when the
// primary's gate is closed, its circuit is open or its update fails.
func (f *FaultTolerant) Invoke(ctx context.Context) error {
	perr := invoke(ctx, f.Primary)
	if perr == nil {
		return nil
	}

	f.mu.Lock()
	f.failoverCount++
	f.lastFailover = f.now()
	f.mu.Unlock()

	f.logger.Warn("Failing over to fallback",
		"component_id", f.Primary.ComponentID(), "fallback", f.Fallback.ComponentID(), "error", perr)

	if ferr := invoke(ctx, f.Fallback); ferr != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrExhaustedFallback, stderrors.Join(perr, ferr)),
			"FaultTolerant", "Invoke", "invoke fallback")
	}
	return nil
}

// FailoverCount returns how many invocations failed over.
func (f *FaultTolerant) FailoverCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failoverCount
}

// LastFailover returns the time of the most recent failover, zero if none.
func (f *FaultTolerant) LastFailover() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFailover
}

func invoke(ctx context.Context, inst *swap.Instance) error {
	if !inst.Gate().Accessible() {
		return fmt.Errorf("%w: %s", errors.ErrGateClosed, inst.ComponentID())
	}
	br := inst.Breaker()
	if err := br.Allow(); err != nil {
		return err
	}
	if err := inst.Update(ctx); err != nil {
		br.RecordFailure()
		return fmt.Errorf("%s: %w", inst.ComponentID(), err)
	}
	br.RecordSuccess()
	return nil
}
