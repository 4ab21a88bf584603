package nexus

import (
	"context"
	"fmt"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/swap"
	"github.com/obinexus/gov-clock/version"
)

// Instantiate resolves id, loads the chosen unit, validates and resumes it
// and returns the first running instance of the component. A component
// already running is returned as is. Concurrent calls for the same id share
// one load.
//
// Declared dependencies must resolve before the unit is loaded. gate may be
// nil for an open Switch.
func (c *Context) Instantiate(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy, gate swap.Gate) (*swap.Instance, error) {
	if inst, ok := c.Instance(id); ok {
		return inst, nil
	}

	res, err, _ := c.group.Do(id, func() (any, error) {
		if inst, ok := c.Instance(id); ok {
			return inst, nil
		}
		return c.instantiate(ctx, id, v, strategy, gate)
	})
	if err != nil {
		return nil, err
	}
	return res.(*swap.Instance), nil
}

func (c *Context) instantiate(ctx context.Context, id string, v version.ExtendedVersion, strategy version.Strategy, gate swap.Gate) (*swap.Instance, error) {
	m, err := c.Resolve(ctx, id, v, strategy)
	if err != nil {
		return nil, errors.Wrap(err, "Context", "Instantiate", "resolve component")
	}
	// a fallback may have been chosen
	if inst, ok := c.Instance(m.ComponentID); ok {
		return inst, nil
	}

	deps, err := c.resolver.ResolveDependencies(ctx, m)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %s: %w", errors.ErrLibraryLoadFailed, m.ComponentID, err),
			"Context", "Instantiate", "resolve dependencies")
	}

	h, err := c.loader.Load(ctx, m.ComponentID, m.Version)
	if err != nil {
		return nil, errors.Wrap(err, "Context", "Instantiate", "load unit")
	}
	if err := c.start(ctx, m, h); err != nil {
		if rerr := h.Release(); rerr != nil {
			c.logger.Warn("Unit release failed", "component_id", m.ComponentID, "error", rerr)
		}
		return nil, err
	}

	ev, err := c.tracker.Track(m.ComponentID, m.Version, h.ContractHash)
	if err != nil {
		c.logger.Warn("Evolution tracking failed", "component_id", m.ComponentID, "error", err)
	} else {
		ev.SetCurrent(m.Version)
		ev.AdoptContractHash(h.ContractHash)
	}

	inst, err := swap.NewInstance(swap.InstanceConfig{
		Manifest:  m,
		Handle:    h,
		Breaker:   c.newBreaker(m.ComponentID),
		Evolution: ev,
		Gate:      gate,
	})
	if err != nil {
		_ = h.Release()
		return nil, errors.Wrap(err, "Context", "Instantiate", "create instance")
	}

	c.mu.Lock()
	c.instances[m.ComponentID] = inst
	c.mu.Unlock()

	c.logger.Info("Component instantiated",
		"component_id", m.ComponentID, "requested", id,
		"version", m.Version.String(), "dependencies", len(deps))
	return inst, nil
}

// start checks a freshly loaded unit against its manifest and brings it up.
func (c *Context) start(ctx context.Context, m manifest.Manifest, h *loader.Handle) error {
	if h.ABISignature != m.Version.ABISignature {
		return errors.WrapInvalid(fmt.Errorf("%w: %s unit %#x, manifest %#x",
			errors.ErrABIMismatch, m.ComponentID, h.ABISignature, m.Version.ABISignature),
			"Context", "Instantiate", "check abi")
	}
	if err := loader.Check(h.Impl, m.Version); err != nil {
		return errors.Wrap(err, "Context", "Instantiate", "check capabilities")
	}
	if err := h.Impl.Validate(ctx); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrValidationFailed, m.ComponentID, err),
			"Context", "Instantiate", "validate unit")
	}
	if err := h.Impl.Resume(ctx); err != nil {
		return errors.Wrap(err, "Context", "Instantiate", "resume unit")
	}
	return nil
}

// HotSwap replaces the running unit of inst with the registered manifest of
// exactly newVersion. force bypasses the breaker, the gate, the automatic
// swap rate and the compatibility check; it never bypasses integrity or ABI
// checks.
func (c *Context) HotSwap(ctx context.Context, inst *swap.Instance, newVersion version.ExtendedVersion, force bool) (swap.Result, error) {
	return c.HotSwapWithReason(ctx, inst, newVersion, force, "")
}

// HotSwapWithReason is HotSwap that records reason in the evolution history
// and the swap event.
func (c *Context) HotSwapWithReason(ctx context.Context, inst *swap.Instance, newVersion version.ExtendedVersion, force bool, reason string) (swap.Result, error) {
	current := inst.Manifest()
	failed := func(err error) (swap.Result, error) {
		return swap.Result{
			ComponentID: inst.ComponentID(),
			From:        current.Version,
			To:          newVersion,
			Code:        swap.CodeFor(err),
			Forced:      force,
		}, err
	}

	target, err := c.resolver.Resolve(ctx, inst.ComponentID(), newVersion, version.ExactMatch)
	if err != nil {
		return failed(errors.Wrap(err, "Context", "HotSwap", "resolve target"))
	}
	if c.governance != nil {
		if err := c.governance.ValidateSwap(c.cfg.Resolution.GovernancePolicy, current, target, force); err != nil {
			return failed(errors.Wrap(err, "Context", "HotSwap", "governance check"))
		}
	}

	return c.orchestrator.HotSwap(ctx, inst, swap.Request{
		Target: target,
		Force:  force,
		Reason: reason,
	})
}
