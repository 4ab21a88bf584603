package swap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/obinexus/gov-clock/breaker"
	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/evolution"
	"github.com/obinexus/gov-clock/loader"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

// InstanceConfig assembles a running instance.
type InstanceConfig struct {
	Manifest  manifest.Manifest
	Handle    *loader.Handle
	Breaker   *breaker.Breaker
	Evolution *evolution.Evolution
	// Gate defaults to an open Switch.
	Gate Gate
}

// Instance is the running implementation of one logical component.
//
// Swaps and Update calls hold the instance lock, so they serialize; reads of
// the current version never wait for a swap in progress.
type Instance struct {
	id        string
	breaker   *breaker.Breaker
	evolution *evolution.Evolution
	gate      Gate

	// serializes swaps and calls into the implementation
	lock sync.Mutex

	mu       sync.RWMutex
	manifest manifest.Manifest
	handle   *loader.Handle

	phase atomic.Int32
}

// NewInstance validates cfg and returns an idle instance.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if err := manifest.ValidateID(cfg.Manifest.ComponentID); err != nil {
		return nil, errors.Wrap(err, "Instance", "NewInstance", "validate component id")
	}
	if cfg.Handle == nil || cfg.Handle.Impl == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: instance %s has no implementation", errors.ErrInvalidConfig, cfg.Manifest.ComponentID),
			"Instance", "NewInstance", "validate handle")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(cfg.Manifest.ComponentID, breaker.DefaultConfig())
	}
	if cfg.Gate == nil {
		cfg.Gate = &Switch{}
	}
	return &Instance{
		id:        cfg.Manifest.ComponentID,
		breaker:   cfg.Breaker,
		evolution: cfg.Evolution,
		gate:      cfg.Gate,
		manifest:  cfg.Manifest,
		handle:    cfg.Handle,
	}, nil
}

// ComponentID returns the logical id.
func (i *Instance) ComponentID() string { return i.id }

// Breaker returns the instance's circuit breaker.
func (i *Instance) Breaker() *breaker.Breaker { return i.breaker }

// Evolution returns the evolution record, nil when untracked.
func (i *Instance) Evolution() *evolution.Evolution { return i.evolution }

// Gate returns the accessibility gate.
func (i *Instance) Gate() Gate { return i.gate }

// Version returns the current version.
func (i *Instance) Version() version.ExtendedVersion {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest.Version
}

// Manifest returns the manifest of the current version.
func (i *Instance) Manifest() manifest.Manifest {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.manifest
}

// Handle returns the current unit handle.
func (i *Instance) Handle() *loader.Handle {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.handle
}

// Phase returns the swap phase the instance is in.
func (i *Instance) Phase() Phase { return Phase(i.phase.Load()) }

func (i *Instance) setPhase(p Phase) { i.phase.Store(int32(p)) }

// commit installs a new unit and returns the one it replaced.
func (i *Instance) commit(m manifest.Manifest, h *loader.Handle) (manifest.Manifest, *loader.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	oldM, oldH := i.manifest, i.handle
	i.manifest, i.handle = m, h
	return oldM, oldH
}

// Update runs one update of the current implementation.
func (i *Instance) Update(ctx context.Context) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.Handle().Impl.Update(ctx)
}

// Validate runs the current implementation's self check.
func (i *Instance) Validate(ctx context.Context) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.Handle().Impl.Validate(ctx)
}

// Close releases the current unit. The instance must not be used afterwards.
func (i *Instance) Close() error {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.Handle().Release()
}

// Status is a point-in-time view of an instance.
type Status struct {
	ComponentID string                  `json:"component_id"`
	Version     version.ExtendedVersion `json:"version"`
	Phase       string                  `json:"phase"`
	Accessible  bool                    `json:"accessible"`
	Breaker     breaker.Stats           `json:"breaker"`
	Evolution   *evolution.Snapshot     `json:"evolution,omitempty"`
}

// Status returns a snapshot for the admin surface.
func (i *Instance) Status() Status {
	s := Status{
		ComponentID: i.id,
		Version:     i.Version(),
		Phase:       i.Phase().String(),
		Accessible:  i.gate.Accessible(),
		Breaker:     i.breaker.Stats(),
	}
	if i.evolution != nil {
		snap := i.evolution.Snapshot()
		s.Evolution = &snap
	}
	return s
}
