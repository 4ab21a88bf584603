package loader

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

// Factory creates a fresh implementation of one component version. Each
// Load calls it once, so every handle owns its own instance.
type Factory func(ctx context.Context, v version.ExtendedVersion) (Implementation, error)

// Registration describes a unit compiled into the process.
type Registration struct {
	ComponentID string                  `json:"component_id"`
	Version     version.ExtendedVersion `json:"version"`
	// ABISignature defaults to Version.ABISignature.
	ABISignature uint64  `json:"abi_signature"`
	ContractHash string  `json:"contract_hash,omitempty"`
	Description  string  `json:"description,omitempty"`
	Factory      Factory `json:"-"`
	// Release, when set, runs when a handle from this registration is released.
	Release func(Implementation) error `json:"-"`
}

// Static is an in-process loader backed by a factory registry.
type Static struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

// NewStatic creates an empty registry.
func NewStatic() *Static {
	return &Static{registrations: make(map[string]*Registration)}
}

func staticKey(id string, v version.ExtendedVersion) string {
	return id + "@" + v.Key()
}

// Register adds a factory for one component version.
func (s *Static) Register(reg Registration) error {
	if err := manifest.ValidateID(reg.ComponentID); err != nil {
		return errors.Wrap(err, "Static", "Register", "validate component id")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil factory for %s", errors.ErrInvalidConfig, reg.ComponentID),
			"Static", "Register", "factory validation")
	}
	if reg.ABISignature == 0 {
		reg.ABISignature = reg.Version.ABISignature
	}

	key := staticKey(reg.ComponentID, reg.Version)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.registrations[key]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: factory %s", errors.ErrAlreadyRegistered, key),
			"Static", "Register", "duplicate factory check")
	}
	s.registrations[key] = &reg
	return nil
}

// RegisterFuncs registers a function-backed unit that always returns fns.
func (s *Static) RegisterFuncs(id string, v version.ExtendedVersion, fns Funcs) error {
	return s.Register(Registration{
		ComponentID: id,
		Version:     v,
		Factory: func(context.Context, version.ExtendedVersion) (Implementation, error) {
			return fns, nil
		},
	})
}

// Unregister removes a factory.
func (s *Static) Unregister(id string, v version.ExtendedVersion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := staticKey(id, v)
	_, ok := s.registrations[key]
	delete(s.registrations, key)
	return ok
}

// Registrations lists registered units ordered by key.
func (s *Static) Registrations() []Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Registration, 0, len(s.registrations))
	for _, key := range slices.Sorted(maps.Keys(s.registrations)) {
		out = append(out, *s.registrations[key])
	}
	return out
}

// Load implements Loader.
func (s *Static) Load(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error) {
	s.mu.RLock()
	reg, ok := s.registrations[staticKey(id, v)]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no unit registered for %s", errors.ErrLibraryLoadFailed, staticKey(id, v)),
			"Static", "Load", "lookup factory")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Static", "Load", "check context")
	}

	impl, err := reg.Factory(ctx, v)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", errors.ErrLibraryLoadFailed, err)
		if errors.IsInvalid(err) || errors.IsFatal(err) {
			return nil, errors.Wrap(wrapped, "Static", "Load", "run factory")
		}
		return nil, errors.WrapTransient(wrapped, "Static", "Load", "run factory")
	}
	if err := Check(impl, v); err != nil {
		return nil, errors.Wrap(err, "Static", "Load", "check "+id)
	}

	opts := []HandleOption{
		WithABISignature(reg.ABISignature),
		WithContractHash(reg.ContractHash),
	}
	if reg.Release != nil {
		release := reg.Release
		opts = append(opts, WithRelease(func() error { return release(impl) }))
	}
	return NewHandle(id, v, impl, opts...), nil
}
