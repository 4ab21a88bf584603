package loader

import (
	"context"
	"sync"

	"github.com/obinexus/gov-clock/version"
)

// Loader acquires the unit for one component version.
type Loader interface {
	Load(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, id string, v version.ExtendedVersion) (*Handle, error) {
	return f(ctx, id, v)
}

// Handle is an acquired unit. Release frees whatever the loader holds for
// it and is safe to call more than once.
type Handle struct {
	ComponentID string
	Version     version.ExtendedVersion
	// ABISignature is the ABI the unit was built against. The swap
	// orchestrator requires it to match the target manifest.
	ABISignature uint64
	// ContractHash identifies the unit's external contract, if known.
	ContractHash string
	Impl         Implementation

	releaseOnce sync.Once
	release     func() error
	releaseErr  error
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithRelease sets the function run by Release.
func WithRelease(fn func() error) HandleOption {
	return func(h *Handle) { h.release = fn }
}

// WithContractHash records the unit's contract hash.
func WithContractHash(hash string) HandleOption {
	return func(h *Handle) { h.ContractHash = hash }
}

// WithABISignature overrides the ABI signature taken from the version.
func WithABISignature(sig uint64) HandleOption {
	return func(h *Handle) { h.ABISignature = sig }
}

// NewHandle wraps impl for component id at version v.
func NewHandle(id string, v version.ExtendedVersion, impl Implementation, opts ...HandleOption) *Handle {
	h := &Handle{
		ComponentID:  id,
		Version:      v,
		ABISignature: v.ABISignature,
		Impl:         impl,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Release frees the unit.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.releaseOnce.Do(func() {
		if h.release != nil {
			h.releaseErr = h.release()
		}
	})
	return h.releaseErr
}
