// Package loader acquires loadable units: the implementation of one
// component version together with its capability set.
//
// A unit exposes four capabilities (update, validate, quiesce, resume).
// Implementations are either function-backed (Funcs) or object-backed
// (FromObject); both satisfy Implementation. Check verifies at load time
// that a unit provides what its version requires.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/version"
)

// Implementation is the capability surface of a running component.
type Implementation interface {
	Update(ctx context.Context) error
	Validate(ctx context.Context) error
	Quiesce(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Capability is a bit set of implementation capabilities.
type Capability uint8

const (
	CapUpdate Capability = 1 << iota
	CapValidate
	CapQuiesce
	CapResume

	CapAll = CapUpdate | CapValidate | CapQuiesce | CapResume
)

func (c Capability) String() string {
	var names []string
	for _, n := range []struct {
		c    Capability
		name string
	}{{CapUpdate, "update"}, {CapValidate, "validate"}, {CapQuiesce, "quiesce"}, {CapResume, "resume"}} {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CapabilityReporter is implemented by implementations that provide only
// part of the capability set.
type CapabilityReporter interface {
	Capabilities() Capability
}

// Capabilities returns what impl provides. Implementations that do not
// report are assumed complete.
func Capabilities(impl Implementation) Capability {
	if impl == nil {
		return 0
	}
	if r, ok := impl.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return CapAll
}

// Required returns the capabilities a unit of version v must provide.
func Required(v version.ExtendedVersion) Capability {
	req := CapUpdate | CapValidate
	if v.RequiresQuiesce {
		req |= CapQuiesce | CapResume
	}
	return req
}

// Check verifies the capability contract of impl for version v.
func Check(impl Implementation, v version.ExtendedVersion) error {
	if impl == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil implementation", errors.ErrLibraryLoadFailed),
			"loader", "Check", "check implementation")
	}
	req := Required(v)
	if missing := req &^ Capabilities(impl); missing != 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s lacks %s", errors.ErrLibraryLoadFailed, v, missing),
			"loader", "Check", "check capabilities")
	}
	return nil
}

// Funcs is a function-backed Implementation. Nil functions are missing
// capabilities; calling one is a no-op.
type Funcs struct {
	UpdateFunc   func(ctx context.Context) error
	ValidateFunc func(ctx context.Context) error
	QuiesceFunc  func(ctx context.Context) error
	ResumeFunc   func(ctx context.Context) error
}

func call(f func(context.Context) error, ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

func (f Funcs) Update(ctx context.Context) error   { return call(f.UpdateFunc, ctx) }
func (f Funcs) Validate(ctx context.Context) error { return call(f.ValidateFunc, ctx) }
func (f Funcs) Quiesce(ctx context.Context) error  { return call(f.QuiesceFunc, ctx) }
func (f Funcs) Resume(ctx context.Context) error   { return call(f.ResumeFunc, ctx) }

// Capabilities implements CapabilityReporter.
func (f Funcs) Capabilities() Capability {
	var c Capability
	if f.UpdateFunc != nil {
		c |= CapUpdate
	}
	if f.ValidateFunc != nil {
		c |= CapValidate
	}
	if f.QuiesceFunc != nil {
		c |= CapQuiesce
	}
	if f.ResumeFunc != nil {
		c |= CapResume
	}
	return c
}

// Single-capability interfaces recognized by FromObject.
type (
	Updater   interface{ Update(ctx context.Context) error }
	Validator interface{ Validate(ctx context.Context) error }
	Quiescer  interface{ Quiesce(ctx context.Context) error }
	Resumer   interface{ Resume(ctx context.Context) error }
)

// FromObject builds an object-backed Implementation from any value with
// some of the four capability methods. A value with none is an error.
func FromObject(obj any) (Implementation, error) {
	if impl, ok := obj.(Implementation); ok {
		return impl, nil
	}
	var f Funcs
	if u, ok := obj.(Updater); ok {
		f.UpdateFunc = u.Update
	}
	if v, ok := obj.(Validator); ok {
		f.ValidateFunc = v.Validate
	}
	if q, ok := obj.(Quiescer); ok {
		f.QuiesceFunc = q.Quiesce
	}
	if r, ok := obj.(Resumer); ok {
		f.ResumeFunc = r.Resume
	}
	if f.Capabilities() == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %T has no capability methods", errors.ErrLibraryLoadFailed, obj),
			"loader", "FromObject", "inspect object")
	}
	return f, nil
}
