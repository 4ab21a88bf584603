package swap

import "sync/atomic"

// Gate reports whether a component may currently be swapped. It mirrors an
// external accessibility flag.
type Gate interface {
	Accessible() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// Accessible calls f.
func (f GateFunc) Accessible() bool { return f() }

// GateState is the position of a component gate.
type GateState int32

const (
	GateOpen GateState = iota
	GateClosed
	GateIsolated
)

func (s GateState) String() string {
	switch s {
	case GateOpen:
		return "open"
	case GateClosed:
		return "closed"
	case GateIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Accessible is true only for GateOpen.
func (s GateState) Accessible() bool { return s == GateOpen }

// Switch is a settable gate. The zero value is open.
type Switch struct {
	state atomic.Int32
}

// NewSwitch returns a switch in the given state.
func NewSwitch(s GateState) *Switch {
	sw := &Switch{}
	sw.Set(s)
	return sw
}

// Set moves the switch.
func (sw *Switch) Set(s GateState) { sw.state.Store(int32(s)) }

// State returns the current position.
func (sw *Switch) State() GateState { return GateState(sw.state.Load()) }

// Accessible implements Gate.
func (sw *Switch) Accessible() bool { return sw.State().Accessible() }
