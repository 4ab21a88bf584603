package swap

import (
	"fmt"
	"slices"

	"github.com/obinexus/gov-clock/errors"
)

// Phase is a step of the swap protocol.
type Phase int32

const (
	Idle Phase = iota
	Quiescing
	Loading
	Validating
	Committing
	Resuming
	RollingBack
)

var phaseNames = [...]string{"idle", "quiescing", "loading", "validating", "committing", "resuming", "rolling_back"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// transitions lists the legal successors of each phase. Quiescing returns
// to Idle when quiesce fails before anything was loaded.
var transitions = map[Phase][]Phase{
	Idle:        {Quiescing, Loading},
	Quiescing:   {Loading, Idle},
	Loading:     {Validating, RollingBack},
	Validating:  {Committing, RollingBack},
	Committing:  {Resuming, RollingBack},
	Resuming:    {Idle, RollingBack},
	RollingBack: {Idle},
}

// CanTransition reports whether from -> to is a legal protocol step.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return errors.WrapFatal(fmt.Errorf("%w: swap phase %s -> %s", errors.ErrInvalidConfig, from, to),
			"Orchestrator", "HotSwap", "advance phase")
	}
	return nil
}
