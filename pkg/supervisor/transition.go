// Package supervisor implements C7 (the signal/state machine) and C8
// (the reaper). Transition is kept as a pure function, independent of
// any OS signal or process state, so the state machine's monotonicity
// is directly unit-testable.
package supervisor

import "github.com/cuemby/warden/pkg/types"

// Input is the alphabet of asynchronous events the state machine
// reacts to.
type Input int

const (
	Reload Input = iota
	SmartStop
	FastStop
	ImmediateStop
	ChildExit
	Tick
)

// Transition computes the next phase for (current, input), applying
// spec.md §4.7's monotonicity rule: a shutdown request only takes
// effect if it is strictly stronger than the phase already in effect.
// ChildExit and Tick never change Phase directly — their effects are
// applied by the reaper and the aux supervisor respectively, which
// both operate on SupervisorState as a whole, not on Phase alone.
func Transition(current types.Phase, input Input) types.Phase {
	switch input {
	case SmartStop:
		return applyIfStronger(current, types.SmartShutdown)
	case FastStop:
		return applyIfStronger(current, types.FastShutdown)
	case ImmediateStop:
		return applyIfStronger(current, types.ImmediateShutdown)
	default:
		return current
	}
}

func applyIfStronger(current, requested types.Phase) types.Phase {
	req := types.ShutdownRequest{Level: types.LevelOf(requested)}
	if req.Stronger(current) {
		return requested
	}
	return current
}
