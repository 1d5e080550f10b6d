// Package admission implements C3: the pure decision of whether a new
// connection may proceed, given fleet-wide supervisor state and the
// current live-worker count. It touches no I/O and holds no state of
// its own, which is what makes it directly unit-testable against
// every combination spec.md §4.3 enumerates.
package admission

import "github.com/cuemby/warden/pkg/types"

// Limits carries the configuration admission needs: the nominal
// connection cap and the multiplier past which new connections are
// rejected as saturated. Both are kept as named config fields (rather
// than one derived constant) so an operator can retune the safety
// margin without touching the cap itself.
type Limits struct {
	MaxConnections   int
	SaturationFactor int
}

// saturationFactor returns cfg's configured factor, defaulting to 2
// when unset (the zero value), matching spec.md §4.3's "factor of 2".
func (l Limits) saturationFactor() int {
	if l.SaturationFactor <= 0 {
		return 2
	}
	return l.SaturationFactor
}

// Decide evaluates the admission verdict for a prospective new
// connection. Order matters: startup-in-progress and shutdown take
// priority over saturation, matching the priority implied by spec.md
// §4.3's verdict list (a shutting-down supervisor should say so even
// if it also happens to be over the connection cap).
func Decide(state types.SupervisorState, liveWorkers int, cfg Limits) types.Verdict {
	if state.StartupChild != nil {
		return types.Verdict{Category: types.CategoryStarting, Message: "starting up"}
	}
	if types.LevelOf(state.Phase) > types.NoShutdown {
		return types.Verdict{Category: types.CategoryShuttingDown, Message: "shutting down"}
	}
	if state.FatalError {
		return types.Verdict{Category: types.CategoryRecovering, Message: "in recovery"}
	}
	if liveWorkers >= cfg.MaxConnections*cfg.saturationFactor() {
		return types.Verdict{Category: types.CategorySaturated, Message: "too many connections"}
	}
	return types.Verdict{Category: types.CategoryOK}
}
