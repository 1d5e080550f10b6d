package admission

import (
	"testing"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
)

func cfg() Limits { return Limits{MaxConnections: 10} }

func TestDecideOkWhenNominal(t *testing.T) {
	state := types.SupervisorState{Phase: types.Running}
	v := Decide(state, 3, cfg())
	assert.True(t, v.OK())
	assert.Equal(t, types.CategoryOK, v.Category)
}

func TestDecideStartingWhenStartupChildPresent(t *testing.T) {
	state := types.SupervisorState{Phase: types.Booting, StartupChild: &types.WorkerEntry{ID: 1}}
	v := Decide(state, 0, cfg())
	assert.Equal(t, types.CategoryStarting, v.Category)
}

func TestDecideShuttingDownAtAnyShutdownLevel(t *testing.T) {
	for _, p := range []types.Phase{types.SmartShutdown, types.FastShutdown, types.ImmediateShutdown} {
		state := types.SupervisorState{Phase: p}
		v := Decide(state, 0, cfg())
		assert.Equal(t, types.CategoryShuttingDown, v.Category, "phase %s", p)
	}
}

func TestDecideRecoveringWhenFatalErrorSet(t *testing.T) {
	state := types.SupervisorState{Phase: types.Running, FatalError: true}
	v := Decide(state, 0, cfg())
	assert.Equal(t, types.CategoryRecovering, v.Category)
}

func TestDecideSaturatedAtExactlyTwiceMax(t *testing.T) {
	state := types.SupervisorState{Phase: types.Running}

	v := Decide(state, 19, cfg())
	assert.Equal(t, types.CategoryOK, v.Category)

	v = Decide(state, 20, cfg())
	assert.Equal(t, types.CategorySaturated, v.Category)
}

func TestDecideCustomSaturationFactor(t *testing.T) {
	state := types.SupervisorState{Phase: types.Running}
	limits := Limits{MaxConnections: 10, SaturationFactor: 3}

	v := Decide(state, 29, limits)
	assert.Equal(t, types.CategoryOK, v.Category)

	v = Decide(state, 30, limits)
	assert.Equal(t, types.CategorySaturated, v.Category)
}

func TestDecidePriorityStartingOverShutdown(t *testing.T) {
	state := types.SupervisorState{
		Phase:        types.SmartShutdown,
		StartupChild: &types.WorkerEntry{ID: 1},
	}
	v := Decide(state, 0, cfg())
	assert.Equal(t, types.CategoryStarting, v.Category)
}
