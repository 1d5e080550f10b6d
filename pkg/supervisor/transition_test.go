package supervisor

import (
	"testing"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTransitionSmartFromRunning(t *testing.T) {
	assert.Equal(t, types.SmartShutdown, Transition(types.Running, SmartStop))
}

func TestTransitionFastStrongerThanSmart(t *testing.T) {
	assert.Equal(t, types.FastShutdown, Transition(types.SmartShutdown, FastStop))
}

func TestTransitionIgnoresWeakerRequest(t *testing.T) {
	assert.Equal(t, types.FastShutdown, Transition(types.FastShutdown, SmartStop))
}

func TestTransitionIgnoresEqualRequest(t *testing.T) {
	assert.Equal(t, types.FastShutdown, Transition(types.FastShutdown, FastStop))
}

func TestTransitionImmediateAlwaysWins(t *testing.T) {
	assert.Equal(t, types.ImmediateShutdown, Transition(types.FastShutdown, ImmediateStop))
	assert.Equal(t, types.ImmediateShutdown, Transition(types.Running, ImmediateStop))
}

func TestTransitionReloadAndTickAndChildExitAreNoOpsOnPhase(t *testing.T) {
	assert.Equal(t, types.Running, Transition(types.Running, Reload))
	assert.Equal(t, types.Running, Transition(types.Running, Tick))
	assert.Equal(t, types.Running, Transition(types.Running, ChildExit))
}

func TestTransitionMonotonicAcrossFullSequence(t *testing.T) {
	phase := types.Running
	for _, input := range []Input{SmartStop, FastStop, ImmediateStop} {
		next := Transition(phase, input)
		assert.GreaterOrEqual(t, types.LevelOf(next), types.LevelOf(phase))
		phase = next
	}
	assert.Equal(t, types.ImmediateShutdown, phase)
}
