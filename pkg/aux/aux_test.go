package aux

import (
	"context"
	"os/exec"
	"testing"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLaunch(t *testing.T) ChildFactory {
	return func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.Command("true")
		require.NoError(t, cmd.Start())
		go cmd.Wait()
		return cmd, nil
	}
}

func TestTickStartsStartupChildWhileBooting(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxStartup, fakeLaunch(t))

	state := types.NewSupervisorState()
	started := s.Tick(context.Background(), state, 0)

	require.Contains(t, started, types.AuxStartup)
	assert.Equal(t, types.KindStartup, started[types.AuxStartup].Kind)
}

func TestTickDoesNotStartWhenAlreadyPresent(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxStartup, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.StartupChild = &types.WorkerEntry{ID: 1, Kind: types.KindStartup}

	started := s.Tick(context.Background(), state, 0)
	assert.NotContains(t, started, types.AuxStartup)
}

func TestTickStartsPageWriterWhenRunning(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxPageWriter, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.Phase = types.Running

	started := s.Tick(context.Background(), state, 0)
	require.Contains(t, started, types.AuxPageWriter)
}

func TestTickSkipsPageWriterDuringCrashRecovery(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxPageWriter, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.Phase = types.CrashRecovery
	state.FatalError = true

	started := s.Tick(context.Background(), state, 0)
	assert.NotContains(t, started, types.AuxPageWriter)
}

func TestTickDoesNotRestartStartupChildDuringCrashRecoveryUntilDrained(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxStartup, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.Phase = types.CrashRecovery
	state.FatalError = true

	started := s.Tick(context.Background(), state, 2)
	assert.NotContains(t, started, types.AuxStartup, "registry still has live workers")

	state.Auxiliaries[types.AuxPageWriter] = &types.WorkerEntry{ID: 9, Kind: types.KindPageWriter}
	started = s.Tick(context.Background(), state, 0)
	assert.NotContains(t, started, types.AuxStartup, "page writer has not drained yet")
}

func TestTickRestartsStartupChildDuringCrashRecoveryOnceDrained(t *testing.T) {
	s := New()
	s.SetLaunch(types.AuxStartup, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.Phase = types.CrashRecovery
	state.FatalError = true

	started := s.Tick(context.Background(), state, 0)
	require.Contains(t, started, types.AuxStartup, "registry and page writer are both drained")
}

func TestArchiverDisabledNeverStarts(t *testing.T) {
	s := New()
	s.SetArchiverEnabled(false)
	s.SetLaunch(types.AuxArchiver, fakeLaunch(t))

	state := types.NewSupervisorState()
	state.Phase = types.Running

	started := s.Tick(context.Background(), state, 0)
	assert.NotContains(t, started, types.AuxArchiver)
}

func TestLoggerDisabledNeverStarts(t *testing.T) {
	s := New()
	s.SetLoggerEnabled(false)
	s.SetLaunch(types.AuxLogger, fakeLaunch(t))

	state := types.NewSupervisorState()
	started := s.Tick(context.Background(), state, 0)
	assert.NotContains(t, started, types.AuxLogger)
}
