package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cuemby/warden/pkg/aux"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/ledger"
	"github.com/cuemby/warden/pkg/registry"
	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New()
	s.Registry = registry.New()
	s.Aux = aux.New()

	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	s.Ledger = l

	return s
}

func liveCmd(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
	return cmd
}

func TestReapStartupZeroExitAdvancesToRunning(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Booting
	s.state.StartupChild = &types.WorkerEntry{ID: 1, Kind: types.KindStartup}

	done := s.reap(context.Background(), ChildExit{Entry: s.state.StartupChild, ExitCode: 0})

	assert.False(t, done)
	assert.Equal(t, types.Running, s.state.Phase)
	assert.Nil(t, s.state.StartupChild)
	assert.False(t, s.state.FatalError)
}

func TestReapStartupNonzeroExitDuringBootIsFatal(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Booting
	entry := &types.WorkerEntry{ID: 1, Kind: types.KindStartup}
	s.state.StartupChild = entry

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 1})
	assert.True(t, done)
}

func TestReapStartupNonzeroExitDuringCrashRecoveryRetries(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.CrashRecovery
	entry := &types.WorkerEntry{ID: 1, Kind: types.KindStartup}
	s.state.StartupChild = entry

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 1})
	assert.False(t, done)
	assert.Equal(t, types.CrashRecovery, s.state.Phase)
	assert.Nil(t, s.state.StartupChild)
}

func TestReapWorkerCleanExitRemovesFromRegistry(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Running
	entry, err := s.Registry.Reserve(5, types.KindClient)
	require.NoError(t, err)

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 0})
	assert.False(t, done)
	assert.Nil(t, s.Registry.Find(5))
	assert.False(t, s.state.FatalError)
}

func TestReapWorkerCrashTriggersFleetQuiesce(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Running

	survivor, err := s.Registry.Reserve(1, types.KindClient)
	require.NoError(t, err)
	s.Registry.Bind(1, 1, liveCmd(t))

	crashed, err := s.Registry.Reserve(2, types.KindClient)
	require.NoError(t, err)
	s.Registry.Bind(2, 2, liveCmd(t))

	done := s.reap(context.Background(), ChildExit{Entry: crashed, ExitCode: 1})

	assert.False(t, done)
	assert.True(t, s.state.FatalError)
	assert.Equal(t, types.CrashRecovery, s.state.Phase)
	assert.Nil(t, s.Registry.Find(2), "crashed worker removed from registry")
	assert.NotNil(t, s.Registry.Find(1), "survivor still tracked pending its own exit")

	count, err := s.Ledger.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_ = survivor
}

func TestReapPageWriterCleanExitDuringDrainedShutdownIsTerminal(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.FastShutdown
	entry := &types.WorkerEntry{ID: 9, Kind: types.KindPageWriter}
	s.state.Auxiliaries[types.AuxPageWriter] = entry

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 0})
	assert.True(t, done)
}

func TestReapPageWriterNonzeroExitIsCrash(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Running
	entry := &types.WorkerEntry{ID: 9, Kind: types.KindPageWriter}
	s.state.Auxiliaries[types.AuxPageWriter] = entry

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 1})
	assert.False(t, done)
	assert.True(t, s.state.FatalError)
}

func TestReapBestEffortAuxJustClearsSlot(t *testing.T) {
	s := newTestSupervisor(t)
	s.state.Phase = types.Running
	entry := &types.WorkerEntry{ID: 3, Kind: types.KindArchiver}
	s.state.Auxiliaries[types.AuxArchiver] = entry

	done := s.reap(context.Background(), ChildExit{Entry: entry, ExitCode: 1})
	assert.False(t, done)
	assert.False(t, s.state.FatalError)
	assert.Nil(t, s.state.Auxiliaries[types.AuxArchiver])
}

func TestReloadReReadsOverlayAndUpdatesLiveAdmission(t *testing.T) {
	s := newTestSupervisor(t)

	overlay := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("max_connections: 250\n"), 0o644))

	cfg := config.Default()
	cfg.ConfigPath = overlay
	s.Config = cfg
	s.ConfigPath = cfg.ConfigPath
	s.Admission = cfg.Admission()

	s.reload()

	assert.Equal(t, 250, s.Config.MaxConnections)
	assert.Equal(t, 250, s.AdmissionLimits().MaxConnections)
}

func TestReloadKeepsPreviousConfigOnOverlayReadFailure(t *testing.T) {
	s := newTestSupervisor(t)

	cfg := config.Default()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	s.Config = cfg
	s.ConfigPath = cfg.ConfigPath
	s.Admission = cfg.Admission()

	s.reload()

	assert.Equal(t, cfg.MaxConnections, s.Config.MaxConnections)
	assert.Equal(t, cfg.MaxConnections, s.AdmissionLimits().MaxConnections)
}

func TestReloadSignalsLiveWorkersAndNonStatsAuxiliaries(t *testing.T) {
	s := newTestSupervisor(t)
	s.Config = config.Default()

	worker := liveCmd(t)
	_, err := s.Registry.Reserve(1, types.KindClient)
	require.NoError(t, err)
	s.Registry.Bind(1, 0xdeadbeef, worker)

	pageWriter := liveCmd(t)
	s.state.Auxiliaries[types.AuxPageWriter] = &types.WorkerEntry{ID: 2, Kind: types.KindPageWriter, Cmd: pageWriter}
	stats := liveCmd(t)
	s.state.Auxiliaries[types.AuxStats] = &types.WorkerEntry{ID: 3, Kind: types.KindStats, Cmd: stats}

	s.reload()

	workerState, err := worker.Process.Wait()
	require.NoError(t, err)
	assert.True(t, workerState.Signaled(), "live worker should receive reload's SIGHUP")

	pageWriterState, err := pageWriter.Process.Wait()
	require.NoError(t, err)
	assert.True(t, pageWriterState.Signaled(), "non-stats auxiliary should receive reload's SIGHUP")

	assert.NoError(t, stats.Process.Kill())
	_, _ = stats.Process.Wait()
}
