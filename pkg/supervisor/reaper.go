package supervisor

import (
	"context"
	"syscall"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// quitSignal tells a peer to terminate cleanly; stopSignal is sent
// instead when PreserveCoreOnCrash is configured, leaving the process
// suspended (and its core inspectable) rather than terminated.
const (
	quitSignal = syscall.SIGQUIT
	stopSignal = syscall.SIGSTOP
)

// reap classifies one child-exit notification per spec.md §4.8 and
// returns true if this exit is the supervisor's own terminal
// condition.
func (s *Supervisor) reap(ctx context.Context, exit ChildExit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := exit.Entry

	switch entry.Kind {
	case types.KindStartup:
		return s.reapStartup(exit)
	case types.KindPageWriter:
		return s.reapPageWriter(exit)
	case types.KindArchiver, types.KindStats, types.KindLogger:
		s.reapBestEffortAux(entry)
		return false
	default:
		return s.reapWorker(exit)
	}
}

func (s *Supervisor) reapStartup(exit ChildExit) bool {
	s.state.StartupChild = nil

	if exit.ExitCode != 0 {
		if s.state.Phase == types.Booting {
			log.WithComponent("reaper").Fatal().Msg("startup child failed during boot")
			return true
		}
		// CrashRecovery: retry indefinitely, same policy — leaving
		// StartupChild nil lets the next aux tick relaunch it.
		log.WithComponent("reaper").Warn().Msg("startup child failed during recovery, retrying")
		return false
	}

	s.state.FatalError = false
	if s.state.Phase == types.Booting || s.state.Phase == types.CrashRecovery {
		s.state.Phase = types.Running
		metrics.PhaseTransitionsTotal.WithLabelValues(types.Running.String()).Inc()
	}
	if s.activeCrash != nil {
		if s.Ledger != nil {
			_ = s.Ledger.RecordRecovered(*s.activeCrash)
		}
		s.activeCrash = nil
	}
	log.WithComponent("reaper").Info().Msg("startup child completed, admissions re-enabled")
	return false
}

func (s *Supervisor) reapPageWriter(exit ChildExit) bool {
	delete(s.state.Auxiliaries, types.AuxPageWriter)

	shuttingDown := types.LevelOf(s.state.Phase) > types.NoShutdown
	drained := s.Registry.Len() == 0 && s.state.StartupChild == nil

	if exit.ExitCode == 0 && shuttingDown && drained {
		log.WithComponent("reaper").Info().Msg("page writer exited cleanly during shutdown, supervisor exiting")
		return true
	}

	s.enterCrashRecovery("page writer crashed", 0)
	return false
}

func (s *Supervisor) reapBestEffortAux(entry *types.WorkerEntry) {
	kind := workerToAuxKind(entry.Kind)
	delete(s.state.Auxiliaries, kind)
	log.WithComponent("reaper").Warn().Str("aux", kind.String()).Msg("auxiliary exited, will restart")
}

func (s *Supervisor) reapWorker(exit ChildExit) bool {
	s.Registry.Remove(exit.Entry.ID)
	metrics.WorkersLive.Dec()

	if exit.ExitCode == 0 {
		return false
	}

	log.WithWorker(exit.Entry.ID).Error().Int("exit_code", exit.ExitCode).Msg("worker crashed")
	s.enterCrashRecovery("worker crashed", exit.Entry.ID)
	return false
}

// enterCrashRecovery implements the fleet-wide quiesce from spec.md
// §4.8: every other worker, the page writer, archiver and stats are
// told to quit (or stop, if core-dump preservation is configured);
// the logger is retained. The startup child is relaunched once the
// registry and page writer have both drained — left to the next
// aux.Tick, gated by state.StartupChild == nil and
// state.Auxiliaries[AuxPageWriter] == nil.
func (s *Supervisor) enterCrashRecovery(cause string, workerID uint32) {
	if s.state.FatalError {
		return // already quiescing
	}

	s.state.FatalError = true
	s.state.Phase = types.CrashRecovery
	metrics.PhaseTransitionsTotal.WithLabelValues(types.CrashRecovery.String()).Inc()
	metrics.CrashRecoveryCyclesTotal.Inc()

	sig := quitSignal
	if s.PreserveCoreOnCrash {
		sig = stopSignal
	}

	for _, peer := range s.Registry.Snapshot() {
		if peer.Cmd != nil && peer.Cmd.Process != nil {
			_ = peer.Cmd.Process.Signal(sig)
		}
	}
	for kind, aux := range s.state.Auxiliaries {
		if kind == types.AuxLogger {
			continue
		}
		if aux.Cmd != nil && aux.Cmd.Process != nil {
			_ = aux.Cmd.Process.Signal(quitSignal)
		}
	}

	if s.Ledger != nil {
		if id, err := s.Ledger.RecordCrash(cause, workerID); err == nil {
			s.activeCrash = &id
		}
	}
}

func workerToAuxKind(k types.WorkerKind) types.AuxKind {
	switch k {
	case types.KindArchiver:
		return types.AuxArchiver
	case types.KindStats:
		return types.AuxStats
	case types.KindLogger:
		return types.AuxLogger
	default:
		return types.AuxLogger
	}
}
