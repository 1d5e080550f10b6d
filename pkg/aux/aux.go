// Package aux implements C6: lifecycle of the five fixed auxiliary
// subsystems (startup/recovery, page writer, archiver, stats
// collector, system logger). It only starts auxiliaries; signalling
// them to exit and classifying their deaths is done by pkg/supervisor.
package aux

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// RestartPolicy governs how aggressively a dead auxiliary is
// relaunched.
type RestartPolicy int

const (
	// Always: start whenever required() is true and currently absent.
	Always RestartPolicy = iota
	// WhenPhaseAllows: same as Always, but the supervisor enforces an
	// additional ordering constraint (startup/recovery, page writer)
	// captured entirely by required()'s phase check — kept as its own
	// value so the slot table documents the distinction spec.md §4.6
	// draws between "restart freely" and "restart, but only when the
	// phase says so."
	WhenPhaseAllows
	// BestEffort: restart attempted, but a failure to start is logged
	// and does not affect FatalError — archiver and stats collector.
	BestEffort
)

// ChildFactory starts one instance of an auxiliary and returns its
// *exec.Cmd, already Start()-ed.
type ChildFactory func(ctx context.Context) (*exec.Cmd, error)

// requiredFunc reports whether kind's auxiliary should be running given
// the current supervisor state and the number of live registry
// workers. liveWorkers is only consulted by the startup/recovery slot,
// which must not relaunch until the fleet has drained (spec.md §4.8).
type requiredFunc func(state types.SupervisorState, liveWorkers int) bool

// Slot tracks one auxiliary's current entry, its policy, and how to
// launch a fresh instance.
type Slot struct {
	Kind     types.AuxKind
	Policy   RestartPolicy
	Launch   ChildFactory
	required requiredFunc
}

// Supervisor tracks all five auxiliaries.
type Supervisor struct {
	slots map[types.AuxKind]*Slot
}

// New builds a Supervisor with the fixed slot table from spec.md
// §4.6. Callers register each Launch factory after construction via
// SetLaunch, since the factories depend on spawn-time configuration
// this package does not own.
func New() *Supervisor {
	s := &Supervisor{slots: make(map[types.AuxKind]*Slot)}

	s.slots[types.AuxStartup] = &Slot{
		Kind:   types.AuxStartup,
		Policy: WhenPhaseAllows,
		required: func(st types.SupervisorState, liveWorkers int) bool {
			if st.Phase == types.Booting {
				return true
			}
			if st.Phase != types.CrashRecovery {
				return false
			}
			// Do not restart the startup child until the registry and
			// the page writer have both drained (spec.md §4.8, §8
			// scenario 3).
			return liveWorkers == 0 && st.Auxiliaries[types.AuxPageWriter] == nil
		},
	}
	s.slots[types.AuxPageWriter] = &Slot{
		Kind:   types.AuxPageWriter,
		Policy: WhenPhaseAllows,
		required: func(st types.SupervisorState, liveWorkers int) bool {
			return st.PageWriterRequired()
		},
	}
	s.slots[types.AuxArchiver] = &Slot{
		Kind:   types.AuxArchiver,
		Policy: BestEffort,
		required: func(st types.SupervisorState, liveWorkers int) bool {
			return st.Phase == types.Running && !st.FatalError
		},
	}
	s.slots[types.AuxStats] = &Slot{
		Kind:   types.AuxStats,
		Policy: BestEffort,
		required: func(st types.SupervisorState, liveWorkers int) bool {
			return st.Phase == types.Running && !st.FatalError
		},
	}
	s.slots[types.AuxLogger] = &Slot{
		Kind:   types.AuxLogger,
		Policy: Always,
		required: func(types.SupervisorState, int) bool {
			return true
		},
	}

	return s
}

// SetLaunch installs the factory used to start kind's auxiliary.
func (s *Supervisor) SetLaunch(kind types.AuxKind, launch ChildFactory) {
	if slot, ok := s.slots[kind]; ok {
		slot.Launch = launch
	}
}

// SetArchiverEnabled gates whether the archiver slot is ever required,
// wired from configuration at boot and again on every reload.
func (s *Supervisor) SetArchiverEnabled(enabled bool) {
	slot := s.slots[types.AuxArchiver]
	if enabled {
		slot.required = func(st types.SupervisorState, liveWorkers int) bool {
			return st.Phase == types.Running && !st.FatalError
		}
	} else {
		slot.required = func(types.SupervisorState, int) bool { return false }
	}
}

// SetLoggerEnabled gates whether the system logger is ever required,
// reflecting "when log redirection is enabled" from spec.md §4.6.
func (s *Supervisor) SetLoggerEnabled(enabled bool) {
	s.slots[types.AuxLogger].required = func(types.SupervisorState, int) bool { return enabled }
}

// Tick starts any auxiliary that should be running but isn't. It is
// invoked on every maintenance tick of the main loop. state.Auxiliaries and
// state.StartupChild are consulted to know which slots are currently
// occupied; liveWorkers is the registry's current size, needed by the
// startup/recovery slot's drained check; newly started entries are
// written back into the appropriate slot of state by the caller, since
// only pkg/supervisor owns SupervisorState mutation.
func (s *Supervisor) Tick(ctx context.Context, state types.SupervisorState, liveWorkers int) map[types.AuxKind]*types.WorkerEntry {
	started := make(map[types.AuxKind]*types.WorkerEntry)

	for kind, slot := range s.slots {
		if !slot.required(state, liveWorkers) {
			continue
		}
		if s.present(kind, state) {
			continue
		}
		if slot.Launch == nil {
			continue
		}

		cmd, err := slot.Launch(ctx)
		if err != nil {
			log.WithComponent("aux").Error().Str("aux", kind.String()).Err(err).Msg("failed to start auxiliary")
			metrics.SpawnFailuresTotal.Inc()
			continue
		}

		started[kind] = &types.WorkerEntry{Kind: auxWorkerKind(kind), Cmd: cmd}
		metrics.AuxiliaryRestartsTotal.WithLabelValues(kind.String()).Inc()
		log.WithComponent("aux").Info().Str("aux", kind.String()).Msg("started auxiliary")
	}

	return started
}

func (s *Supervisor) present(kind types.AuxKind, state types.SupervisorState) bool {
	if kind == types.AuxStartup {
		return state.StartupChild != nil
	}
	return state.Auxiliaries[kind] != nil
}

func auxWorkerKind(kind types.AuxKind) types.WorkerKind {
	switch kind {
	case types.AuxStartup:
		return types.KindStartup
	case types.AuxPageWriter:
		return types.KindPageWriter
	case types.AuxArchiver:
		return types.KindArchiver
	case types.AuxStats:
		return types.KindStats
	case types.AuxLogger:
		return types.KindLogger
	default:
		panic(fmt.Sprintf("aux: unhandled kind %v", kind))
	}
}
