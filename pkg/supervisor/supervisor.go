package supervisor

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/warden/pkg/admission"
	"github.com/cuemby/warden/pkg/aux"
	"github.com/cuemby/warden/pkg/cancel"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/handshake"
	"github.com/cuemby/warden/pkg/ledger"
	"github.com/cuemby/warden/pkg/listener"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/registry"
	"github.com/cuemby/warden/pkg/spawn"
	"github.com/cuemby/warden/pkg/types"
)

// ChildExit is the Go substitute for SIGCHLD: one per-exec.Cmd Wait()
// goroutine posts exactly one of these when its child exits.
type ChildExit struct {
	Entry    *types.WorkerEntry
	ExitCode int
}

// Supervisor owns the singleton SupervisorState and every component
// that consults or mutates it. It is the only writer of
// SupervisorState; every other package only ever receives a value
// copy.
type Supervisor struct {
	mu    sync.Mutex
	state types.SupervisorState

	Registry  *registry.Registry
	Aux       *aux.Supervisor
	Listeners *listener.Set
	Ledger    *ledger.Ledger
	Handshake *handshake.Processor
	Spawner   *spawn.Spawner
	Admission admission.Limits

	// Config and ConfigPath back Reload: ConfigPath is the overlay file
	// re-read on every reload input, Config is the last configuration
	// that was successfully applied.
	Config     config.Config
	ConfigPath string

	PreserveCoreOnCrash bool
	ArchivingEnabled    bool

	childExitCh chan ChildExit
	signalCh    chan Input
	tickEvery   time.Duration

	activeCrash *uint64 // ledger id of the in-flight crash-recovery cycle, if any
}

// New constructs a Supervisor in the Booting phase.
func New() *Supervisor {
	return &Supervisor{
		state:       types.NewSupervisorState(),
		childExitCh: make(chan ChildExit, 64),
		signalCh:    make(chan Input, 8),
		tickEvery:   time.Second,
	}
}

// State returns a copy of the current SupervisorState, safe for any
// caller to read.
func (s *Supervisor) State() types.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkerCount implements metrics.StateSource.
func (s *Supervisor) WorkerCount() int {
	return s.Registry.Len()
}

// AdmissionLimits implements handshake.AdmissionFunc: a read of the
// current admission limits, safe to call concurrently with a reload
// updating them.
func (s *Supervisor) AdmissionLimits() admission.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Admission
}

// Signal enqueues an external input (ordinarily delivered from the
// os/signal channel by cmd/warden's main loop wiring).
func (s *Supervisor) Signal(input Input) {
	select {
	case s.signalCh <- input:
	default:
		log.WithComponent("supervisor").Warn().Msg("signal channel full, dropping input")
	}
}

// WatchChild spawns the dedicated goroutine that blocks on cmd.Wait()
// and posts the resulting ChildExit, the Go substitute for SIGCHLD
// spec.md §9 describes.
func (s *Supervisor) WatchChild(entry *types.WorkerEntry, cmd *exec.Cmd) {
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		s.childExitCh <- ChildExit{Entry: entry, ExitCode: code}
	}()
}

// Run is the single event loop. It returns when ctx is cancelled or
// a terminal condition (clean shutdown, fatal startup failure) is
// reached.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case input := <-s.signalCh:
			if done := s.handleInput(ctx, input); done {
				return nil
			}

		case exit := <-s.childExitCh:
			if done := s.reap(ctx, exit); done {
				return nil
			}

		case accepted := <-s.Listeners.Accepted():
			go s.handleAccepted(ctx, accepted)

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) handleInput(ctx context.Context, input Input) (done bool) {
	s.mu.Lock()
	current := s.state.Phase
	next := Transition(current, input)

	switch input {
	case Reload:
		s.mu.Unlock()
		s.reload()
		return false

	case ImmediateStop:
		s.state.Phase = types.ImmediateShutdown
		s.mu.Unlock()
		metrics.PhaseTransitionsTotal.WithLabelValues(types.ImmediateShutdown.String()).Inc()
		log.WithComponent("supervisor").Warn().Msg("immediate shutdown: exiting without waiting")
		return true
	}

	if next != current {
		s.state.Phase = next
		metrics.PhaseTransitionsTotal.WithLabelValues(next.String()).Inc()
		log.WithComponent("supervisor").Info().Str("phase", next.String()).Msg("phase transition")
	}
	s.mu.Unlock()
	return false
}

// tick drives periodic maintenance: auxiliary (re)start and the
// supervisor's own terminal-condition check during an active
// shutdown.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	// During an active shutdown, once the registry has drained and no
	// startup child is in flight, tell every auxiliary but the logger to
	// exit; the page writer's clean exit is then the terminal condition
	// the reaper acts on.
	if types.LevelOf(state.Phase) > types.NoShutdown && state.StartupChild == nil && s.Registry.Len() == 0 {
		for kind, entry := range state.Auxiliaries {
			if kind == types.AuxLogger || entry == nil || entry.Cmd == nil || entry.Cmd.Process == nil {
				continue
			}
			_ = entry.Cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	started := s.Aux.Tick(ctx, state, s.Registry.Len())
	if len(started) == 0 {
		return
	}

	s.mu.Lock()
	for kind, entry := range started {
		if kind == types.AuxStartup {
			s.state.StartupChild = entry
		} else {
			s.state.Auxiliaries[kind] = entry
		}
	}
	s.mu.Unlock()

	for _, entry := range started {
		s.WatchChild(entry, entry.Cmd)
	}
}

// reload implements spec.md §4.7's Reload input: re-read
// configuration from ConfigPath (keeping the previous configuration on
// failure, per config.Reload), apply the settings that can change live,
// and re-signal reload to every worker and every auxiliary except
// stats.
func (s *Supervisor) reload() {
	s.mu.Lock()
	path := s.ConfigPath
	previous := s.Config
	s.mu.Unlock()

	next := config.Reload(previous, path)

	s.mu.Lock()
	s.Config = next
	s.Admission = next.Admission()
	s.PreserveCoreOnCrash = next.PreserveCoreOnCrash
	s.ArchivingEnabled = next.ArchivingEnabled

	workers := s.Registry.Snapshot()
	var auxiliaries []*types.WorkerEntry
	for kind, entry := range s.state.Auxiliaries {
		if kind == types.AuxStats || entry == nil {
			continue
		}
		auxiliaries = append(auxiliaries, entry)
	}
	s.mu.Unlock()

	s.Aux.SetArchiverEnabled(next.ArchivingEnabled)
	s.Aux.SetLoggerEnabled(next.LogRedirectionEnabled)

	for _, peer := range workers {
		if peer.Cmd != nil && peer.Cmd.Process != nil {
			_ = peer.Cmd.Process.Signal(syscall.SIGHUP)
		}
	}
	for _, entry := range auxiliaries {
		if entry.Cmd != nil && entry.Cmd.Process != nil {
			_ = entry.Cmd.Process.Signal(syscall.SIGHUP)
		}
	}

	log.WithComponent("supervisor").Info().Msg("configuration reloaded")
}

func (s *Supervisor) handleAccepted(ctx context.Context, accepted listener.Accepted) {
	if accepted.Err != nil {
		log.WithComponent("supervisor").Warn().Err(accepted.Err).Msg("accept error")
		return
	}

	timer := metrics.NewTimer()
	result, err := s.Handshake.Process(accepted.Conn, accepted.Endpoint)
	timer.ObserveDuration(metrics.HandshakeDuration)

	if err != nil {
		if rejection, ok := err.(*types.Rejection); ok {
			metrics.AdmissionsTotal.WithLabelValues(string(rejection.Category)).Inc()
		}
		return
	}

	switch result.Outcome {
	case handshake.OutcomeCancel:
		cancel.Route(s.Registry, result.Cancel)
		accepted.Conn.Close()
	case handshake.OutcomeSession:
		metrics.AdmissionsTotal.WithLabelValues(string(types.CategoryOK)).Inc()
		entry, err := s.Spawner.Spawn(ctx, result.Context)
		if err != nil {
			log.WithComponent("supervisor").Error().Err(err).Msg("spawn failed")
			handshake.WriteErrorPacket(accepted.Conn, types.CategoryInternal, "failed to start worker")
			accepted.Conn.Close()
			return
		}
		s.WatchChild(entry, entry.Cmd)
	}
}
