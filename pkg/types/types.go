// Package types holds the data model shared by every component of the
// supervisor: the life-phase state machine, the worker registry row
// shape, and the per-connection context that is built up during the
// handshake and handed off to a spawned worker.
package types

import (
	"net"
	"os/exec"
	"time"
)

// Phase is the supervisor's top-level life-phase. It is monotonic in
// severity: Running < SmartShutdown < FastShutdown < ImmediateShutdown.
// Booting and CrashRecovery carry no shutdown level: LevelOf maps them,
// like Running, to NoShutdown, so any shutdown request takes effect
// from them under the transition function in pkg/supervisor.
type Phase int

const (
	Booting Phase = iota
	Running
	SmartShutdown
	FastShutdown
	ImmediateShutdown
	CrashRecovery
)

func (p Phase) String() string {
	switch p {
	case Booting:
		return "booting"
	case Running:
		return "running"
	case SmartShutdown:
		return "smart-shutdown"
	case FastShutdown:
		return "fast-shutdown"
	case ImmediateShutdown:
		return "immediate-shutdown"
	case CrashRecovery:
		return "crash-recovery"
	default:
		return "unknown"
	}
}

// ShutdownLevel orders the three shutdown requests so a pending request
// can be compared against the phase already in effect. Only a strictly
// stronger request may take effect (spec: "a new request only takes
// effect if it is strictly stronger than the current life-phase").
type ShutdownLevel int

const (
	NoShutdown ShutdownLevel = iota
	Smart
	Fast
	Immediate
)

// LevelOf maps a Phase onto the ShutdownLevel it represents, so a
// pending ShutdownRequest can be compared directly against the current
// phase. Booting, Running and CrashRecovery all sit below Smart.
func LevelOf(p Phase) ShutdownLevel {
	switch p {
	case SmartShutdown:
		return Smart
	case FastShutdown:
		return Fast
	case ImmediateShutdown:
		return Immediate
	default:
		return NoShutdown
	}
}

// AuxKind identifies one of the five fixed auxiliary subsystems.
type AuxKind int

const (
	AuxStartup AuxKind = iota
	AuxPageWriter
	AuxArchiver
	AuxStats
	AuxLogger
)

func (k AuxKind) String() string {
	switch k {
	case AuxStartup:
		return "startup"
	case AuxPageWriter:
		return "page-writer"
	case AuxArchiver:
		return "archiver"
	case AuxStats:
		return "stats-collector"
	case AuxLogger:
		return "system-logger"
	default:
		return "unknown-aux"
	}
}

// WorkerKind distinguishes a client session worker from an auxiliary,
// which the reaper needs to tell apart when it classifies a child-exit.
type WorkerKind int

const (
	KindClient WorkerKind = iota
	KindStartup
	KindPageWriter
	KindArchiver
	KindStats
	KindLogger
)

// WorkerEntry is the authoritative registry row for one live child
// process. It is inserted atomically before the child can be observed
// externally (e.g. by a cancel request) and removed exactly once, by
// the reaper, after the child is observed to have exited.
type WorkerEntry struct {
	ID           uint32
	CancelSecret uint32
	CreatedAt    time.Time
	Kind         WorkerKind
	Cmd          *exec.Cmd
}

// EndpointKind distinguishes the listening endpoints the handshake
// processor needs to treat differently (secure-negotiation is refused
// outright on a local endpoint).
type EndpointKind int

const (
	EndpointNetwork EndpointKind = iota
	EndpointLocal
)

// EndpointMeta describes the listener an accepted connection arrived
// on; ConnectionContext carries one of these through to the worker.
type EndpointMeta struct {
	Kind    EndpointKind
	Address string
}

// Category is the stable, client-visible rejection category returned
// by the admission controller and rendered by the handshake processor.
type Category string

const (
	CategoryOK                  Category = "OK"
	CategoryStarting            Category = "STARTING"
	CategoryShuttingDown        Category = "SHUTTING_DOWN"
	CategoryRecovering          Category = "RECOVERING"
	CategorySaturated           Category = "SATURATED"
	CategoryUnsupportedProtocol Category = "UNSUPPORTED_PROTOCOL"
	CategoryBadUser             Category = "BAD_USER"
	CategoryInternal            Category = "INTERNAL"
)

// Verdict is the admission controller's decision, recorded onto the
// ConnectionContext before any reply reaches the client.
type Verdict struct {
	Category Category
	Message  string
}

// OK reports whether the verdict allows the worker spawner to proceed.
func (v Verdict) OK() bool { return v.Category == CategoryOK }

// Rejection is the structured error a denied handshake carries to the
// wire-level error packet writer.
type Rejection struct {
	Category Category
	Message  string
}

func (r *Rejection) Error() string { return string(r.Category) + ": " + r.Message }

// ConnectionContext is everything learned about a connection during
// the handshake, owned by the supervisor until the worker is spawned
// and then transferred, logically, to the worker (the supervisor keeps
// only the registry row after that point).
type ConnectionContext struct {
	Conn        net.Conn
	Endpoint    EndpointMeta
	Database    string
	User        string
	Options     map[string]string
	ProtocolMaj int
	ProtocolMin int
	Verdict     Verdict
	Secret      uint32
	Salt        [8]byte
}

// AuxSlotState is the auxiliary supervisor's view of one subsystem:
// either Absent or bound to a live WorkerEntry.
type AuxSlotState struct {
	Entry *WorkerEntry
}

// Present reports whether the auxiliary currently has a live child.
func (a AuxSlotState) Present() bool { return a.Entry != nil }

// SupervisorState is the singleton, process-wide state described in
// spec.md §3. It is owned exclusively by pkg/supervisor; every other
// package only ever reads a value received as a parameter.
type SupervisorState struct {
	Phase        Phase
	StartupChild *WorkerEntry
	Auxiliaries  map[AuxKind]*WorkerEntry
	FatalError   bool
}

// NewSupervisorState returns the zero-value state for a fresh boot:
// Booting, no startup child yet, no auxiliaries, no fatal error.
func NewSupervisorState() SupervisorState {
	return SupervisorState{
		Phase:       Booting,
		Auxiliaries: make(map[AuxKind]*WorkerEntry),
	}
}

// AdmitClients reports the invariant from spec.md §3: new client
// workers are admissible iff Running, no fatal error and no startup
// child in flight.
func (s SupervisorState) AdmitClients() bool {
	return s.Phase == Running && !s.FatalError && s.StartupChild == nil
}

// PageWriterRequired reports the invariant governing when the page
// writer auxiliary must be present.
func (s SupervisorState) PageWriterRequired() bool {
	if s.FatalError {
		return false
	}
	switch s.Phase {
	case Running, SmartShutdown, FastShutdown:
		return true
	default:
		return false
	}
}

// ShutdownRequest is the at-most-one pending shutdown target; a lower
// or equal request than the phase already in effect is ignored.
type ShutdownRequest struct {
	Level ShutdownLevel
}

// Stronger reports whether this request exceeds the phase currently in
// effect, i.e. whether it should be allowed to take effect.
func (r ShutdownRequest) Stronger(current Phase) bool {
	return r.Level > LevelOf(current)
}
