package handshake

import (
	"fmt"
	"net"
	"time"

	"github.com/cuemby/warden/pkg/admission"
	"github.com/cuemby/warden/pkg/entropy"
	"github.com/cuemby/warden/pkg/secure"
	"github.com/cuemby/warden/pkg/types"
)

// StateFunc, CountFunc and AdmissionFunc let the processor ask the
// supervisor for the inputs admission.Decide needs without taking a
// hard dependency on pkg/supervisor (which itself imports
// pkg/handshake, so the reverse import would form a cycle).
// Admission is a closure rather than a plain value so a configuration
// reload (pkg/supervisor's Reload input) is reflected on the very next
// connection without reconstructing the Processor.
type StateFunc func() types.SupervisorState
type CountFunc func() int
type AdmissionFunc func() admission.Limits

// Processor implements the full C2 flow against one accepted
// connection: optional secure-transport negotiation, version and
// parameter parsing, and recording an admission verdict before any
// reply is sent.
type Processor struct {
	Limits    Limits
	Admission AdmissionFunc
	State     StateFunc
	LiveCount CountFunc
	Transport *secure.Transport // nil disables secure-transport negotiation entirely
	Entropy   *entropy.Source
}

// Outcome distinguishes what Process produced.
type Outcome int

const (
	OutcomeSession Outcome = iota
	OutcomeCancel
)

// Result is what a successfully parsed startup exchange yields: either
// a cancellation to route to C9, or a connection context ready for C3/C4.
type Result struct {
	Outcome Outcome
	Cancel  CancelRequest
	Context *types.ConnectionContext
}

// Process runs the full handshake against conn, which was just
// accepted on the endpoint described by ep. On any protocol
// violation it writes a best-effort error packet and closes conn
// itself, returning the violation error; the caller need not write
// anything more in that case.
func (p *Processor) Process(conn net.Conn, ep types.EndpointMeta) (*Result, error) {
	msg, err := Read(conn, p.Limits)
	if err != nil {
		p.failAndClose(conn, err)
		return nil, err
	}

	if msg.Discriminator == CodeCancel {
		cancel, err := parseCancel(msg.Body)
		if err != nil {
			p.failAndClose(conn, err)
			return nil, err
		}
		return &Result{Outcome: OutcomeCancel, Cancel: cancel}, nil
	}

	if msg.Discriminator == CodeSecureNegotiate {
		conn, msg, err = p.negotiateSecure(conn, ep)
		if err != nil {
			p.failAndClose(conn, err)
			return nil, err
		}
		if msg.Discriminator == CodeCancel {
			cancel, err := parseCancel(msg.Body)
			if err != nil {
				p.failAndClose(conn, err)
				return nil, err
			}
			return &Result{Outcome: OutcomeCancel, Cancel: cancel}, nil
		}
		if msg.Discriminator == CodeSecureNegotiate {
			err := &ErrProtocolViolation{Reason: "repeated secure-transport negotiation"}
			p.failAndClose(conn, err)
			return nil, err
		}
	}

	major := int(msg.Discriminator >> 16)
	minor := int(msg.Discriminator & 0xFFFF)
	if !acceptedVersion(major, minor) {
		cc := &types.ConnectionContext{
			Conn:     conn,
			Endpoint: ep,
			Verdict:  types.Verdict{Category: types.CategoryUnsupportedProtocol, Message: "unsupported protocol version"},
		}
		p.reply(conn, cc.Verdict)
		conn.Close()
		return nil, &ErrProtocolViolation{Reason: "unsupported protocol version"}
	}

	cc := &types.ConnectionContext{
		Conn:        conn,
		Endpoint:    ep,
		ProtocolMaj: major,
		ProtocolMin: minor,
	}

	var parseErr error
	if major >= 3 {
		parseErr = parseParams(msg.Body, cc)
	} else {
		parseErr = parseLegacyFields(msg.Body, cc)
	}
	if parseErr != nil {
		p.failAndClose(conn, parseErr)
		return nil, parseErr
	}

	if p.Entropy != nil {
		var salt [8]byte
		for i := 0; i < 8; i += 4 {
			v := p.Entropy.Next()
			salt[i] = byte(v >> 24)
			salt[i+1] = byte(v >> 16)
			salt[i+2] = byte(v >> 8)
			salt[i+3] = byte(v)
		}
		cc.Salt = salt
	}

	verdict := admission.Decide(p.State(), p.LiveCount(), p.Admission())
	cc.Verdict = verdict

	if !verdict.OK() {
		p.reply(conn, verdict)
		conn.Close()
		return nil, &types.Rejection{Category: verdict.Category, Message: verdict.Message}
	}

	return &Result{Outcome: OutcomeSession, Context: cc}, nil
}

// negotiateSecure implements the 'S'/'N' byte reply and, on 'S', the
// recursive inner startup message read.
func (p *Processor) negotiateSecure(conn net.Conn, ep types.EndpointMeta) (net.Conn, *Message, error) {
	canSecure := p.Transport != nil && ep.Kind == types.EndpointNetwork

	reply := byte('N')
	if canSecure {
		reply = 'S'
	}
	if _, err := conn.Write([]byte{reply}); err != nil {
		return conn, nil, fmt.Errorf("handshake: write secure-negotiate reply: %w", err)
	}

	if !canSecure {
		msg, err := Read(conn, p.Limits)
		return conn, msg, err
	}

	tlsConn, err := p.Transport.Negotiate(conn)
	if err != nil {
		return conn, nil, fmt.Errorf("handshake: %w", err)
	}
	msg, err := Read(tlsConn, p.Limits)
	return tlsConn, msg, err
}

// WriteErrorPacket performs the one-shot, best-effort, non-blocking
// textual error reply spec.md §4.2 requires on rejection: a short
// write deadline, a single Write, error discarded.
func WriteErrorPacket(conn net.Conn, category types.Category, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(string(category) + ": " + message + "\n"))
}

func (p *Processor) reply(conn net.Conn, v types.Verdict) {
	WriteErrorPacket(conn, v.Category, v.Message)
}

func (p *Processor) failAndClose(conn net.Conn, err error) {
	if violation, ok := err.(*ErrProtocolViolation); ok {
		WriteErrorPacket(conn, types.CategoryInternal, violation.Reason)
	}
	conn.Close()
}
