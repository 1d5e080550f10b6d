// Package handshake implements C2: reading the length-prefixed
// startup message, negotiating secure transport, parsing connection
// parameters, and obtaining an admission verdict before any reply
// reaches the client.
package handshake

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Discriminator values occupying the first four bytes of a startup
// message body. CodeCancel and CodeSecureNegotiate are reserved
// magic values that can never collide with a packed major/minor
// version because both have a nonzero high byte outside the range
// any supported major version packs into.
const (
	CodeCancel          uint32 = 0x4D5A0001
	CodeSecureNegotiate uint32 = 0x4D5A0002
)

// Supported protocol version bounds. Packed as major<<16|minor.
const (
	EarliestMajor = 2
	EarliestMinor = 0
	LatestMajor   = 3
	LatestMinor   = 0
)

// NameLimit bounds how much of a legacy fixed-width field is kept,
// mirroring a fixed system identifier-length limit.
const NameLimit = 64

// Limits bounds what Read will accept.
type Limits struct {
	MaxLength      uint32
	ReadTimeout    time.Duration
}

// DefaultLimits is a reasonable bound for a startup message: a few
// KiB is ample for any realistic set of connection options.
var DefaultLimits = Limits{MaxLength: 10240, ReadTimeout: 30 * time.Second}

// Message is a fully-read, not-yet-interpreted startup message.
type Message struct {
	Discriminator uint32
	Body          []byte // everything after the 4-byte discriminator
}

// ErrProtocolViolation marks any error that must trigger the
// best-effort error-packet-then-close path rather than a silent
// connection drop.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string { return "protocol violation: " + e.Reason }

// Read reads one length-prefixed startup message from conn. The
// 4-byte big-endian length prefix includes itself, matching the wire
// convention spec.md §4.2 describes.
func Read(conn net.Conn, limits Limits) (*Message, error) {
	if limits.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(limits.ReadTimeout))
	}

	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("handshake: read length: %w", err)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])

	if total < 8 {
		return nil, &ErrProtocolViolation{Reason: "message shorter than discriminator"}
	}
	if limits.MaxLength > 0 && total > limits.MaxLength {
		return nil, &ErrProtocolViolation{Reason: "message exceeds maximum length"}
	}

	rest := make([]byte, total-4)
	if _, err := readFull(conn, rest); err != nil {
		return nil, fmt.Errorf("handshake: read body: %w", err)
	}

	return &Message{
		Discriminator: binary.BigEndian.Uint32(rest[:4]),
		Body:          rest[4:],
	}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// CancelRequest is the parsed body of a CodeCancel message.
type CancelRequest struct {
	WorkerID uint32
	Secret   uint32
}

// parseCancel decodes a CancelRequest body: worker id then secret,
// both big-endian uint32.
func parseCancel(body []byte) (CancelRequest, error) {
	if len(body) != 8 {
		return CancelRequest{}, &ErrProtocolViolation{Reason: "malformed cancel request"}
	}
	return CancelRequest{
		WorkerID: binary.BigEndian.Uint32(body[0:4]),
		Secret:   binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// acceptedVersion validates a packed major/minor pair against the
// supported range, per spec.md §4.2's rejection rules.
func acceptedVersion(major, minor int) bool {
	if major < EarliestMajor || major > LatestMajor {
		return false
	}
	if major == LatestMajor && minor > LatestMinor {
		return false
	}
	return true
}

// parseParams parses the modern (version >= 3) NUL-terminated
// name/value sequence, terminated by an empty name, into cc.
func parseParams(body []byte, cc *types.ConnectionContext) error {
	cc.Options = make(map[string]string)

	i := 0
	for {
		nameEnd := bytes.IndexByte(body[i:], 0)
		if nameEnd < 0 {
			return &ErrProtocolViolation{Reason: "missing name terminator"}
		}
		name := string(body[i : i+nameEnd])
		i += nameEnd + 1

		if name == "" {
			if i != len(body) {
				return &ErrProtocolViolation{Reason: "terminator not at declared end"}
			}
			break
		}

		valEnd := bytes.IndexByte(body[i:], 0)
		if valEnd < 0 {
			return &ErrProtocolViolation{Reason: "missing value terminator"}
		}
		value := string(body[i : i+valEnd])
		i += valEnd + 1

		switch name {
		case "database":
			cc.Database = value
		case "user":
			cc.User = value
		case "options":
			cc.Options["options"] = value
		default:
			cc.Options[name] = value
		}
	}

	if cc.User == "" {
		return &ErrProtocolViolation{Reason: "missing required user parameter"}
	}
	if cc.Database == "" {
		cc.Database = cc.User
	}
	return nil
}

// parseLegacyFields extracts a fixed-width legacy-protocol record:
// user then database, each truncated at NameLimit and NUL-padded.
func parseLegacyFields(body []byte, cc *types.ConnectionContext) error {
	if len(body) < 2*NameLimit {
		return &ErrProtocolViolation{Reason: "legacy record too short"}
	}
	cc.User = truncateAtNUL(body[:NameLimit])
	cc.Database = truncateAtNUL(body[NameLimit : 2*NameLimit])

	if cc.User == "" {
		return &ErrProtocolViolation{Reason: "missing required user parameter"}
	}
	if cc.Database == "" {
		cc.Database = cc.User
	}
	return nil
}

func truncateAtNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) > NameLimit {
		b = b[:NameLimit]
	}
	return string(b)
}
