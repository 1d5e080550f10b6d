// Package listener implements C1: binding the configured endpoints,
// waiting for the next accepted connection across all of them, and
// periodically touching the files that prove the supervisor is
// alive.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/warden/pkg/persist"
	"github.com/cuemby/warden/pkg/types"
)

// maxWait is WaitForReady's fixed blocking cap; after it elapses
// WaitForReady returns with ok == false (spec.md §4.1 / §5's
// suspension-point rule).
const maxWait = time.Minute

const socketFileName = "warden.sock"

// Accepted is one accepted connection paired with the endpoint
// metadata it arrived on.
type Accepted struct {
	Conn     net.Conn
	Endpoint types.EndpointMeta
	Err      error
}

// Set is the immutable, post-boot collection of bound listeners.
type Set struct {
	listeners  []boundListener
	dataDir    string
	socketPath string
	acceptCh   chan Accepted
}

type boundListener struct {
	ln   net.Listener
	meta types.EndpointMeta
}

// Config describes which endpoints to bind.
type Config struct {
	Addresses            []string // "*" expands to both wildcard families
	Port                 int
	LocalSocketsEnabled  bool
	LocalSocketDirectory string
	DataDirectory        string
}

// Open binds every configured endpoint. It fails if zero endpoints
// end up bound, matching spec.md §4.1's "fails startup if no endpoint
// binds."
func Open(cfg Config) (*Set, error) {
	s := &Set{dataDir: cfg.DataDirectory, acceptCh: make(chan Accepted, 16)}

	for _, addr := range cfg.Addresses {
		nets := []string{"tcp"}
		if addr == "*" {
			nets = []string{"tcp4", "tcp6"}
			addr = ""
		}
		for _, network := range nets {
			ln, err := net.Listen(network, fmt.Sprintf("%s:%d", addr, cfg.Port))
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("listener: bind %s %s:%d: %w", network, addr, cfg.Port, err)
			}
			s.listeners = append(s.listeners, boundListener{
				ln:   ln,
				meta: types.EndpointMeta{Kind: types.EndpointNetwork, Address: ln.Addr().String()},
			})
		}
	}

	if cfg.LocalSocketsEnabled {
		s.socketPath = filepath.Join(cfg.LocalSocketDirectory, socketFileName)
		_ = os.Remove(s.socketPath)
		ln, err := net.Listen("unix", s.socketPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listener: bind local socket %s: %w", s.socketPath, err)
		}
		s.listeners = append(s.listeners, boundListener{
			ln:   ln,
			meta: types.EndpointMeta{Kind: types.EndpointLocal, Address: s.socketPath},
		})
	}

	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("listener: no endpoints bound")
	}

	for _, bl := range s.listeners {
		go s.acceptLoop(bl)
	}

	return s, nil
}

func (s *Set) acceptLoop(bl boundListener) {
	for {
		conn, err := bl.ln.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			s.acceptCh <- Accepted{Endpoint: bl.meta, Err: err}
			continue
		}
		s.acceptCh <- Accepted{Conn: conn, Endpoint: bl.meta}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Accepted returns the channel every acceptLoop posts onto, for
// callers (pkg/supervisor's main select) that want to multiplex it
// alongside signal and child-exit channels rather than calling the
// blocking WaitForReady.
func (s *Set) Accepted() <-chan Accepted {
	return s.acceptCh
}

// WaitForReady blocks until the next connection is accepted, ctx is
// done, or maxWait elapses — whichever comes first. A maxWait
// timeout returns (Accepted{}, false, nil) so the caller's maintenance
// tick can run; it is not an error.
func (s *Set) WaitForReady(ctx context.Context) (Accepted, bool, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case a := <-s.acceptCh:
		return a, true, a.Err
	case <-ctx.Done():
		return Accepted{}, false, ctx.Err()
	case <-timer.C:
		return Accepted{}, false, nil
	}
}

// StartLivenessTouch launches the background goroutine that touches
// the lock file and unix-socket file every ten minutes, stopping when
// ctx is done.
func (s *Set) StartLivenessTouch(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.socketPath != "" {
					persist.TouchLiveness(s.dataDir, s.socketPath)
				} else {
					persist.TouchLiveness(s.dataDir)
				}
			}
		}
	}()
}

// Close closes every bound listener.
func (s *Set) Close() {
	for _, bl := range s.listeners {
		_ = bl.ln.Close()
	}
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
}
