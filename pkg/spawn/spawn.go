// Package spawn implements C4: turning an admitted ConnectionContext
// into a live worker process, in the exact five-step order spec.md
// §4.4 mandates.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/warden/pkg/entropy"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/persist"
	"github.com/cuemby/warden/pkg/registry"
	"github.com/cuemby/warden/pkg/types"
	"github.com/google/uuid"
)

// connFD is the fd number the client connection always lands on in
// the worker: fd 0-2 are stdin/stdout/stderr, and the connection is
// always the sole entry in cmd.ExtraFiles.
const connFD = 3

// connFiler is satisfied by *net.TCPConn and *net.UnixConn, the two
// connection types this supervisor's listeners ever hand out.
type connFiler interface {
	File() (*os.File, error)
}

// Spawner builds and launches per-connection worker processes by
// re-execing the supervisor binary with a hidden worker subcommand.
type Spawner struct {
	Registry           *registry.Registry
	Entropy            *entropy.Source
	DataDirectory      string
	BinaryPath         string // path to the warden binary, for re-exec
	ExtraWorkerOptions string
	nextID             func() uint32
}

// New constructs a Spawner. Worker ids are allocated from an internal
// monotonic counter starting at 1.
func New(reg *registry.Registry, ent *entropy.Source, dataDir, binaryPath string) *Spawner {
	var counter uint32
	return &Spawner{
		Registry:      reg,
		Entropy:       ent,
		DataDirectory: dataDir,
		BinaryPath:    binaryPath,
		nextID: func() uint32 {
			counter++
			return counter
		},
	}
}

// Spawn implements the ordered sequence from spec.md §4.4.
func (s *Spawner) Spawn(ctx context.Context, cc *types.ConnectionContext) (*types.WorkerEntry, error) {
	// Step 1: draw the cancel secret before anything else so the
	// entropy sequence advances before any spawn-boundary snapshot.
	secret := s.Entropy.Next()
	cc.Secret = secret

	workerID := s.nextID()

	// Step 2: pre-allocate the registry row.
	entry, err := s.Registry.Reserve(workerID, types.KindClient)
	if err != nil {
		return nil, fmt.Errorf("spawn: reserve registry row: %w", err)
	}

	// Step 3: flush buffered output so the spawn boundary never
	// duplicates anything still sitting in a stdio buffer.
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()

	// Duplicate the client connection's descriptor so it can be handed
	// across the re-exec boundary via ExtraFiles; the dup is
	// independent of cc.Conn, so closing either side never affects the
	// other.
	filer, ok := cc.Conn.(connFiler)
	if !ok {
		s.Registry.Remove(workerID)
		metrics.SpawnFailuresTotal.Inc()
		return nil, fmt.Errorf("spawn: connection type %T cannot be duplicated for exec", cc.Conn)
	}
	connFile, err := filer.File()
	if err != nil {
		s.Registry.Remove(workerID)
		metrics.SpawnFailuresTotal.Inc()
		return nil, fmt.Errorf("spawn: duplicate connection fd: %w", err)
	}

	// Step 4: spawn the worker via re-exec-plus-serialize.
	rec := persist.RecordFromContext(workerID, cc)
	rec.ConnFD = connFD
	spawnFile, err := persist.WriteSpawnFile(s.DataDirectory, rec)
	if err != nil {
		connFile.Close()
		s.Registry.Remove(workerID)
		metrics.SpawnFailuresTotal.Inc()
		return nil, fmt.Errorf("spawn: write spawn file: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.BinaryPath, "__worker", "--spawn-file", spawnFile)
	cmd.Env = append(os.Environ(), "WARDEN_CORRELATION_ID="+uuid.NewString())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The client connection is the only descriptor handed to the
	// child; listener descriptors are never inherited (Go's
	// close-on-exec default for everything but stdio and ExtraFiles
	// enforces that).
	cmd.ExtraFiles = []*os.File{connFile}

	if err := cmd.Start(); err != nil {
		connFile.Close()
		s.Registry.Remove(workerID)
		_ = os.Remove(spawnFile)
		metrics.SpawnFailuresTotal.Inc()
		log.WithWorker(workerID).Error().Err(err).Msg("spawn: failed to start worker")
		return nil, fmt.Errorf("spawn: start worker: %w", err)
	}

	// The child now owns its own copy of the descriptor; the
	// supervisor's duplicate and its original connection are both
	// superfluous and must be closed so the fd is not leaked.
	connFile.Close()
	cc.Conn.Close()

	// Step 5: bind the live process identity into the reserved row.
	s.Registry.Bind(workerID, secret, cmd)

	metrics.WorkersLive.Inc()
	log.WithWorker(workerID).Info().Str("database", cc.Database).Str("user", cc.User).Msg("spawned worker")

	return entry, nil
}
