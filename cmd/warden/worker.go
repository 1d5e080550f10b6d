package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warden/pkg/entropy"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/persist"
	"github.com/spf13/cobra"
)

// authTimeout bounds how long a freshly spawned worker waits to
// authenticate before its session is treated as equivalent to
// termination, per spec.md §4.4's "authentication is bounded by a
// timer."
const authTimeout = 30 * time.Second

var workerCmd = &cobra.Command{
	Use:    "__worker",
	Hidden: true,
	Short:  "Internal: per-connection worker entry point (re-exec target)",
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("spawn-file", "", "Path to the gob-encoded spawn record")
	_ = workerCmd.MarkFlagRequired("spawn-file")
}

func runWorker(cmd *cobra.Command, args []string) error {
	spawnFile, _ := cmd.Flags().GetString("spawn-file")

	rec, err := persist.ReadSpawnFile(spawnFile)
	if err != nil {
		return fmt.Errorf("worker: read spawn file: %w", err)
	}

	// The client connection was duplicated into this process's fd table
	// at cmd.ExtraFiles[0] by the supervisor (pkg/spawn); reconstruct it
	// from rec.ConnFD. os.NewFile wraps the raw fd and net.FileConn dups
	// it again internally, so the *os.File wrapper is closed immediately
	// after, independent of the resulting net.Conn.
	connFile := os.NewFile(uintptr(rec.ConnFD), "client-conn")
	if connFile == nil {
		return fmt.Errorf("worker: fd %d is not a valid client connection descriptor", rec.ConnFD)
	}
	conn, err := net.FileConn(connFile)
	connFile.Close()
	if err != nil {
		return fmt.Errorf("worker: reconstruct client connection: %w", err)
	}
	defer conn.Close()

	// The worker's entropy sequence must never share state with the
	// supervisor's, so it is re-seeded independently here rather than
	// inheriting anything from the parent (spec.md §4.10).
	entropy.New().Reseed()

	// Install the worker's own signal disposition; it no longer shares
	// the supervisor's handlers after this point.
	signal.Ignore(syscall.SIGHUP)
	cancelCh := make(chan os.Signal, 1)
	signal.Notify(cancelCh, os.Interrupt)

	logger := log.WithWorker(rec.WorkerID)
	logger.Info().Str("database", rec.Database).Str("user", rec.User).Msg("worker session started")

	authDeadline := time.NewTimer(authTimeout)
	defer authDeadline.Stop()

	authDone := make(chan error, 1)
	go func() { authDone <- authenticate(conn, rec) }()

	select {
	case <-authDeadline.C:
		logger.Warn().Msg("authentication timed out")
		return nil
	case <-cancelCh:
		logger.Info().Msg("cancelled before authentication completed")
		return nil
	case err := <-authDone:
		if err != nil {
			logger.Warn().Err(err).Msg("authentication failed")
			return nil
		}
	}

	logger.Info().Msg("session authenticated")

	// Query execution, buffer-pool access and the rest of "in session"
	// behavior belong to the query engine this supervisor does not
	// implement (spec.md §1's non-goals).
	return nil
}

// authenticate stands in for the authentication back-end spec.md §1
// names as an external collaborator: it consumes the connection context
// handed down from the spawn record rather than the wire itself, since
// the credential exchange protocol is out of scope here.
func authenticate(conn net.Conn, rec persist.SpawnRecord) error {
	_ = conn
	_ = rec
	return nil
}
