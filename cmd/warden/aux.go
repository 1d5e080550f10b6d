package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/warden/pkg/log"
	"github.com/spf13/cobra"
)

// auxCmd is the hidden re-exec target for every auxiliary subsystem.
// Its actual duties (checkpointing, WAL archiving, statistics
// collection, log redirection) are external collaborators per
// spec.md §1; this entry point only needs to behave correctly with
// respect to the lifecycle contract pkg/aux and the reaper depend on:
// run until told to quit, then exit zero.
var auxCmd = &cobra.Command{
	Use:    "__aux",
	Hidden: true,
	Short:  "Internal: auxiliary subsystem entry point (re-exec target)",
	Args:   cobra.ExactArgs(1),
	RunE:   runAux,
}

func init() {
	rootCmd.AddCommand(auxCmd)
}

func runAux(cmd *cobra.Command, args []string) error {
	kind := args[0]
	logger := log.WithComponent("aux-" + kind)
	logger.Info().Msg("auxiliary started")

	if kind == "startup" {
		// Recreates whatever shared structures a crash may have left
		// inconsistent, then exits zero. Exiting here rather than
		// running indefinitely is what lets the reaper clear
		// FatalError and advance the supervisor to Running.
		logger.Info().Msg("startup/recovery complete")
		return nil
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("auxiliary exiting")
	return nil
}
