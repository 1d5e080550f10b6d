package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/warden/pkg/aux"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/entropy"
	"github.com/cuemby/warden/pkg/handshake"
	"github.com/cuemby/warden/pkg/ledger"
	"github.com/cuemby/warden/pkg/listener"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/persist"
	"github.com/cuemby/warden/pkg/registry"
	"github.com/cuemby/warden/pkg/secure"
	"github.com/cuemby/warden/pkg/spawn"
	"github.com/cuemby/warden/pkg/supervisor"
	"github.com/cuemby/warden/pkg/types"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the connection-dispatch supervisor",
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.String("data-directory", "", "Directory holding supervisor state (or WARDEN_DATA_DIRECTORY)")
	f.String("listen-addresses", "127.0.0.1", "Comma-separated listen addresses, or * for all interfaces")
	f.Int("port", 5432, "TCP port to listen on")
	f.String("local-socket-directory", "/tmp", "Directory for the local domain socket")
	f.Bool("local-sockets", true, "Enable the local domain socket listener")
	f.Int("max-connections", 100, "Maximum concurrent client connections")
	f.Int("buffers", 16, "Shared buffer count (informational; buffer pool itself is out of scope)")
	f.Bool("secure-transport", false, "Enable secure-transport negotiation")
	f.Bool("silent", false, "Suppress interactive console logging in favor of JSON only")
	f.Bool("archiving", false, "Enable the write-ahead-log archiver auxiliary")
	f.Bool("log-redirection", false, "Enable the system logger auxiliary")
	f.Bool("preserve-core-on-crash", false, "Stop rather than quit peers on a worker crash, for postmortem inspection")
	f.String("external-pid-file", "", "Additional pid file path outside the data directory")
	f.String("extra-worker-options", "", "Opaque string forwarded to every spawned worker")
	f.String("metrics-address", "", "Loopback address to serve Prometheus metrics on (empty disables)")
	f.String("config", "", "Optional YAML configuration overlay file")
	f.StringArrayP("set", "c", nil, "Configuration assignment name=value (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()

	dataDirFlag, _ := f.GetString("data-directory")
	dataDir, err := config.ResolveDataDirectory(dataDirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "warden: data directory %q is missing or unreadable\n", dataDir)
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.DataDirectory = dataDir

	addrs, _ := f.GetString("listen-addresses")
	cfg.ListenAddresses = strings.Split(addrs, ",")
	cfg.Port, _ = f.GetInt("port")
	cfg.LocalSocketDirectory, _ = f.GetString("local-socket-directory")
	cfg.LocalSocketsEnabled, _ = f.GetBool("local-sockets")
	cfg.MaxConnections, _ = f.GetInt("max-connections")
	cfg.Buffers, _ = f.GetInt("buffers")
	cfg.SecureTransport, _ = f.GetBool("secure-transport")
	cfg.Silent, _ = f.GetBool("silent")
	cfg.ArchivingEnabled, _ = f.GetBool("archiving")
	cfg.LogRedirectionEnabled, _ = f.GetBool("log-redirection")
	cfg.PreserveCoreOnCrash, _ = f.GetBool("preserve-core-on-crash")
	cfg.ExternalPIDFile, _ = f.GetString("external-pid-file")
	cfg.ExtraWorkerOptions, _ = f.GetString("extra-worker-options")
	cfg.MetricsAddress, _ = f.GetString("metrics-address")

	if overlay, _ := f.GetString("config"); overlay != "" {
		cfg.ConfigPath = overlay
		if err := config.LoadOverlay(&cfg, overlay); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	assignments, _ := f.GetStringArray("set")
	for _, a := range assignments {
		if err := cfg.ApplyAssignment(a); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if cfg.Silent {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
	}

	if err := bootSupervisor(cfg, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}

func bootSupervisor(cfg config.Config, argv []string) error {
	if err := persist.WriteLock(cfg.DataDirectory, os.Getpid(), cfg.Port); err != nil {
		return err
	}
	defer persist.RemoveLock(cfg.DataDirectory)

	if err := persist.WriteOptions(cfg.DataDirectory, argv); err != nil {
		log.WithComponent("boot").Warn().Err(err).Msg("failed to write options file")
	}
	if err := persist.WriteExternalPID(cfg.ExternalPIDFile, os.Getpid()); err != nil {
		log.WithComponent("boot").Warn().Err(err).Msg("failed to write external pid file")
	}

	var transport *secure.Transport
	if cfg.SecureTransport {
		t, err := secure.Load(cfg.DataDirectory)
		if err != nil {
			return fmt.Errorf("secure transport: %w", err)
		}
		transport = t
	}

	crashLedger, err := ledger.Open(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer crashLedger.Close()

	if priorCrashes, err := crashLedger.Count(); err == nil && priorCrashes > 0 {
		log.WithComponent("boot").Info().Int("prior_crash_cycles", priorCrashes).Msg("opened crash-recovery ledger")
	}

	listeners, err := listener.Open(listener.Config{
		Addresses:            cfg.ListenAddresses,
		Port:                 cfg.Port,
		LocalSocketsEnabled:  cfg.LocalSocketsEnabled,
		LocalSocketDirectory: cfg.LocalSocketDirectory,
		DataDirectory:        cfg.DataDirectory,
	})
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	defer listeners.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	listeners.StartLivenessTouch(ctx)

	reg := registry.New()
	ent := entropy.New()
	binaryPath, _ := os.Executable()

	auxSup := aux.New()
	auxSup.SetArchiverEnabled(cfg.ArchivingEnabled)
	auxSup.SetLoggerEnabled(cfg.LogRedirectionEnabled)
	wireAuxLaunchers(auxSup, binaryPath, cfg.DataDirectory)

	sup := supervisor.New()
	sup.Registry = reg
	sup.Aux = auxSup
	sup.Listeners = listeners
	sup.Ledger = crashLedger
	sup.Admission = cfg.Admission()
	sup.PreserveCoreOnCrash = cfg.PreserveCoreOnCrash
	sup.ArchivingEnabled = cfg.ArchivingEnabled
	sup.Config = cfg
	sup.ConfigPath = cfg.ConfigPath

	sup.Spawner = spawn.New(reg, ent, cfg.DataDirectory, binaryPath)

	sup.Handshake = &handshake.Processor{
		Limits:    handshake.DefaultLimits,
		Admission: sup.AdmissionLimits,
		State:     sup.State,
		LiveCount: sup.WorkerCount,
		Transport: transport,
		Entropy:   ent,
	}

	if cfg.MetricsAddress != "" {
		collector := metrics.NewCollector(sup)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("metrics").Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer server.Close()
	}

	installSignalForwarding(sup, stop)

	log.WithComponent("boot").Info().Str("data_directory", cfg.DataDirectory).Int("port", cfg.Port).Msg("warden starting")
	return sup.Run(ctx)
}

// installSignalForwarding maps OS signals onto supervisor.Input
// values and forwards them to sup's event loop, matching spec.md
// §4.7's external-input alphabet.
func installSignalForwarding(sup *supervisor.Supervisor, stop context.CancelFunc) {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				sup.Signal(supervisor.Reload)
			case syscall.SIGTERM:
				sup.Signal(supervisor.SmartStop)
			case syscall.SIGINT:
				sup.Signal(supervisor.FastStop)
			case syscall.SIGQUIT:
				sup.Signal(supervisor.ImmediateStop)
				stop()
			}
		}
	}()
}

// wireAuxLaunchers installs a ChildFactory for each auxiliary kind
// that re-execs the warden binary with a hidden, kind-specific
// subcommand. The auxiliary's internal behavior (checkpointing,
// archiving, statistics collection) is an external collaborator per
// spec.md §1's non-goals; only its lifecycle is this package's
// concern.
func wireAuxLaunchers(auxSup *aux.Supervisor, binaryPath, dataDir string) {
	for kind, argName := range map[types.AuxKind]string{
		types.AuxStartup:    "startup",
		types.AuxPageWriter: "pagewriter",
		types.AuxArchiver:   "archiver",
		types.AuxStats:      "stats",
		types.AuxLogger:     "logger",
	} {
		argName := argName
		auxSup.SetLaunch(kind, func(ctx context.Context) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, binaryPath, "__aux", argName)
			cmd.Dir = dataDir
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return cmd, nil
		})
	}
}
