// Package config assembles the supervisor's configuration from CLI
// flags, an optional YAML overlay file, and `-c name=value`
// assignments, applied in that order: flag values (including their
// defaults) come first, the overlay overwrites every field it sets,
// and `-c` assignments are applied last so an operator's bulk YAML
// settings can still be overridden one at a time on the command line.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/warden/pkg/admission"
	"github.com/cuemby/warden/pkg/log"
	"gopkg.in/yaml.v3"
)

// DataDirectoryEnvVar substitutes for --data-directory when unset.
const DataDirectoryEnvVar = "WARDEN_DATA_DIRECTORY"

// Config is the supervisor's fully resolved configuration.
type Config struct {
	DataDirectory        string   `yaml:"data_directory"`
	ListenAddresses       []string `yaml:"listen_addresses"`
	Port                  int      `yaml:"port"`
	LocalSocketDirectory  string   `yaml:"local_socket_directory"`
	LocalSocketsEnabled   bool     `yaml:"local_sockets_enabled"`
	MaxConnections        int      `yaml:"max_connections"`
	SaturationFactor      int      `yaml:"saturation_factor"`
	Buffers               int      `yaml:"buffers"`
	SecureTransport       bool     `yaml:"secure_transport"`
	Silent                bool     `yaml:"silent"`
	ArchivingEnabled      bool     `yaml:"archiving_enabled"`
	LogRedirectionEnabled bool     `yaml:"log_redirection_enabled"`
	PreserveCoreOnCrash   bool     `yaml:"preserve_core_on_crash"`
	ExternalPIDFile       string   `yaml:"external_pid_file"`
	ExtraWorkerOptions    string   `yaml:"extra_worker_options"`
	MetricsAddress        string   `yaml:"metrics_address"`

	// ConfigPath is the overlay file path Reload re-reads from, if any.
	// It is not itself part of the overlay grammar.
	ConfigPath string `yaml:"-"`
}

// Default returns the out-of-the-box configuration: local-only
// listening, a modest connection cap, the default saturation factor.
func Default() Config {
	return Config{
		ListenAddresses:      []string{"127.0.0.1"},
		Port:                 5432,
		LocalSocketDirectory: "/tmp",
		LocalSocketsEnabled:  true,
		MaxConnections:       100,
		SaturationFactor:     2,
		Buffers:              16,
	}
}

// Admission projects the subset of Config the admission controller
// needs.
func (c Config) Admission() admission.Limits {
	return admission.Limits{MaxConnections: c.MaxConnections, SaturationFactor: c.SaturationFactor}
}

// ApplyAssignment applies one `-c name=value` pair onto cfg, returning
// an error for an unrecognized name so a typo fails loudly rather
// than being silently ignored.
func (c *Config) ApplyAssignment(assignment string) error {
	name, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("config: malformed assignment %q, want name=value", assignment)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	switch name {
	case "data_directory":
		c.DataDirectory = value
	case "port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: port: %w", err)
		}
		c.Port = n
	case "max_connections":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: max_connections: %w", err)
		}
		c.MaxConnections = n
	case "saturation_factor":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: saturation_factor: %w", err)
		}
		c.SaturationFactor = n
	case "buffers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: buffers: %w", err)
		}
		c.Buffers = n
	case "secure_transport":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: secure_transport: %w", err)
		}
		c.SecureTransport = b
	case "archiving_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: archiving_enabled: %w", err)
		}
		c.ArchivingEnabled = b
	case "preserve_core_on_crash":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: preserve_core_on_crash: %w", err)
		}
		c.PreserveCoreOnCrash = b
	case "extra_worker_options":
		c.ExtraWorkerOptions = value
	default:
		return fmt.Errorf("config: unrecognized setting %q", name)
	}
	return nil
}

// LoadOverlay merges a YAML overlay file onto cfg. Missing fields in
// the overlay leave cfg's current values untouched.
func LoadOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse overlay: %w", err)
	}
	return nil
}

// Reload attempts to build a fresh Config by re-reading path. On
// failure it returns the previous Config unchanged and logs, matching
// spec.md §7's ConfigReloadFailure handling.
func Reload(previous Config, path string) Config {
	next := previous
	if path == "" {
		return previous
	}
	if err := LoadOverlay(&next, path); err != nil {
		log.WithComponent("config").Warn().Err(err).Msg("config reload failed, keeping previous configuration")
		return previous
	}
	return next
}

// ResolveDataDirectory returns flagValue if set, else the environment
// variable substitute, else an error.
func ResolveDataDirectory(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(DataDirectoryEnvVar); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("config: no data directory given (--data-directory or %s)", DataDirectoryEnvVar)
}
