package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAssignmentKnownFields(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyAssignment("max_connections=250"))
	require.NoError(t, cfg.ApplyAssignment("secure_transport=true"))

	assert.Equal(t, 250, cfg.MaxConnections)
	assert.True(t, cfg.SecureTransport)
}

func TestApplyAssignmentRejectsUnknownField(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyAssignment("nonexistent=1")
	assert.Error(t, err)
}

func TestApplyAssignmentRejectsMalformed(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyAssignment("no-equals-sign")
	assert.Error(t, err)
}

func TestLoadOverlayMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_connections: 500\nsecure_transport: true\n"), 0o644))

	cfg := Default()
	require.NoError(t, LoadOverlay(&cfg, path))

	assert.Equal(t, 500, cfg.MaxConnections)
	assert.True(t, cfg.SecureTransport)
	assert.Equal(t, 5432, cfg.Port, "fields absent from overlay keep their previous value")
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	cfg := Default()
	cfg.MaxConnections = 42

	result := Reload(cfg, "/nonexistent/path.yaml")
	assert.Equal(t, 42, result.MaxConnections)
}

func TestResolveDataDirectoryPrefersFlag(t *testing.T) {
	dir, err := ResolveDataDirectory("/flag/dir")
	require.NoError(t, err)
	assert.Equal(t, "/flag/dir", dir)
}

func TestResolveDataDirectoryFallsBackToEnv(t *testing.T) {
	t.Setenv(DataDirectoryEnvVar, "/env/dir")
	dir, err := ResolveDataDirectory("")
	require.NoError(t, err)
	assert.Equal(t, "/env/dir", dir)
}

func TestResolveDataDirectoryErrorsWhenNeitherSet(t *testing.T) {
	t.Setenv(DataDirectoryEnvVar, "")
	_, err := ResolveDataDirectory("")
	assert.Error(t, err)
}
