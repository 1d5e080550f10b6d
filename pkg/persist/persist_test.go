package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteLock(dir, 1234, 5432))

	pid, port, err := ReadLock(dir)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, 5432, port)
}

func TestRemoveLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteLock(dir, 1, 2))
	require.NoError(t, RemoveLock(dir))

	_, _, err := ReadLock(dir)
	assert.Error(t, err)
}

func TestRemoveLockIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, RemoveLock(dir))
}

func TestWriteOptionsQuotesArgsWithSpaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteOptions(dir, []string{"warden", "start", "--data-directory", "a b"}))

	data, err := os.ReadFile(filepath.Join(dir, optsFileName))
	require.NoError(t, err)
	assert.Equal(t, "warden start --data-directory \"a b\"\n", string(data))
}

func TestSpawnFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cc := &types.ConnectionContext{
		Database: "widgets",
		User:     "alice",
		Options:  map[string]string{"timezone": "utc"},
		Secret:   42,
	}
	rec := RecordFromContext(7, cc)

	path, err := WriteSpawnFile(dir, rec)
	require.NoError(t, err)

	got, err := ReadSpawnFile(path)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, statErr := ReadSpawnFile(path)
	assert.Error(t, statErr, "spawn file must be deleted after first read")
}
