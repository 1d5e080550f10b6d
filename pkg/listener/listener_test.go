package listener

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFailsWithNoEndpoints(t *testing.T) {
	_, err := Open(Config{DataDirectory: t.TempDir()})
	assert.Error(t, err)
}

func TestOpenBindsLocalSocketAndAccepts(t *testing.T) {
	dir := t.TempDir()
	set, err := Open(Config{
		LocalSocketsEnabled:  true,
		LocalSocketDirectory: dir,
		DataDirectory:        dir,
	})
	require.NoError(t, err)
	defer set.Close()

	go func() {
		conn, err := net.Dial("unix", filepath.Join(dir, socketFileName))
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted, ok, err := set.WaitForReady(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.EndpointLocal, accepted.Endpoint.Kind)
}

func TestWaitForReadyRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	set, err := Open(Config{
		LocalSocketsEnabled:  true,
		LocalSocketDirectory: dir,
		DataDirectory:        dir,
	})
	require.NoError(t, err)
	defer set.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := set.WaitForReady(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
}
