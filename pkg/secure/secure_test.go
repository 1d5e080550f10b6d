package secure

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesAndPersistsCertificate(t *testing.T) {
	dir := t.TempDir()

	t1, err := Load(dir)
	require.NoError(t, err)
	require.NotEmpty(t, t1.cert.Certificate)

	t2, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, t1.cert.Certificate[0], t2.cert.Certificate[0])
}

func TestNegotiateCompletesHandshake(t *testing.T) {
	dir := t.TempDir()
	transport, err := Load(dir)
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := transport.Negotiate(serverConn)
		done <- err
	}()

	clientDone := make(chan error, 1)
	go func() {
		tlsClient := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
		clientDone <- tlsClient.Handshake()
	}()

	require.NoError(t, <-done)
	require.NoError(t, <-clientDone)
}
