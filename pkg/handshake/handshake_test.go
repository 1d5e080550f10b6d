package handshake

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMessage(t *testing.T, conn net.Conn, discriminator uint32, payload []byte) {
	t.Helper()
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body[:4], discriminator)
	copy(body[4:], payload)

	full := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(full[:4], uint32(len(full)))
	copy(full[4:], body)

	_, err := conn.Write(full)
	require.NoError(t, err)
}

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return server, client
}

func TestReadParsesLengthAndDiscriminator(t *testing.T) {
	server, client := pipe(t)

	go writeMessage(t, client, 0x00030000, []byte("payload\x00"))

	msg, err := Read(server, DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00030000), msg.Discriminator)
	assert.Equal(t, []byte("payload\x00"), msg.Body)
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	server, client := pipe(t)

	go writeMessage(t, client, CodeCancel, make([]byte, 64))

	_, err := Read(server, Limits{MaxLength: 16, ReadTimeout: time.Second})
	require.Error(t, err)
}

func TestReadRejectsShortLength(t *testing.T) {
	server, client := pipe(t)

	go func() {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, 4)
		_, _ = client.Write(buf)
	}()

	_, err := Read(server, DefaultLimits)
	require.Error(t, err)
}

func TestAcceptedVersionBounds(t *testing.T) {
	assert.True(t, acceptedVersion(3, 0))
	assert.True(t, acceptedVersion(2, 0))
	assert.False(t, acceptedVersion(1, 9))
	assert.False(t, acceptedVersion(4, 0))
	assert.False(t, acceptedVersion(3, 1))
}

func TestParseParamsPopulatesContextAndDefaultsDatabase(t *testing.T) {
	body := []byte("user\x00alice\x00\x00")
	cc := &types.ConnectionContext{}

	require.NoError(t, parseParams(body, cc))
	assert.Equal(t, "alice", cc.User)
	assert.Equal(t, "alice", cc.Database, "database must default to user")
}

func TestParseParamsCollectsUnrecognizedOptions(t *testing.T) {
	body := []byte("user\x00bob\x00database\x00widgets\x00timezone\x00utc\x00\x00")
	cc := &types.ConnectionContext{}

	require.NoError(t, parseParams(body, cc))
	assert.Equal(t, "bob", cc.User)
	assert.Equal(t, "widgets", cc.Database)
	assert.Equal(t, "utc", cc.Options["timezone"])
}

func TestParseParamsMissingUserIsViolation(t *testing.T) {
	body := []byte("database\x00widgets\x00\x00")
	cc := &types.ConnectionContext{}

	err := parseParams(body, cc)
	assert.Error(t, err)
}

func TestParseParamsMissingTerminatorIsViolation(t *testing.T) {
	body := []byte("user\x00bob\x00")
	cc := &types.ConnectionContext{}

	err := parseParams(body, cc)
	assert.Error(t, err)
}

func TestParseCancelRoundTrip(t *testing.T) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 42)
	binary.BigEndian.PutUint32(body[4:8], 999)

	req, err := parseCancel(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), req.WorkerID)
	assert.Equal(t, uint32(999), req.Secret)
}

func TestParseCancelRejectsWrongLength(t *testing.T) {
	_, err := parseCancel([]byte{1, 2, 3})
	assert.Error(t, err)
}
