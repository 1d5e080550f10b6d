package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCrashAndRecent(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	id, err := l.RecordCrash("worker exited with signal", 42)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	count, err := l.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	recent, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "worker exited with signal", recent[0].Cause)
	require.Nil(t, recent[0].RecoveredAt)
}

func TestRecordRecoveredStampsTime(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	id, err := l.RecordCrash("page writer crash", 7)
	require.NoError(t, err)

	require.NoError(t, l.RecordRecovered(id))

	recent, err := l.Recent(1)
	require.NoError(t, err)
	require.NotNil(t, recent[0].RecoveredAt)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.RecordCrash("first", 1)
	require.NoError(t, err)
	_, err = l.RecordCrash("second", 2)
	require.NoError(t, err)

	recent, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "second", recent[0].Cause)
	require.Equal(t, "first", recent[1].Cause)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir)
	require.NoError(t, err)
	_, err = l1.RecordCrash("boot crash", 3)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	count, err := l2.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
