package commitlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commit.log")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_AppendAndRead(t *testing.T) {
	l := openTestLog(t)

	off1, err := l.Append([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := l.Append([]byte("second"))
	require.NoError(t, err)
	require.Equal(t, off1+int64(recordHeaderSize+len("first")), off2)

	require.Equal(t, off2+int64(recordHeaderSize+len("second")), l.MaxPhysicalOffset())

	raw, err := l.Read(off1, 4096)
	require.NoError(t, err)

	body1, err := RecordBody(raw)
	require.NoError(t, err)
	require.Equal(t, "first", string(body1))
}

func TestLog_ReadRecord(t *testing.T) {
	l := openTestLog(t)

	off1, err := l.Append([]byte("alpha"))
	require.NoError(t, err)
	off2, err := l.Append([]byte("beta"))
	require.NoError(t, err)

	body, next, err := l.ReadRecord(off1)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(body))
	require.Equal(t, off2, next)

	body, next, err = l.ReadRecord(off2)
	require.NoError(t, err)
	require.Equal(t, "beta", string(body))
	require.Equal(t, l.MaxPhysicalOffset(), next)
}

func TestLog_ReadRecord_PastEndIsShortRead(t *testing.T) {
	l := openTestLog(t)
	_, _, err := l.ReadRecord(0)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestLog_ReadTruncatesToRecordBoundary(t *testing.T) {
	l := openTestLog(t)

	off1, err := l.Append([]byte("one"))
	require.NoError(t, err)
	_, err = l.Append([]byte("two"))
	require.NoError(t, err)

	// Ask for a chunk too small to contain the second record's body in
	// full; the result must stop at the first record's boundary.
	raw, err := l.Read(off1, recordHeaderSize+len("one")+2)
	require.NoError(t, err)
	require.Equal(t, recordHeaderSize+len("one"), len(raw))
}

func TestLog_AppendAt_RejectsNonContiguousOffset(t *testing.T) {
	l := openTestLog(t)
	err := l.AppendAt(10, []byte("whatever"))
	require.Error(t, err)
}

func TestLog_RecordBody_DetectsCorruption(t *testing.T) {
	l := openTestLog(t)
	off, err := l.Append([]byte("payload"))
	require.NoError(t, err)

	raw, err := l.Read(off, 4096)
	require.NoError(t, err)
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-1] ^= 0xFF // flip a body byte

	_, err = RecordBody(corrupted)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestCheckpointStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cs, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), cs.IndexMsgTimestamp())

	require.NoError(t, cs.SetIndexMsgTimestamp(42_000))

	reopened, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	require.Equal(t, int64(42_000), reopened.IndexMsgTimestamp())
}
