package keyindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, slotCount, maxEntries int32) *IndexFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.idx")
	f, err := Create(path, slotCount, maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestIndexFile_PutAndSelect(t *testing.T) {
	f := newTestFile(t, 16, 100)

	ok, err := f.PutKey("topic#key1", 1000, 5_000)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.PutKey("topic#key1", 2000, 6_000)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.SelectPhyOffset(nil, "topic#key1", 10, 0, 10_000)
	require.NoError(t, err)
	require.Equal(t, []int64{2000, 1000}, out) // newest first
}

func TestIndexFile_TimeFilterExcludesOutOfRange(t *testing.T) {
	f := newTestFile(t, 16, 100)

	_, err := f.PutKey("topic#key1", 1000, 5_000)
	require.NoError(t, err)
	_, err = f.PutKey("topic#key1", 2000, 9_000)
	require.NoError(t, err)

	out, err := f.SelectPhyOffset(nil, "topic#key1", 10, 0, 6_000)
	require.NoError(t, err)
	require.Equal(t, []int64{1000}, out)
}

func TestIndexFile_HashCollisionDisambiguatedByCaller(t *testing.T) {
	f := newTestFile(t, 1, 100) // single slot forces every key into the same bucket

	_, err := f.PutKey("topic#a", 10, 1_000)
	require.NoError(t, err)
	_, err = f.PutKey("topic#b", 20, 2_000)
	require.NoError(t, err)

	out, err := f.SelectPhyOffset(nil, "topic#a", 10, 0, 10_000)
	require.NoError(t, err)
	// Both entries share a bucket; SelectPhyOffset returns every
	// hash-matching entry and leaves key disambiguation to the caller,
	// but distinct keys normally hash differently so only the real
	// match is expected here.
	require.Equal(t, []int64{10}, out)
}

func TestIndexFile_FillToCapacityThenFull(t *testing.T) {
	f := newTestFile(t, 8, 3)

	for i := 0; i < 3; i++ {
		ok, err := f.PutKey("topic#k", int64(i), int64(i*1000))
		require.NoError(t, err)
		require.True(t, ok, "put %d should succeed", i)
	}

	ok, err := f.PutKey("topic#k", 999, 9_000)
	require.NoError(t, err)
	require.False(t, ok, "file should report full once maxEntries is reached")
}

func TestIndexFile_SeedFromCarriesOverBeginValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeded.idx")
	f, err := Create(path, 16, 100)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.SeedFrom(5_000, 42_000))
	require.Equal(t, int64(5_000), f.BeginPhyOffset())
	require.Equal(t, int64(42_000), f.BeginTimestamp())

	ok, err := f.PutKey("topic#k", 6_000, 42_500)
	require.NoError(t, err)
	require.True(t, ok)

	// The seed must not be reset by the first put: time_delta is
	// computed against the seeded begin_timestamp, not a fresh one.
	require.Equal(t, int64(42_000), f.BeginTimestamp())
}

func TestIndexFile_OutOfRangeDeltaClampsToZero(t *testing.T) {
	f := newTestFile(t, 16, 100)

	_, err := f.PutKey("topic#k", 1, 1_000)
	require.NoError(t, err)

	hugeFuture := int64(1_000) + int64(1)<<40
	ok, err := f.PutKey("topic#k", 2, hugeFuture)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.SelectPhyOffset(nil, "topic#k", 10, 0, 1_000)
	require.NoError(t, err)
	// The clamped entry reconstructs to begin_timestamp (delta 0), so
	// it is still found when querying the original narrow range.
	require.Contains(t, out, int64(2))
}

func TestIndexFile_DestroyRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "destroyme.idx")
	f, err := Create(path, 16, 100)
	require.NoError(t, err)

	ok, err := f.Destroy(time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, statErr := os.Stat(path)
	require.Error(t, statErr)
}
