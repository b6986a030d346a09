package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsalavatov/drum/store"
)

func TestFlatFileStorePutGetRoundTrip(t *testing.T) {
	s, err := store.NewFlatFileStore(t.TempDir(), "roundtrip")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(10, []byte("ten")))
	v, exists, err := s.Get(10)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("ten"), v)
}

func TestFlatFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFlatFileStore(dir, "persist")
	require.NoError(t, err)
	require.NoError(t, s.Put(1, []byte("a")))
	require.NoError(t, s.Put(2, []byte("b")))
	require.NoError(t, s.Close())

	reopened, err := store.NewFlatFileStore(dir, "persist")
	require.NoError(t, err)
	defer reopened.Close()

	v1, exists, err := reopened.Get(1)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("a"), v1)

	v2, exists, err := reopened.Get(2)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("b"), v2)
}

func TestFlatFileStoreMergeAscendingKeys(t *testing.T) {
	s, err := store.NewFlatFileStore(t.TempDir(), "merge")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(5, []byte("five")))

	var seen []uint64
	err = s.Merge([]uint64{1, 5, 9}, func(key uint64, old []byte, exists bool) ([]byte, bool, error) {
		seen = append(seen, key)
		if key == 5 {
			require.True(t, exists)
			require.Equal(t, []byte("five"), old)
			return nil, false, nil
		}
		return []byte("new"), true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 5, 9}, seen)

	v5, exists, err := s.Get(5)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("five"), v5, "resolver declined to write, value must be unchanged")

	v1, exists, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("new"), v1)
}

// TestFlatFileStoreMergeLeavesStateUntouchedOnRewriteFailure guards against
// resolving a bucket's keys twice: if the durable rewrite at the end of a
// merge pass fails, none of that pass's resolutions may be visible, since
// the writer keeps the bucket un-reset and retries the same entries against
// the store on the next merge trigger. A store that already absorbed the
// "failed" pass's writes would resolve those entries a second time (e.g.
// double-applying an AppendUpdate, or misclassifying a Check against a
// value that was never durably committed).
func TestFlatFileStoreMergeLeavesStateUntouchedOnRewriteFailure(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFlatFileStore(dir, "merge-fail")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(5, []byte("five")))

	// cache/<name>/store.dat.tmp is where rewrite() creates its temp file;
	// putting a directory there makes the O_WRONLY open fail deterministically.
	tmpPath := filepath.Join(dir, "cache", "merge-fail", "store.dat.tmp")
	require.NoError(t, os.Mkdir(tmpPath, 0o755))

	callCount := 0
	err = s.Merge([]uint64{1, 5, 9}, func(key uint64, old []byte, exists bool) ([]byte, bool, error) {
		callCount++
		return []byte("mutated"), true, nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, callCount, "resolve still runs against the staged copy before the write fails")

	require.NoError(t, os.Remove(tmpPath))

	v5, exists, err := s.Get(5)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("five"), v5, "a failed rewrite must not mutate the store's in-memory state")

	_, exists, err = s.Get(1)
	require.NoError(t, err)
	assert.False(t, exists, "keys resolved during the failed pass must not appear in memory either")

	retryCallCount := 0
	err = s.Merge([]uint64{1, 5, 9}, func(key uint64, old []byte, exists bool) ([]byte, bool, error) {
		retryCallCount++
		if key == 5 {
			require.True(t, exists)
			require.Equal(t, []byte("five"), old, "retry must resolve against the true pre-pass value")
		}
		return []byte("committed"), true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, retryCallCount)

	v1, exists, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("committed"), v1)
}
