package drum_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsalavatov/drum"
	"github.com/vsalavatov/drum/entry"
	"github.com/vsalavatov/drum/store"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []drum.Result[string, string]
}

func (r *resultRecorder) OnResult(res drum.Result[string, string]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultRecorder) snapshot() []drum.Result[string, string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]drum.Result[string, string], len(r.results))
	copy(out, r.results)
	return out
}

func waitForCount(t *testing.T, rec *resultRecorder, n int) []drum.Result[string, string] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= n {
			return rec.snapshot()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, len(rec.snapshot()))
	return nil
}

// mapStoreFactory adapts store.NewMapStore to the drum.StoreFactory shape so
// tests never touch the filesystem's default FlatFileStore.
func mapStoreFactory(_ string, _ string) (store.SortedStore, error) {
	return store.NewMapStore(), nil
}

type stringCodec struct{}

func (stringCodec) ToBytes(s string) ([]byte, error)   { return []byte(s), nil }
func (stringCodec) FromBytes(b []byte) (string, error) { return string(b), nil }

func newTestDrum(t *testing.T, rec *resultRecorder) *drum.Drum[string, string] {
	t.Helper()
	d, err := drum.Open[string, string]("scenario", drum.Options[string, string]{
		NumBuckets:   4,
		BufferSize:   1 << 20,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
		ResultSink:   rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Dispose()) })
	return d
}

func TestCheckOnUnseenKeyReportsUnique(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	require.NoError(t, d.Check(1, nil))
	require.NoError(t, d.Synchronize())

	results := waitForCount(t, rec, 1)
	assert.Equal(t, entry.Unique, results[0].Classification)
	assert.False(t, results[0].HasValue)
}

func TestUpdateThenCheckReportsDuplicateOnSecondPass(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	require.NoError(t, d.Update(1, "v1", nil))
	require.NoError(t, d.Synchronize())
	waitForCount(t, rec, 1)

	require.NoError(t, d.Check(1, nil))
	require.NoError(t, d.Synchronize())

	results := waitForCount(t, rec, 2)
	assert.Equal(t, entry.Duplicate, results[1].Classification)
}

func TestCheckUpdateReportsValueAndClassification(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	require.NoError(t, d.CheckUpdate(42, "hello", nil))
	require.NoError(t, d.Synchronize())

	results := waitForCount(t, rec, 1)
	assert.Equal(t, entry.Unique, results[0].Classification)
	assert.True(t, results[0].HasValue)
	assert.Equal(t, "hello", results[0].Value)
}

func TestAuxIsCarriedThroughToResult(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	aux := "request-42"
	require.NoError(t, d.Update(7, "value", &aux))
	require.NoError(t, d.Synchronize())

	results := waitForCount(t, rec, 1)
	require.True(t, results[0].HasAux)
	assert.Equal(t, aux, results[0].Aux)
}

func TestAppendUpdateWithoutCodecFails(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	err := d.AppendUpdate(1, "x", nil)
	require.Error(t, err)
	var derr *drum.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, drum.ConfigInvalid, derr.Kind)
}

func TestOpenRejectsNonPowerOfTwoNumBuckets(t *testing.T) {
	_, err := drum.Open[string, string]("bad", drum.Options[string, string]{
		NumBuckets:   3,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
	})
	require.Error(t, err)
	var derr *drum.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, drum.ConfigInvalid, derr.Kind)
}

func TestOpenRequiresValueCodec(t *testing.T) {
	_, err := drum.Open[string, string]("bad", drum.Options[string, string]{
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
	})
	require.Error(t, err)
}

func TestSubmitAfterDisposeFails(t *testing.T) {
	rec := &resultRecorder{}
	d, err := drum.Open[string, string]("disposed", drum.Options[string, string]{
		NumBuckets:   4,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
		ResultSink:   rec,
	})
	require.NoError(t, err)
	require.NoError(t, d.Dispose())
	require.NoError(t, d.Dispose(), "Dispose must be idempotent")

	err = d.Check(1, nil)
	require.Error(t, err)
	var derr *drum.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, drum.ShuttingDown, derr.Kind)
}

// TestConcurrentSubmitDuringDisposeNeverStrandsAnOperation hammers Update
// concurrently with Dispose. Every call that returns nil must have been
// accepted before the final drain, per spec.md's invariant that every
// accepted operation produces either a result or a FINISHED_WITH_ERROR
// event: none may be silently lost to a broker that already closed.
func TestConcurrentSubmitDuringDisposeNeverStrandsAnOperation(t *testing.T) {
	rec := &resultRecorder{}
	d, err := drum.Open[string, string]("concurrent-shutdown", drum.Options[string, string]{
		NumBuckets:   4,
		BufferSize:   1 << 20,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
		ResultSink:   rec,
	})
	require.NoError(t, err)

	var accepted int64
	var wg sync.WaitGroup
	for k := uint64(0); k < 200; k++ {
		wg.Add(1)
		go func(k uint64) {
			defer wg.Done()
			if err := d.Update(k, "v", nil); err == nil {
				atomic.AddInt64(&accepted, 1)
			}
		}(k)
	}

	require.NoError(t, d.Dispose())
	wg.Wait()

	assert.EqualValues(t, accepted, len(rec.snapshot()),
		"every accepted Update must have produced a result, none may be stranded in a closed broker")
}

func TestThresholdTriggersMergeBeforeSynchronize(t *testing.T) {
	rec := &resultRecorder{}
	d, err := drum.Open[string, string]("threshold", drum.Options[string, string]{
		NumBuckets:   4,
		BufferSize:   64,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
		ResultSink:   rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Dispose()) })

	for k := uint64(0); k < 30; k++ {
		require.NoError(t, d.Update(k, "0123456789", nil))
	}

	waitForCount(t, rec, 1) // at least one bucket must have crossed the threshold on its own

	require.NoError(t, d.Synchronize())
	results := waitForCount(t, rec, 30)
	assert.Len(t, results, 30)
}

func TestDisposeDrainsAllPendingOperations(t *testing.T) {
	rec := &resultRecorder{}
	d, err := drum.Open[string, string]("shutdown-drain", drum.Options[string, string]{
		NumBuckets:   4,
		BufferSize:   1 << 20,
		ValueCodec:   stringCodec{},
		AuxCodec:     stringCodec{},
		StoreFactory: mapStoreFactory,
		ResultSink:   rec,
	})
	require.NoError(t, err)

	for k := uint64(0); k < 5; k++ {
		require.NoError(t, d.Update(k, "v", nil))
	}
	require.NoError(t, d.Dispose())

	assert.Len(t, rec.snapshot(), 5, "every operation accepted before Dispose must produce a result")
}

func TestDistinctKeysRouteAcrossBucketsAndAllReportUnique(t *testing.T) {
	rec := &resultRecorder{}
	d := newTestDrum(t, rec)

	for k := uint64(0); k < 16; k++ {
		require.NoError(t, d.Update(k, "v", nil))
	}
	require.NoError(t, d.Synchronize())

	results := waitForCount(t, rec, 16)
	for _, r := range results {
		assert.Equal(t, entry.Unique, r.Classification)
	}
}
