package broker_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsalavatov/drum/broker"
	"github.com/vsalavatov/drum/entry"
)

func TestAppendThenTakeAllPreservesOrder(t *testing.T) {
	b := broker.New(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Append(entry.Entry{Op: entry.Update, Key: uint64(i)}))
	}
	entries := b.TakeAll()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.EqualValues(t, i, e.Key)
		assert.EqualValues(t, i, e.Position)
	}
}

func TestTakeAllDrainsExactlyOnce(t *testing.T) {
	b := broker.New(0)
	require.NoError(t, b.Append(entry.Entry{Key: 1}))
	first := b.TakeAll()
	require.Len(t, first, 1)
	second := b.TakeAll()
	require.Empty(t, second)
}

func TestAppendAfterCloseFails(t *testing.T) {
	b := broker.New(0)
	b.Close()
	err := b.Append(entry.Entry{Key: 1})
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestConcurrentAppendsAllSurviveCAS(t *testing.T) {
	b := broker.New(0)
	const goroutines = 64
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = b.Append(entry.Entry{Key: uint64(g*perGoroutine + i)})
			}
		}(g)
	}
	wg.Wait()

	entries := b.TakeAll()
	assert.Len(t, entries, goroutines*perGoroutine)

	seen := make(map[uint64]bool, len(entries))
	for _, e := range entries {
		assert.False(t, seen[e.Key], "duplicate key observed: %d", e.Key)
		seen[e.Key] = true
	}
}

func TestNotifyChanFiresOnAppend(t *testing.T) {
	b := broker.New(0)
	require.NoError(t, b.Append(entry.Entry{Key: 1}))
	select {
	case <-b.NotifyChan():
	default:
		t.Fatal("expected notify channel to have a pending signal")
	}
}

func TestDoneChanClosesOnClose(t *testing.T) {
	b := broker.New(0)
	b.Close()
	select {
	case <-b.DoneChan():
	default:
		t.Fatal("expected done channel to be closed")
	}
}
