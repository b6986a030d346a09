// Package broker implements the lock-free, per-bucket in-memory
// accumulation stage. It is the Go rendering of the CAS-based
// FlippingDataContainerEntry in the original jDRUM source, following the
// same double-buffer-by-atomic-swap idiom the teacher uses to rotate its
// two backing hashtables in hashtable.RotationPHT.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vsalavatov/drum/entry"
)

// ErrClosed is returned by Append once Close has been called.
var ErrClosed = errors.New("broker: closed")

// Broker accumulates entries for a single bucket in a lock-free buffer and
// hands the whole buffer to a writer on demand.
type Broker struct {
	id      int
	current atomic.Pointer[buffer]

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates an empty broker for bucket id.
func New(id int) *Broker {
	b := &Broker{
		id:     id,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.current.Store(newBuffer())
	return b
}

func (b *Broker) ID() int { return b.id }

// Append adds e to the current buffer via compare-and-swap, retrying on
// contention. It never blocks on I/O or on other callers.
func (b *Broker) Append(e entry.Entry) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	for {
		old := b.current.Load()
		next := old.withAppended(e)
		if b.current.CompareAndSwap(old, next) {
			select {
			case b.notify <- struct{}{}:
			default:
			}
			return nil
		}
	}
}

// TakeAll atomically swaps in a fresh empty buffer and returns everything
// that was accumulated in the displaced one, in append order.
func (b *Broker) TakeAll() []entry.Entry {
	old := b.current.Swap(newBuffer())
	return old.entries
}

// PendingBytes reports the key/value/aux byte totals of the buffer that has
// not yet been drained, used by callers that want to inspect backlog size
// without draining it.
func (b *Broker) PendingBytes() (key, value, aux int64) {
	cur := b.current.Load()
	return cur.keyBytes, cur.valBytes, cur.auxBytes
}

// NotifyChan fires (non-blockingly, coalesced) whenever an Append may have
// made new data available to drain.
func (b *Broker) NotifyChan() <-chan struct{} { return b.notify }

// DoneChan closes once Close has been called.
func (b *Broker) DoneChan() <-chan struct{} { return b.done }

// Close marks the broker closed; further Append calls fail with ErrClosed.
// Already-buffered entries remain available via TakeAll for a final drain.
func (b *Broker) Close() {
	b.once.Do(func() { close(b.done) })
}
