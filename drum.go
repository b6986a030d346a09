// Package drum implements DRUM (Disk Repository with Update Management):
// a high-throughput key/value engine that batches operations per bucket
// in memory, spills them to per-bucket disk files, and reconciles them
// against a pluggable backing store with a single-pass sorted merge once
// a bucket crosses a configurable size threshold.
package drum

import (
	"sync"
	"sync/atomic"

	"github.com/vsalavatov/drum/broker"
	"github.com/vsalavatov/drum/entry"
	"github.com/vsalavatov/drum/event"
	"github.com/vsalavatov/drum/merger"
	"github.com/vsalavatov/drum/router"
	"github.com/vsalavatov/drum/writer"
)

// Result is the fully resolved, typed outcome of one submitted operation.
type Result[V, A any] = merger.Result[V, A]

// Drum is one named engine instance: NumBuckets brokers, an equal number
// of disk bucket writers, one merger and one event dispatcher.
type Drum[V, A any] struct {
	name string
	opts Options[V, A]

	brokers []*broker.Broker
	writers []*writer.BucketWriter
	merger  *merger.Merger[V, A]
	events  *event.Dispatcher[Result[V, A]]

	closed   atomic.Bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// Open constructs and starts a Drum instance named name. name also
// selects the on-disk directory, <BasePath>/cache/<name>/.
func Open[V, A any](name string, opts Options[V, A]) (*Drum[V, A], error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	st, err := opts.StoreFactory(opts.BasePath, name)
	if err != nil {
		return nil, wrapError(IOFailure, "open backing store", err)
	}

	dispatcher := event.NewDispatcher[Result[V, A]](opts.Listener, opts.ResultSink, 1024, 4096, opts.Logger)

	mg := merger.New[V, A](merger.Config[V, A]{
		ValueCodec:  opts.ValueCodec,
		AuxCodec:    opts.AuxCodec,
		AppendCodec: opts.AppendCodec,
	}, st, dispatcher, opts.Logger)

	d := &Drum[V, A]{
		name:    name,
		opts:    opts,
		merger:  mg,
		events:  dispatcher,
		brokers: make([]*broker.Broker, opts.NumBuckets),
		writers: make([]*writer.BucketWriter, opts.NumBuckets),
	}

	for i := 0; i < opts.NumBuckets; i++ {
		d.brokers[i] = broker.New(i)
		w, err := writer.New(opts.BasePath, name, i, opts.BufferSize, d.brokers[i], mg, dispatcher, opts.Logger)
		if err != nil {
			return nil, wrapError(IOFailure, "create bucket writer", err)
		}
		d.writers[i] = w
	}

	accessors := make([]merger.BucketAccessor, len(d.writers))
	for i, w := range d.writers {
		accessors[i] = w
	}
	mg.SetWriters(accessors)

	for _, w := range d.writers {
		d.wg.Add(1)
		go func(w *writer.BucketWriter) {
			defer d.wg.Done()
			w.Run()
		}(w)
	}

	return d, nil
}

func (d *Drum[V, A]) bucketFor(key uint64) int {
	return router.Route(key, len(d.brokers))
}

// Check enqueues a presence check for key. Its classification arrives
// asynchronously through the configured ResultSink.
func (d *Drum[V, A]) Check(key uint64, aux *A) error {
	return d.submit(entry.Check, key, nil, aux)
}

// Update enqueues an unconditional write of value for key.
func (d *Drum[V, A]) Update(key uint64, value V, aux *A) error {
	return d.submit(entry.Update, key, &value, aux)
}

// CheckUpdate enqueues a write of value for key that also reports whether
// the key already existed.
func (d *Drum[V, A]) CheckUpdate(key uint64, value V, aux *A) error {
	return d.submit(entry.CheckUpdate, key, &value, aux)
}

// AppendUpdate enqueues a merge of value into whatever is already stored
// for key, via the configured AppendCodec. Requires Options.AppendCodec.
func (d *Drum[V, A]) AppendUpdate(key uint64, value V, aux *A) error {
	if d.opts.AppendCodec == nil {
		return newError(ConfigInvalid, "AppendUpdate requires an AppendCodec")
	}
	return d.submit(entry.AppendUpdate, key, &value, aux)
}

// submit registers itself against d.inflight before checking d.closed, and
// holds that registration until its Append call returns (or it bails out
// early). Dispose sets closed and then waits out d.inflight before closing
// any broker, so a submit that observed closed==false is guaranteed to land
// its Append before the final drain runs — no operation can be accepted and
// then silently stranded in a buffer nothing ever reads again.
func (d *Drum[V, A]) submit(op entry.Operation, key uint64, value *V, aux *A) error {
	d.inflight.Add(1)
	defer d.inflight.Done()

	if d.closed.Load() {
		return newError(ShuttingDown, "drum instance is shutting down")
	}

	var valueBytes, auxBytes []byte
	if value != nil {
		b, err := d.opts.ValueCodec.ToBytes(*value)
		if err != nil {
			return wrapError(CodecFailure, "encode value", err)
		}
		valueBytes = b
	}
	if aux != nil {
		b, err := d.opts.AuxCodec.ToBytes(*aux)
		if err != nil {
			return wrapError(CodecFailure, "encode aux", err)
		}
		auxBytes = b
	}

	e := entry.Entry{Op: op, Key: key, Value: valueBytes, Aux: auxBytes}
	bucket := d.bucketFor(key)
	if err := d.brokers[bucket].Append(e); err != nil {
		return wrapError(ShuttingDown, "submit operation", err)
	}
	return nil
}

// Synchronize forces every bucket to drain and merge whatever is
// currently buffered, and blocks until that pass completes. Useful
// before reading results back out through a side channel, or in tests.
func (d *Drum[V, A]) Synchronize() error {
	for _, w := range d.writers {
		if err := w.Flush(); err != nil {
			return wrapError(IOFailure, "flush bucket", err)
		}
	}
	if err := d.merger.DoMerge(); err != nil {
		return wrapError(StoreFailure, "synchronize merge", err)
	}
	return nil
}

// Dispose stops accepting new operations, lets every writer finish its
// final drain and merge, and releases all files and goroutines. It is
// safe to call more than once.
func (d *Drum[V, A]) Dispose() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.inflight.Wait()
	for _, b := range d.brokers {
		b.Close()
	}
	d.wg.Wait()
	d.merger.Close()
	d.events.Close()

	var firstErr error
	for _, w := range d.writers {
		if err := w.CloseFiles(); err != nil && firstErr == nil {
			firstErr = wrapError(IOFailure, "close bucket files", err)
		}
	}
	return firstErr
}
