// Package merger implements the single-pass sorted merge of spec.md §4.3:
// a singleton, single-flight reconciliation of every bucket's accumulated
// operations against the pluggable backing store. Its request/response
// loop is grounded on the teacher's batch.BatchKeyValueProcessor.run: one
// goroutine draining a request channel, processing each request fully
// before taking the next, and signalling completion back to the caller.
package merger

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vsalavatov/drum/codec"
	"github.com/vsalavatov/drum/entry"
	"github.com/vsalavatov/drum/event"
	"github.com/vsalavatov/drum/store"
	"github.com/vsalavatov/drum/wire"
)

// ErrShuttingDown is returned by DoMerge once Close has been called.
var ErrShuttingDown = errors.New("merger: shutting down")

// BucketAccessor is the subset of writer.BucketWriter the merger needs to
// read, reset and lock a bucket's files.
type BucketAccessor interface {
	BucketID() int
	Lock() *semaphore.Weighted
	KVBytesWritten() int64
	AuxBytesWritten() int64
	KVFile() *os.File
	AuxFile() *os.File
	ResetFiles() error
}

// Result is the fully resolved, typed outcome of one submitted operation,
// delivered to the caller's event.ResultSink.
type Result[V, A any] struct {
	Key            uint64
	Op             entry.Operation
	Classification entry.Classification
	Value          V
	HasValue       bool
	Aux            A
	HasAux         bool
}

// Config bundles everything a Merger needs beyond the store and
// dispatcher, kept separate so New's signature stays readable.
type Config[V, A any] struct {
	ValueCodec  codec.ByteCodec[V]
	AuxCodec    codec.ByteCodec[A]
	AppendCodec codec.AppendCodec[V] // nil if the caller never uses AppendUpdate
}

// Merger is the singleton reconciliation stage for one Drum instance.
type Merger[V, A any] struct {
	cfg        Config[V, A]
	store      store.SortedStore
	dispatcher *event.Dispatcher[Result[V, A]]
	logger     *logrus.Logger
	writers    []BucketAccessor

	reqCh chan mergeRequest
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

type mergeRequest struct {
	done chan error
}

// New constructs a Merger and starts its consumer goroutine. Writers must
// be attached via SetWriters before the first DoMerge call.
func New[V, A any](cfg Config[V, A], st store.SortedStore, dispatcher *event.Dispatcher[Result[V, A]], logger *logrus.Logger) *Merger[V, A] {
	m := &Merger[V, A]{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		reqCh:      make(chan mergeRequest),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.run()
	return m
}

// SetWriters wires the bucket writers the merger reads from. Buckets are
// processed in slice order (0..N), matching spec.md §4.3.
func (m *Merger[V, A]) SetWriters(writers []BucketAccessor) {
	m.writers = writers
}

func (m *Merger[V, A]) run() {
	defer close(m.done)
	for {
		select {
		case req := <-m.reqCh:
			req.done <- m.mergePass()
		case <-m.stop:
			m.drainRequests()
			return
		}
	}
}

func (m *Merger[V, A]) drainRequests() {
	for {
		select {
		case req := <-m.reqCh:
			req.done <- ErrShuttingDown
		default:
			return
		}
	}
}

// DoMerge runs (or waits for) exactly one full merge pass and blocks until
// it completes. Concurrent callers are serialized by the single consumer
// goroutine — a channel-based replacement for the internal mutex the
// abstract design calls for.
func (m *Merger[V, A]) DoMerge() error {
	req := mergeRequest{done: make(chan error, 1)}
	select {
	case m.reqCh <- req:
	case <-m.stop:
		return ErrShuttingDown
	}
	select {
	case err := <-req.done:
		return err
	case <-m.stop:
		return ErrShuttingDown
	}
}

// RequestMerge signals a merge without waiting for it to complete.
func (m *Merger[V, A]) RequestMerge() {
	go func() { _ = m.DoMerge() }()
}

// Close stops accepting new merge requests once any in-flight pass
// finishes, and waits for the consumer goroutine to exit.
func (m *Merger[V, A]) Close() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Merger[V, A]) mergePass() error {
	for _, w := range m.writers {
		if err := w.Lock().Acquire(context.Background(), 1); err != nil {
			return errors.Wrap(err, "acquire bucket lock")
		}
		if err := m.mergeBucket(w); err != nil {
			w.Lock().Release(1)
			m.dispatcher.PublishState(event.StateUpdate{
				Source: event.SourceMerger,
				Bucket: w.BucketID(),
				State:  "FAILED",
			})
			return err
		}
		if err := w.ResetFiles(); err != nil {
			w.Lock().Release(1)
			return errors.Wrapf(err, "reset bucket %d", w.BucketID())
		}
		w.Lock().Release(1)
	}
	return nil
}

// mergeBucket reads, sorts and resolves one bucket's accumulated entries
// against the store, publishing a Result for every entry it can classify.
// Called with the bucket's disk-file lock held.
func (m *Merger[V, A]) mergeBucket(w BucketAccessor) error {
	entries, err := readBucket(w)
	if err != nil {
		return errors.Wrapf(err, "read bucket %d", w.BucketID())
	}
	if len(entries) == 0 {
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Position < entries[j].Position
	})

	runs, keys := groupByKey(entries)

	var results []Result[V, A]
	err = m.store.Merge(keys, func(key uint64, old []byte, exists bool) ([]byte, bool, error) {
		newValue, wrote := m.resolveRun(key, old, exists, runs[key], &results)
		return newValue, wrote, nil
	})
	if err != nil {
		return errors.Wrap(err, "store merge")
	}

	for _, r := range results {
		m.dispatcher.PublishResult(r)
	}
	return nil
}

// resolveRun replays every entry submitted for one key, in submission
// order, against a virtual view of the store seeded from (old, exists),
// appending one Result per entry to *results. It returns the final value
// to persist and whether any value-carrying operation occurred at all —
// equivalent to spec.md §4.3's "retain only the last value-carrying
// operation for merging into the store, but keep every entry's
// classification/dispatch obligation", computed in one pass instead of a
// separate dedup step.
func (m *Merger[V, A]) resolveRun(key uint64, old []byte, exists bool, run []entry.Entry, results *[]Result[V, A]) ([]byte, bool) {
	virtualExists := exists
	virtualValue := old
	wroteAny := false

	classify := func() entry.Classification {
		if virtualExists {
			return entry.Duplicate
		}
		return entry.Unique
	}

	for _, e := range run {
		cls := classify()
		switch e.Op {
		case entry.Check:
			m.appendResult(results, e, cls, nil, false)

		case entry.Update, entry.CheckUpdate:
			virtualValue = e.Value
			virtualExists = true
			wroteAny = true
			m.appendResult(results, e, cls, virtualValue, true)

		case entry.AppendUpdate:
			if virtualExists {
				merged, err := m.appendMerge(virtualValue, e.Value)
				if err != nil {
					m.dispatcher.PublishState(event.StateUpdate{
						Source: event.SourceMerger,
						Bucket: -1,
						State:  "CODEC_FAILURE",
					})
					m.logger.WithError(err).WithField("key", key).Warn("append codec merge failed, skipping record")
					continue
				}
				virtualValue = merged
			} else {
				virtualValue = e.Value
			}
			virtualExists = true
			wroteAny = true
			m.appendResult(results, e, cls, virtualValue, true)
		}
	}

	if !wroteAny {
		return nil, false
	}
	return virtualValue, true
}

func (m *Merger[V, A]) appendResult(results *[]Result[V, A], e entry.Entry, cls entry.Classification, valueBytes []byte, hasValue bool) {
	r := Result[V, A]{Key: e.Key, Op: e.Op, Classification: cls}
	if hasValue {
		v, err := m.cfg.ValueCodec.FromBytes(valueBytes)
		if err != nil {
			m.logger.WithError(err).WithField("key", e.Key).Warn("value decode failed, dispatching without value")
		} else {
			r.Value = v
			r.HasValue = true
		}
	}
	if e.HasAux() {
		a, err := m.cfg.AuxCodec.FromBytes(e.Aux)
		if err != nil {
			m.logger.WithError(err).WithField("key", e.Key).Warn("aux decode failed, dispatching without aux")
		} else {
			r.Aux = a
			r.HasAux = true
		}
	}
	*results = append(*results, r)
}

func (m *Merger[V, A]) appendMerge(oldBytes, incomingBytes []byte) ([]byte, error) {
	if m.cfg.AppendCodec == nil {
		return nil, errors.New("append_update used without an AppendCodec configured")
	}
	oldV, err := m.cfg.ValueCodec.FromBytes(oldBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decode existing value")
	}
	incV, err := m.cfg.ValueCodec.FromBytes(incomingBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decode incoming value")
	}
	mergedV, err := m.cfg.AppendCodec.Merge(oldV, incV)
	if err != nil {
		return nil, errors.Wrap(err, "merge values")
	}
	return m.cfg.ValueCodec.ToBytes(mergedV)
}

func groupByKey(sorted []entry.Entry) (map[uint64][]entry.Entry, []uint64) {
	runs := make(map[uint64][]entry.Entry)
	var keys []uint64
	for _, e := range sorted {
		if _, ok := runs[e.Key]; !ok {
			keys = append(keys, e.Key)
		}
		runs[e.Key] = append(runs[e.Key], e)
	}
	return runs, keys
}

// readBucket loads every record from a bucket's kv/aux files, bounded by
// the byte counters captured under the lock rather than physical EOF.
// Position is set to the sequential read index, the actual source of
// temporal order across however many flips accumulated since the last
// merge (no position is ever persisted to disk).
func readBucket(w BucketAccessor) ([]entry.Entry, error) {
	kvBound := w.KVBytesWritten()
	auxBound := w.AuxBytesWritten()
	if kvBound == 0 {
		return nil, nil
	}

	if _, err := w.KVFile().Seek(0, 0); err != nil {
		return nil, errors.Wrap(err, "seek kv file")
	}
	if _, err := w.AuxFile().Seek(0, 0); err != nil {
		return nil, errors.Wrap(err, "seek aux file")
	}

	kvReader := &boundedReader{r: w.KVFile(), remaining: kvBound}
	auxReader := &boundedReader{r: w.AuxFile(), remaining: auxBound}

	var entries []entry.Entry
	var pos uint32
	for kvReader.remaining > 0 {
		opByte, key, value, err := wire.ReadKV(kvReader)
		if err != nil {
			return nil, errors.Wrap(err, "read kv record")
		}
		op, ok := entry.FromToken(opByte)
		if !ok {
			return nil, errors.Errorf("unknown op token %q at bucket %d", opByte, w.BucketID())
		}
		aux, err := wire.ReadAux(auxReader)
		if err != nil {
			return nil, errors.Wrap(err, "read aux record")
		}
		entries = append(entries, entry.Entry{
			Op:       op,
			Key:      key,
			Value:    value,
			Aux:      aux,
			Position: pos,
		})
		pos++
	}
	return entries, nil
}

// boundedReader limits reads to a fixed byte budget, the read-time analogue
// of the byte counters a writer maintains while appending.
type boundedReader struct {
	r         io.Reader
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}
