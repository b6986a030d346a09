package event

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher is the single cooperative consumer draining two queues: a
// bounded, lossy state-update queue and a bounded, lossless result queue.
// It is grounded on the teacher's single-goroutine drain loop in
// batch.BatchKeyValueProcessor.run, generalized to two message kinds.
type Dispatcher[R any] struct {
	states  chan StateUpdate
	results chan R

	listener Listener
	sink     ResultSink[R]
	logger   *logrus.Logger

	mu    sync.Mutex
	last  map[sourceKey]StateUpdate
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

type sourceKey struct {
	source Source
	bucket int
}

// NewDispatcher starts the dispatcher's consumer goroutine immediately.
// A nil listener/sink is replaced with a no-op implementation.
func NewDispatcher[R any](listener Listener, sink ResultSink[R], stateQueue, resultQueue int, logger *logrus.Logger) *Dispatcher[R] {
	if listener == nil {
		listener = noopListener{}
	}
	if sink == nil {
		sink = noopSink[R]{}
	}
	d := &Dispatcher[R]{
		states:   make(chan StateUpdate, stateQueue),
		results:  make(chan R, resultQueue),
		listener: listener,
		sink:     sink,
		logger:   logger,
		last:     make(map[sourceKey]StateUpdate),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// PublishState enqueues a state update, non-blocking. If the queue is full
// the oldest queued update is dropped to make room — state updates are a
// coalesced status feed, never an audit log.
func (d *Dispatcher[R]) PublishState(u StateUpdate) {
	for {
		select {
		case d.states <- u:
			return
		default:
		}
		select {
		case <-d.states:
		default:
			return
		}
	}
}

// PublishResult enqueues a result. Unlike PublishState this blocks the
// caller (the merger goroutine) if the queue is full — the one exception
// to producers never blocking, since result callbacks must never be
// dropped.
func (d *Dispatcher[R]) PublishResult(r R) {
	select {
	case d.results <- r:
	case <-d.stop:
	}
}

func (d *Dispatcher[R]) run() {
	defer close(d.done)
	for {
		select {
		case u, ok := <-d.states:
			if !ok {
				return
			}
			d.deliverState(u)
		case r := <-d.results:
			d.sink.OnResult(r)
		case <-d.stop:
			d.drainResults()
			return
		}
	}
}

func (d *Dispatcher[R]) deliverState(u StateUpdate) {
	key := sourceKey{u.Source, u.Bucket}
	d.mu.Lock()
	last, seen := d.last[key]
	if seen && last == u {
		d.mu.Unlock()
		return
	}
	d.last[key] = u
	d.mu.Unlock()
	d.listener.OnStateUpdate(u)
}

func (d *Dispatcher[R]) drainResults() {
	for {
		select {
		case r := <-d.results:
			d.sink.OnResult(r)
		default:
			return
		}
	}
}

// Close stops accepting new state updates, delivers any results still
// queued, and waits for the consumer goroutine to exit.
func (d *Dispatcher[R]) Close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}
