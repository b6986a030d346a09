// Package writer implements the per-bucket disk bucket writer of
// spec.md §4.2, grounded directly on internal/DiskBucketWriter.java from
// the original source: one goroutine per bucket, an append-only kv/aux
// file pair, a single-slot lock shared with the merger, and the same
// edge-triggered state machine.
package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vsalavatov/drum/entry"
	"github.com/vsalavatov/drum/event"
	"github.com/vsalavatov/drum/util"
	"github.com/vsalavatov/drum/wire"
)

// Merger is the subset of merger.Merger a writer needs: a blocking,
// synchronous merge pass over every bucket.
type Merger interface {
	DoMerge() error
}

// StatePublisher is the subset of event.Dispatcher a writer needs, so the
// writer package does not have to be generic over the dispatcher's result
// type.
type StatePublisher interface {
	PublishState(event.StateUpdate)
}

// Broker is the subset of broker.Broker a writer drains from.
type Broker interface {
	TakeAll() []entry.Entry
	NotifyChan() <-chan struct{}
	DoneChan() <-chan struct{}
}

// BucketWriter owns one bucket's kv/aux file pair and the goroutine that
// feeds them from its broker.
type BucketWriter struct {
	name      string
	bucketID  int
	threshold int64

	broker  Broker
	merger  Merger
	events  StatePublisher
	logger  *logrus.Entry

	kvFile  *os.File
	auxFile *os.File

	lock *semaphore.Weighted

	kvBytesWritten  int64
	auxBytesWritten int64
	mergeRequired   bool
	lastState       *State

	flushCh chan chan error
	doneCh  chan struct{}
	err     error
}

// New creates the bucket's on-disk files under <basePath>/cache/<name>/ and
// returns a writer ready to Run.
func New(basePath, name string, bucketID int, threshold int64, br Broker, mg Merger, ev StatePublisher, logger *logrus.Logger) (*BucketWriter, error) {
	dir := filepath.Join(basePath, "cache", name)
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	kvPath := filepath.Join(dir, fmt.Sprintf("bucket%d.kv", bucketID))
	auxPath := filepath.Join(dir, fmt.Sprintf("bucket%d.aux", bucketID))

	kvFile, err := os.OpenFile(kvPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open kv file")
	}
	auxFile, err := os.OpenFile(auxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		kvFile.Close()
		return nil, errors.Wrap(err, "open aux file")
	}
	if _, err := kvFile.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "seek kv file")
	}
	if _, err := auxFile.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "seek aux file")
	}
	kvInfo, err := kvFile.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat kv file")
	}
	auxInfo, err := auxFile.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat aux file")
	}

	return &BucketWriter{
		name:            name,
		bucketID:        bucketID,
		threshold:       threshold,
		broker:          br,
		merger:          mg,
		events:          ev,
		logger:          logger.WithField("drum", name).WithField("bucket", bucketID),
		kvFile:          kvFile,
		auxFile:         auxFile,
		lock:            semaphore.NewWeighted(1),
		kvBytesWritten:  kvInfo.Size(),
		auxBytesWritten: auxInfo.Size(),
		flushCh:         make(chan chan error),
		doneCh:          make(chan struct{}),
	}, nil
}

func (w *BucketWriter) BucketID() int { return w.bucketID }

// Lock is the single-slot disk-file lock shared with the merger.
func (w *BucketWriter) Lock() *semaphore.Weighted { return w.lock }

func (w *BucketWriter) KVFile() *os.File  { return w.kvFile }
func (w *BucketWriter) AuxFile() *os.File { return w.auxFile }

// KVBytesWritten and AuxBytesWritten report the current write boundary of
// each file. Callers holding the lock may rely on these being stable.
func (w *BucketWriter) KVBytesWritten() int64  { return w.kvBytesWritten }
func (w *BucketWriter) AuxBytesWritten() int64 { return w.auxBytesWritten }

// DoneChan closes once Run has exited.
func (w *BucketWriter) DoneChan() <-chan struct{} { return w.doneCh }

// Err returns the error that stopped Run, if it stopped abnormally.
func (w *BucketWriter) Err() error { return w.err }

// Run drains the broker until it closes, feeding every batch to disk and
// triggering merges as the threshold is crossed. It returns when the
// broker is closed and the final drain has completed.
func (w *BucketWriter) Run() {
	defer close(w.doneCh)
	for {
		w.publishState(WaitingOnData)
		select {
		case <-w.broker.NotifyChan():
			entries := w.broker.TakeAll()
			if len(entries) == 0 {
				continue
			}
			w.publishState(DataReceived)
			if err := w.feedBucket(entries); err != nil {
				w.err = err
				w.logger.WithError(err).Error("feed bucket failed")
				w.publishState(FinishedWithError)
				return
			}
			if w.mergeRequired {
				w.mergeRequired = false
				if err := w.merger.DoMerge(); err != nil {
					w.logger.WithError(err).Warn("merge pass failed, will retry on next trigger")
				}
			}
		case reply := <-w.flushCh:
			entries := w.broker.TakeAll()
			if len(entries) > 0 {
				w.publishState(DataReceived)
				if err := w.feedBucket(entries); err != nil {
					w.err = err
					w.logger.WithError(err).Error("feed bucket failed")
					w.publishState(FinishedWithError)
					reply <- err
					return
				}
			}
			reply <- nil
		case <-w.broker.DoneChan():
			entries := w.broker.TakeAll()
			if len(entries) > 0 {
				if err := w.feedBucket(entries); err != nil {
					w.err = err
					w.publishState(FinishedWithError)
					return
				}
			}
			if w.kvBytesWritten > 0 {
				if err := w.merger.DoMerge(); err != nil {
					w.logger.WithError(err).Warn("final merge pass failed")
				}
			}
			w.publishState(Finished)
			return
		}
	}
}

// Flush forces an immediate drain of whatever the broker currently holds,
// without waiting for the notify signal. Used by Synchronize.
func (w *BucketWriter) Flush() error {
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.doneCh:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-w.doneCh:
		return nil
	}
}

// feedBucket appends entries to the kv/aux files under the disk-file lock,
// exactly mirroring DiskBucketWriter.feedBucket: acquire, write every
// record, release unconditionally, flag mergeRequired once either file
// crosses the configured byte threshold.
func (w *BucketWriter) feedBucket(entries []entry.Entry) error {
	w.publishState(WaitingOnLock)
	if err := w.lock.Acquire(context.Background(), 1); err != nil {
		return errors.Wrap(err, "acquire disk lock")
	}
	defer w.lock.Release(1)
	w.publishState(Writing)

	for _, e := range entries {
		n, err := wire.WriteKV(w.kvFile, e.Op.Token(), e.Key, e.Value)
		if err != nil {
			return errors.Wrap(err, "write kv record")
		}
		w.kvBytesWritten += n
		m, err := wire.WriteAux(w.auxFile, e.Aux)
		if err != nil {
			return errors.Wrap(err, "write aux record")
		}
		w.auxBytesWritten += m
	}

	if w.kvBytesWritten > w.threshold || w.auxBytesWritten > w.threshold {
		w.mergeRequired = true
		w.publishState(WaitingOnMerge)
	}
	return nil
}

// ResetFiles rewinds both files to the beginning and zeroes the byte
// counters, called by the merger once it has consumed everything up to
// the boundary it read. Must be called with the disk-file lock held.
func (w *BucketWriter) ResetFiles() error {
	if _, err := w.kvFile.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind kv file")
	}
	if err := w.kvFile.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate kv file")
	}
	if _, err := w.auxFile.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind aux file")
	}
	if err := w.auxFile.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate aux file")
	}
	w.kvBytesWritten = 0
	w.auxBytesWritten = 0
	w.publishState(Empty)
	return nil
}

// CloseFiles closes the underlying os.Files. Called once Run has exited.
func (w *BucketWriter) CloseFiles() error {
	err1 := w.kvFile.Close()
	err2 := w.auxFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (w *BucketWriter) publishState(s State) {
	if w.lastState != nil && *w.lastState == s {
		return
	}
	st := s
	w.lastState = &st
	w.events.PublishState(event.StateUpdate{
		Source:          event.SourceWriter,
		Bucket:          w.bucketID,
		State:           s.String(),
		KVBytesWritten:  w.kvBytesWritten,
		AuxBytesWritten: w.auxBytesWritten,
	})
}
