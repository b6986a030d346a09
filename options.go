package drum

import (
	"github.com/sirupsen/logrus"

	"github.com/vsalavatov/drum/codec"
	"github.com/vsalavatov/drum/event"
	"github.com/vsalavatov/drum/router"
	"github.com/vsalavatov/drum/store"
)

const (
	defaultNumBuckets = 512
	defaultBufferSize = 64 * 1024
	defaultBasePath   = "."
)

// StoreFactory builds the backing store for a named DRUM instance.
type StoreFactory func(basePath, name string) (store.SortedStore, error)

// Options configures a Drum instance. Zero-valued fields are filled in by
// normalize with defaults; a value that violates a hard invariant (a
// non-power-of-two NumBuckets/BufferSize, a missing codec) makes Open
// fail with a ConfigInvalid error rather than silently substituting
// something else.
type Options[V, A any] struct {
	// NumBuckets is the number of bucket partitions; must be a power of
	// two. Defaults to 512.
	NumBuckets int
	// BufferSize is the per-bucket byte threshold (kv or aux) that
	// triggers a merge; must be a power of two. Defaults to 64KiB.
	BufferSize int64
	// BasePath is the directory under which cache/<name>/ is created.
	// Defaults to the current directory.
	BasePath string

	ValueCodec  codec.ByteCodec[V]
	AuxCodec    codec.ByteCodec[A]
	AppendCodec codec.AppendCodec[V] // required only for AppendUpdate

	// StoreFactory builds the backing store. Defaults to
	// store.NewFlatFileStore.
	StoreFactory StoreFactory

	// Listener receives state-update notifications from writers and the
	// merger. Optional.
	Listener event.Listener
	// ResultSink receives one call per resolved operation. Optional but
	// normally set — without it, results are computed and discarded.
	ResultSink event.ResultSink[Result[V, A]]

	Logger *logrus.Logger
}

func (o *Options[V, A]) normalize() error {
	if o.NumBuckets == 0 {
		o.NumBuckets = defaultNumBuckets
	}
	if !router.IsPowerOfTwo(o.NumBuckets) {
		return newError(ConfigInvalid, "NumBuckets must be a power of two")
	}
	if o.BufferSize == 0 {
		o.BufferSize = defaultBufferSize
	}
	if !router.IsPowerOfTwo(int(o.BufferSize)) {
		return newError(ConfigInvalid, "BufferSize must be a power of two")
	}
	if o.BasePath == "" {
		o.BasePath = defaultBasePath
	}
	if o.ValueCodec == nil {
		return newError(ConfigInvalid, "ValueCodec is required")
	}
	if o.AuxCodec == nil {
		return newError(ConfigInvalid, "AuxCodec is required")
	}
	if o.StoreFactory == nil {
		o.StoreFactory = store.NewFlatFileStore
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return nil
}
