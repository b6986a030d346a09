// Package store defines the pluggable sorted backing store DRUM merges
// against, plus two ready implementations.
package store

// Resolver is invoked once per key, in ascending key order, during a Merge
// pass. old/exists reflect the store's state before this pass touched the
// key. Returning write=false leaves the store untouched for that key
// (a run of pure CHECK operations, for instance); returning write=true
// stores newValue as the key's new value.
type Resolver func(key uint64, old []byte, exists bool) (newValue []byte, write bool, err error)

// SortedStore is the pluggable backing store contract of the engine
// facade: a durable map from key to value that DRUM can walk in ascending
// key order during a merge pass.
type SortedStore interface {
	// Get returns the current value for key, if any.
	Get(key uint64) (value []byte, exists bool, err error)

	// Put unconditionally stores value for key.
	Put(key uint64, value []byte) error

	// Merge walks keys, which must already be sorted ascending and unique,
	// invoking resolve once per key. Implementations are free to use
	// whatever access pattern (sequential scan, cursor, repeated seeks)
	// best matches their storage layout, but resolve is always called in
	// the order keys are given.
	Merge(keys []uint64, resolve Resolver) error

	// Close releases any resources (open files, etc) held by the store.
	Close() error
}
