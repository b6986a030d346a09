// Package hashutil provides the default helpers callers use to turn
// arbitrary input (a URL, a document id) into the uint64 key DRUM buckets
// on, mirroring the teacher's inline murmur3.New64() use when hashing
// keys for its scatter hashtables.
package hashutil

import "github.com/spaolacci/murmur3"

// HashBytes derives a bucket-ready key from an arbitrary byte slice.
func HashBytes(b []byte) uint64 {
	return murmur3.Sum64(b)
}

// HashString derives a bucket-ready key from a string; it equals
// HashBytes([]byte(s)).
func HashString(s string) uint64 {
	return murmur3.Sum64([]byte(s))
}
