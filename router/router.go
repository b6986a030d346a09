// Package router computes which bucket a key belongs to.
package router

// Route returns the bucket index for key, given n buckets. n must be a
// power of two, in which case key mod n is exactly the low bits of key.
func Route(key uint64, n int) int {
	return int(key & uint64(n-1))
}

// IsPowerOfTwo reports whether n is a positive power of two, the invariant
// Route relies on.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
