package codec

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Uint64Set is a []uint64 ByteCodec, encoded as a sorted, deduplicated,
// big-endian fixed-width array. Its AppendCodec implementation merges by
// set union, the type used to drive append_update scenarios such as
// accumulating the set of anchors seen for a crawled page.
type Uint64Set struct{}

func (Uint64Set) ToBytes(v []uint64) ([]byte, error) {
	sorted := dedupSorted(v)
	out := make([]byte, 8*len(sorted))
	for i, x := range sorted {
		binary.BigEndian.PutUint64(out[i*8:], x)
	}
	return out, nil
}

func (Uint64Set) FromBytes(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("uint64set: length %d not a multiple of 8", len(b))
	}
	n := len(b) / 8
	if n == 0 {
		return nil, nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out, nil
}

func (Uint64Set) Merge(existing, incoming []uint64) ([]uint64, error) {
	merged := make([]uint64, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	merged = append(merged, incoming...)
	return dedupSorted(merged), nil
}

func dedupSorted(v []uint64) []uint64 {
	if len(v) == 0 {
		return nil
	}
	sorted := make([]uint64, len(v))
	copy(sorted, v)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:1]
	for _, x := range sorted[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
