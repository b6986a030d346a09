package codec

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a generic ByteCodec for any struct, slice or map value backed
// by msgpack, the pack's general-purpose serialization library, for callers
// whose value or aux type is not already []byte.
type Msgpack[T any] struct{}

func (Msgpack[T]) ToBytes(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	return b, errors.Wrap(err, "msgpack marshal")
}

func (Msgpack[T]) FromBytes(b []byte) (T, error) {
	var v T
	if len(b) == 0 {
		return v, nil
	}
	err := msgpack.Unmarshal(b, &v)
	return v, errors.Wrap(err, "msgpack unmarshal")
}
