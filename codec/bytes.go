package codec

// Bytes is the identity ByteCodec for callers whose value type already is
// []byte.
type Bytes struct{}

func (Bytes) ToBytes(v []byte) ([]byte, error) { return v, nil }

func (Bytes) FromBytes(b []byte) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
