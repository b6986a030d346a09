// Package wire encodes and decodes the on-disk record formats used by a
// bucket's kv and aux files: a big-endian, length-prefixed, append-only log.
package wire

import (
	"io"

	"github.com/pkg/errors"

	"github.com/vsalavatov/drum/util"
)

// KVHeaderSize is the fixed portion of a kv record: op byte, 8-byte key,
// 4-byte value length.
const KVHeaderSize = 1 + 8 + 4

// WriteKV appends one kv record: [op:1][key:8][vlen:4][value:vlen].
func WriteKV(w io.Writer, op byte, key uint64, value []byte) (int64, error) {
	var hdr [KVHeaderSize]byte
	hdr[0] = op
	util.SerializeU64(key, hdr[1:9])
	util.SerializeU32(uint32(len(value)), hdr[9:13])
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), errors.Wrap(err, "write kv header")
	}
	if len(value) == 0 {
		return int64(n), nil
	}
	m, err := w.Write(value)
	return int64(n + m), errors.Wrap(err, "write kv value")
}

// ReadKV reads one kv record from r. io.EOF is returned unwrapped when r has
// no more complete records.
func ReadKV(r io.Reader) (op byte, key uint64, value []byte, err error) {
	var hdr [KVHeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.Wrap(err, "truncated kv record")
		}
		return
	}
	op = hdr[0]
	key = util.DeserializeU64(hdr[1:9])
	vlen := util.DeserializeU32(hdr[9:13])
	if vlen == 0 {
		return
	}
	value = make([]byte, vlen)
	if _, e := io.ReadFull(r, value); e != nil {
		err = errors.Wrap(e, "truncated kv value")
	}
	return
}

// WriteAux appends one aux record: [alen:4][aux:alen].
func WriteAux(w io.Writer, aux []byte) (int64, error) {
	var hdr [4]byte
	util.SerializeU32(uint32(len(aux)), hdr[:])
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), errors.Wrap(err, "write aux header")
	}
	if len(aux) == 0 {
		return int64(n), nil
	}
	m, err := w.Write(aux)
	return int64(n + m), errors.Wrap(err, "write aux value")
}

// ReadAux reads one aux record from r.
func ReadAux(r io.Reader) (aux []byte, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.Wrap(err, "truncated aux record")
		}
		return
	}
	alen := util.DeserializeU32(hdr[:])
	if alen == 0 {
		return
	}
	aux = make([]byte, alen)
	if _, e := io.ReadFull(r, aux); e != nil {
		err = errors.Wrap(e, "truncated aux value")
	}
	return
}
