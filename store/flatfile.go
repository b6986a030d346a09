package store

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/vsalavatov/drum/util"
)

// FlatFileStore is the default SortedStore: a single sorted, flat,
// length-prefixed file plus an in-memory offset index, reduced from
// BuddyAnonymous-kv-engine's block-oriented sstable.Manager down to the
// single always-sorted level the engine facade calls for — no memtable of
// its own (DRUM's brokers already play that role) and no multi-level
// compaction, just one file that Merge rewrites in a single forward pass.
type FlatFileStore struct {
	mu     sync.Mutex
	path   string
	tmp    string
	index  map[uint64]int64 // key -> offset of its record in path
	order  []uint64         // keys in ascending order, mirrors index
	values map[uint64][]byte
}

const flatFileHeaderSize = 8 + 4 // key + value length

// NewFlatFileStore opens (or creates) the flat sorted store for a DRUM
// instance at <basePath>/cache/<name>/store.dat. It matches the
// drum.StoreFactory shape the engine facade expects.
func NewFlatFileStore(basePath, name string) (SortedStore, error) {
	dir := filepath.Join(basePath, "cache", name)
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "store.dat")
	s := &FlatFileStore{
		path:   path,
		tmp:    path + ".tmp",
		index:  make(map[uint64]int64),
		values: make(map[uint64][]byte),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FlatFileStore) load() error {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open store file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		var hdr [flatFileHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "read store record header")
		}
		key := util.DeserializeU64(hdr[:8])
		vlen := util.DeserializeU32(hdr[8:12])
		value := make([]byte, vlen)
		if _, err := io.ReadFull(r, value); err != nil {
			return errors.Wrap(err, "read store record value")
		}
		s.index[key] = offset
		s.values[key] = value
		s.order = append(s.order, key)
		offset += int64(flatFileHeaderSize) + int64(vlen)
	}
	return nil
}

func (s *FlatFileStore) Get(key uint64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Put stores a single key outside of a Merge pass, rewriting the file.
func (s *FlatFileStore) Put(key uint64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stagedOrder := s.order
	_, existed := s.values[key]
	if !existed {
		stagedOrder = append([]uint64(nil), s.order...)
		i := sort.Search(len(stagedOrder), func(i int) bool { return stagedOrder[i] >= key })
		stagedOrder = append(stagedOrder, 0)
		copy(stagedOrder[i+1:], stagedOrder[i:])
		stagedOrder[i] = key
	}
	stagedValues := make(map[uint64][]byte, len(s.values)+1)
	for k, v := range s.values {
		stagedValues[k] = v
	}
	stagedValues[key] = value

	index, err := s.rewrite(stagedOrder, stagedValues)
	if err != nil {
		return err
	}
	s.order = stagedOrder
	s.values = stagedValues
	s.index = index
	return nil
}

// Merge performs the single forward pass over the union of the store's
// existing sorted keys and the incoming sorted keys, calling resolve
// exactly once per incoming key at the point the two streams line up —
// the sequential, no-reseek scan the merge algorithm's "single in-order
// cursor" is meant to exploit.
//
// Resolutions are staged in local copies of order/values and only
// committed to the receiver once rewrite succeeds. If rewrite fails, the
// store is left exactly as it was before Merge was called, so a caller
// that retries the same bucket after a failed pass resolves each key
// against its true pre-pass state instead of one already absorbed by the
// aborted attempt.
func (s *FlatFileStore) Merge(keys []uint64, resolve Resolver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stagedOrder := append([]uint64(nil), s.order...)
	stagedValues := make(map[uint64][]byte, len(s.values))
	for k, v := range s.values {
		stagedValues[k] = v
	}

	i, j := 0, 0
	for j < len(keys) {
		k := keys[j]
		for i < len(stagedOrder) && stagedOrder[i] < k {
			i++
		}
		old, exists := stagedValues[k]
		newValue, write, err := resolve(k, old, exists)
		if err != nil {
			return errors.Wrapf(err, "resolve key %d", k)
		}
		if write {
			if !exists {
				pos := sort.Search(len(stagedOrder), func(x int) bool { return stagedOrder[x] >= k })
				stagedOrder = append(stagedOrder, 0)
				copy(stagedOrder[pos+1:], stagedOrder[pos:])
				stagedOrder[pos] = k
			}
			stagedValues[k] = newValue
		}
		j++
	}

	index, err := s.rewrite(stagedOrder, stagedValues)
	if err != nil {
		return err
	}
	s.order = stagedOrder
	s.values = stagedValues
	s.index = index
	return nil
}

// rewrite serializes order/values to a temp file and renames it into
// place, keeping the on-disk file always sorted and crash-atomic to
// replace. It has no side effects on the receiver: callers commit the
// returned index themselves once they're sure the write succeeded.
// Called with s.mu held.
func (s *FlatFileStore) rewrite(order []uint64, values map[uint64][]byte) (map[uint64]int64, error) {
	f, err := os.OpenFile(s.tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create store tmp file")
	}
	w := bufio.NewWriter(f)
	index := make(map[uint64]int64, len(order))
	var offset int64
	for _, key := range order {
		value := values[key]
		var hdr [flatFileHeaderSize]byte
		util.SerializeU64(key, hdr[:8])
		util.SerializeU32(uint32(len(value)), hdr[8:12])
		if _, err := w.Write(hdr[:]); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write store record header")
		}
		if _, err := w.Write(value); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write store record value")
		}
		index[key] = offset
		offset += int64(flatFileHeaderSize) + int64(len(value))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "flush store tmp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sync store tmp file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close store tmp file")
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return nil, errors.Wrap(err, "install store file")
	}
	return index, nil
}

func (s *FlatFileStore) Close() error {
	return nil
}
