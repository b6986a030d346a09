package broker

import "github.com/vsalavatov/drum/entry"

// buffer is an immutable snapshot of everything appended to a bucket since
// its last drain. withAppended never mutates the receiver: it allocates a
// fresh slice and fresh byte totals, the same "copy on append" discipline
// FlippingDataContainerEntry.from uses in the original source, so a
// CompareAndSwap racing against a concurrent reader never observes a
// half-built buffer.
type buffer struct {
	entries  []entry.Entry
	keyBytes int64
	valBytes int64
	auxBytes int64
}

func newBuffer() *buffer {
	return &buffer{}
}

func (b *buffer) withAppended(e entry.Entry) *buffer {
	entries := make([]entry.Entry, len(b.entries)+1)
	copy(entries, b.entries)
	e.Position = uint32(len(b.entries))
	entries[len(b.entries)] = e
	return &buffer{
		entries:  entries,
		keyBytes: b.keyBytes + 8,
		valBytes: b.valBytes + int64(len(e.Value)),
		auxBytes: b.auxBytes + int64(len(e.Aux)),
	}
}
