package memtable

import (
	"bytes"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/skiplist"
)

// bufferEntry is one pending change. A tombstone shadows any committed value.
type bufferEntry struct {
	value     []byte
	tombstone bool
}

// Buffer holds the writes of the in-progress batch, sorted by key. A key is
// stored once; a later write replaces the earlier one in place.
type Buffer struct {
	data      *skiplist.SkipList[[]byte, *bufferEntry]
	sizeBytes int64
}

// NewBuffer creates an empty write buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: skiplist.NewWithComparator[[]byte, *bufferEntry](bytes.Compare)}
}

// Put buffers an upsert.
func (b *Buffer) Put(key, value []byte) {
	b.insert(key, &bufferEntry{value: value})
}

// Delete buffers a tombstone.
func (b *Buffer) Delete(key []byte) {
	b.insert(key, &bufferEntry{tombstone: true})
}

func (b *Buffer) insert(key []byte, e *bufferEntry) {
	if old := b.data.Insert(key, e); old != nil {
		// Insert updated the existing node in place and handed back the
		// previous value.
		b.sizeBytes -= int64(len(key) + len(old.Value().value))
	}
	b.sizeBytes += int64(len(key) + len(e.value))
}

// Get looks key up in the buffer. found is false when the key has no pending
// change; tombstone is true when the pending change is a delete.
func (b *Buffer) Get(key []byte) (value []byte, tombstone bool, found bool) {
	node, ok := b.data.Seek(key)
	if !ok || !bytes.Equal(node.Key(), key) {
		return nil, false, false
	}
	e := node.Value()
	return e.value, e.tombstone, true
}

// Len returns the number of keys with pending changes.
func (b *Buffer) Len() int { return b.data.Len() }

// SizeBytes is the estimated memory held by pending changes.
func (b *Buffer) SizeBytes() int64 { return b.sizeBytes }

// Ascend calls fn for each pending change with key >= from, in key order,
// until fn returns false.
func (b *Buffer) Ascend(from []byte, fn func(op core.Op) bool) {
	it := b.data.NewIterator()
	var ok bool
	if from != nil {
		ok = it.Seek(from)
	} else {
		ok = it.First()
	}
	for ok {
		e := it.Value()
		if !fn(core.Op{Key: it.Key(), Value: e.value, Tombstone: e.tombstone}) {
			return
		}
		ok = it.Next()
	}
}

// Ops returns the pending changes as a sorted op list.
func (b *Buffer) Ops() []core.Op {
	ops := make([]core.Op, 0, b.Len())
	b.Ascend(nil, func(op core.Op) bool {
		ops = append(ops, op)
		return true
	})
	return ops
}
