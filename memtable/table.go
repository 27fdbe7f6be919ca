package memtable

import (
	"bytes"
	"iter"

	"github.com/INLOpen/nexusstate/core"
	"github.com/google/btree"
)

const tableDegree = 32

type tableItem struct {
	key   []byte
	value []byte
}

func itemLess(a, b tableItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Table is the materialized key-value mapping of one instance at one batch.
// Keys iterate in bytes.Compare order. A Table is not safe for concurrent
// writers; Clone gives a copy-on-write view that can be read while the
// original keeps changing.
type Table struct {
	tree      *btree.BTreeG[tableItem]
	sizeBytes int64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{tree: btree.NewG[tableItem](tableDegree, itemLess)}
}

// Get returns the value stored for key.
func (t *Table) Get(key []byte) ([]byte, bool) {
	it, ok := t.tree.Get(tableItem{key: key})
	if !ok {
		return nil, false
	}
	return it.value, true
}

// Set upserts key. The table keeps the slices it is given.
func (t *Table) Set(key, value []byte) {
	old, replaced := t.tree.ReplaceOrInsert(tableItem{key: key, value: value})
	if replaced {
		t.sizeBytes -= entrySize(old.key, old.value)
	}
	t.sizeBytes += entrySize(key, value)
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key []byte) bool {
	old, ok := t.tree.Delete(tableItem{key: key})
	if ok {
		t.sizeBytes -= entrySize(old.key, old.value)
	}
	return ok
}

// Apply folds a delta into the table, treating tombstones as deletions.
func (t *Table) Apply(d core.Delta) {
	for _, op := range d.Ops {
		if op.Tombstone {
			t.Delete(op.Key)
			continue
		}
		t.Set(op.Key, op.Value)
	}
}

// Len returns the number of live keys.
func (t *Table) Len() int { return t.tree.Len() }

// SizeBytes is the summed length of live keys and values.
func (t *Table) SizeBytes() int64 { return t.sizeBytes }

// Clone returns a lazily copied view sharing structure with t.
func (t *Table) Clone() *Table {
	return &Table{tree: t.tree.Clone(), sizeBytes: t.sizeBytes}
}

// Ascend calls fn for every entry with key >= from, in key order, until fn
// returns false. A nil from starts at the smallest key.
func (t *Table) Ascend(from []byte, fn func(key, value []byte) bool) {
	visit := func(it tableItem) bool { return fn(it.key, it.value) }
	if from == nil {
		t.tree.Ascend(visit)
		return
	}
	t.tree.AscendGreaterOrEqual(tableItem{key: from}, visit)
}

// AscendPrefix calls fn for every entry whose key starts with prefix.
func (t *Table) AscendPrefix(prefix []byte, fn func(key, value []byte) bool) {
	t.Ascend(prefix, func(k, v []byte) bool {
		if !bytes.HasPrefix(k, prefix) {
			return false
		}
		return fn(k, v)
	})
}

// All iterates every live entry in key order.
func (t *Table) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		t.Ascend(nil, yield)
	}
}

// Entries copies the table out as a sorted slice.
func (t *Table) Entries() []core.KV {
	out := make([]core.KV, 0, t.Len())
	t.Ascend(nil, func(k, v []byte) bool {
		out = append(out, core.KV{Key: k, Value: v})
		return true
	})
	return out
}

// ToMap copies the table into a map keyed by string(key). Handy in tests and
// debugging tools.
func (t *Table) ToMap() map[string]string {
	m := make(map[string]string, t.Len())
	t.Ascend(nil, func(k, v []byte) bool {
		m[string(k)] = string(v)
		return true
	})
	return m
}

func entrySize(key, value []byte) int64 {
	return int64(len(key) + len(value))
}
