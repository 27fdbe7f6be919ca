package memtable

import (
	"testing"

	"github.com/INLOpen/nexusstate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_SetGetDelete(t *testing.T) {
	tbl := NewTable()
	tbl.Set([]byte("b"), []byte("2"))
	tbl.Set([]byte("a"), []byte("1"))
	tbl.Set([]byte("b"), []byte("22"))

	v, ok := tbl.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, []byte("22"), v)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, int64(len("a1")+len("b22")), tbl.SizeBytes())

	assert.True(t, tbl.Delete([]byte("a")))
	assert.False(t, tbl.Delete([]byte("a")))
	_, ok = tbl.Get([]byte("a"))
	assert.False(t, ok)
	assert.Equal(t, int64(len("b22")), tbl.SizeBytes())
}

func TestTable_ApplyDelta(t *testing.T) {
	tbl := NewTable()
	tbl.Apply(core.Delta{BatchID: 0, Ops: []core.Op{{Key: []byte("k1"), Value: []byte("v1")}}})
	tbl.Apply(core.Delta{BatchID: 1, Ops: []core.Op{
		{Key: []byte("k1"), Tombstone: true},
		{Key: []byte("k2"), Value: []byte("v2")},
	}})
	assert.Equal(t, map[string]string{"k2": "v2"}, tbl.ToMap())
}

func TestTable_CloneIsIsolated(t *testing.T) {
	tbl := NewTable()
	tbl.Set([]byte("a"), []byte("1"))
	view := tbl.Clone()

	tbl.Set([]byte("b"), []byte("2"))
	tbl.Delete([]byte("a"))

	assert.Equal(t, map[string]string{"a": "1"}, view.ToMap())
	assert.Equal(t, map[string]string{"b": "2"}, tbl.ToMap())
}

func TestTable_AscendPrefix(t *testing.T) {
	tbl := NewTable()
	for _, k := range []string{"a/1", "a/2", "ab/1", "b/1", "a"} {
		tbl.Set([]byte(k), []byte(k))
	}

	var got []string
	tbl.AscendPrefix([]byte("a/"), func(k, _ []byte) bool {
		got = append(got, string(k))
		return true
	})
	assert.Equal(t, []string{"a/1", "a/2"}, got)

	got = got[:0]
	for k := range tbl.All() {
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"a", "a/1", "a/2", "ab/1", "b/1"}, got)
}

func TestBuffer_LastWriteWins(t *testing.T) {
	buf := NewBuffer()
	buf.Put([]byte("k2"), []byte("v2"))
	buf.Put([]byte("k1"), []byte("v1"))
	buf.Delete([]byte("k2"))
	buf.Put([]byte("k1"), []byte("v1b"))

	assert.Equal(t, 2, buf.Len())

	v, tomb, found := buf.Get([]byte("k1"))
	require.True(t, found)
	assert.False(t, tomb)
	assert.Equal(t, []byte("v1b"), v)

	_, tomb, found = buf.Get([]byte("k2"))
	require.True(t, found)
	assert.True(t, tomb)

	_, _, found = buf.Get([]byte("k0"))
	assert.False(t, found)

	assert.Equal(t, []core.Op{
		{Key: []byte("k1"), Value: []byte("v1b")},
		{Key: []byte("k2"), Tombstone: true},
	}, buf.Ops())
}

func TestBuffer_AscendFrom(t *testing.T) {
	buf := NewBuffer()
	for _, k := range []string{"c", "a", "b"} {
		buf.Put([]byte(k), nil)
	}
	var got []string
	buf.Ascend([]byte("b"), func(op core.Op) bool {
		got = append(got, string(op.Key))
		return true
	})
	assert.Equal(t, []string{"b", "c"}, got)
}
