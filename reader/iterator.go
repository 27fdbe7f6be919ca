package reader

import (
	"fmt"

	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/memtable"
)

// Row is one live entry of a state store.
type Row struct {
	Key         codec.Row
	Value       codec.Row
	PartitionID int32
	RawKey      []byte
	RawValue    []byte
}

// RowIterator walks the rows of a Read. It follows the Next/At/Error/Close
// protocol: At is valid after Next returns true; a decode failure stops the
// iteration and is reported by Error.
type RowIterator struct {
	coords  []core.Coordinate
	entries [][]core.KV
	codec   codec.Codec
	batch   core.BatchID

	part int
	pos  int
	cur  Row
	err  error
}

func newRowIterator(coords []core.Coordinate, tables []*memtable.Table, cd codec.Codec, batch core.BatchID) *RowIterator {
	entries := make([][]core.KV, len(tables))
	for i, t := range tables {
		entries[i] = t.Entries()
	}
	return &RowIterator{coords: coords, entries: entries, codec: cd, batch: batch, pos: -1}
}

// Codec returns the codec used to decode rows.
func (it *RowIterator) Codec() codec.Codec { return it.codec }

// BatchID returns the batch the rows belong to.
func (it *RowIterator) BatchID() core.BatchID { return it.batch }

func (it *RowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.part < len(it.entries) {
		it.pos++
		if it.pos < len(it.entries[it.part]) {
			kv := it.entries[it.part][it.pos]
			key, err := it.codec.DecodeKey(kv.Key)
			if err != nil {
				it.err = fmt.Errorf("decode key in %s: %w", it.coords[it.part], err)
				return false
			}
			value, err := it.codec.DecodeValue(kv.Value)
			if err != nil {
				it.err = fmt.Errorf("decode value in %s: %w", it.coords[it.part], err)
				return false
			}
			it.cur = Row{Key: key, Value: value, PartitionID: it.coords[it.part].PartitionID, RawKey: kv.Key, RawValue: kv.Value}
			return true
		}
		it.part++
		it.pos = -1
	}
	return false
}

func (it *RowIterator) At() (Row, error) {
	if it.err != nil {
		return Row{}, it.err
	}
	return it.cur, nil
}

func (it *RowIterator) Error() error { return it.err }

// Close releases the materialized entries.
func (it *RowIterator) Close() error {
	it.entries = nil
	it.part = 0
	it.pos = -1
	return nil
}
