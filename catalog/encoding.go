package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"maps"
	"slices"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"google.golang.org/protobuf/encoding/protowire"
)

// A catalog version file is
//
//	magic(4) formatVersion(1) reserved(3) catalogVersion(8) body crc32c(4)
//
// where body is a protobuf wire message holding one embedded message per
// operator record (field 1).
const versionHeaderSize = 16

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	fieldRecord protowire.Number = 1

	fieldOperatorID       protowire.Number = 1
	fieldOperatorName     protowire.Number = 2
	fieldKind             protowire.Number = 3
	fieldStoreName        protowire.Number = 4
	fieldNumPartitions    protowire.Number = 5
	fieldMinBatchID       protowire.Number = 6
	fieldMaxBatchID       protowire.Number = 7
	fieldNumColsPrefixKey protowire.Number = 8
	fieldStoreSchema      protowire.Number = 9
	fieldRetiredAt        protowire.Number = 10

	fieldSchemaStore protowire.Number = 1
	fieldSchemaKey   protowire.Number = 2
	fieldSchemaValue protowire.Number = 3
)

func encodeVersion(version uint64, records map[int64]OperatorRecord) ([]byte, error) {
	out := make([]byte, versionHeaderSize, 256)
	binary.LittleEndian.PutUint32(out[0:4], core.MetadataMagicNumber)
	out[4] = core.FormatVersion
	binary.LittleEndian.PutUint64(out[8:16], version)

	ids := slices.Sorted(maps.Keys(records))
	for _, id := range ids {
		rec, err := encodeRecord(records[id])
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldRecord, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, crcTable)), nil
}

func encodeRecord(r OperatorRecord) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldOperatorID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.OperatorID))
	b = protowire.AppendTag(b, fieldOperatorName, protowire.BytesType)
	b = protowire.AppendString(b, r.OperatorName)
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, r.Kind)
	for _, name := range r.StoreNames {
		b = protowire.AppendTag(b, fieldStoreName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, fieldNumPartitions, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NumPartitions))
	b = protowire.AppendTag(b, fieldMinBatchID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.MinBatchID)))
	b = protowire.AppendTag(b, fieldMaxBatchID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.MaxBatchID)))
	b = protowire.AppendTag(b, fieldNumColsPrefixKey, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NumColsPrefixKey))
	if !r.RetiredAt.IsZero() {
		b = protowire.AppendTag(b, fieldRetiredAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.RetiredAt.UnixNano()))
	}

	for _, store := range slices.Sorted(maps.Keys(r.Schemas)) {
		s := r.Schemas[store]
		key, err := s.Key.MarshalBinary()
		if err != nil {
			return nil, err
		}
		value, err := s.Value.MarshalBinary()
		if err != nil {
			return nil, err
		}
		var m []byte
		m = protowire.AppendTag(m, fieldSchemaStore, protowire.BytesType)
		m = protowire.AppendString(m, store)
		m = protowire.AppendTag(m, fieldSchemaKey, protowire.BytesType)
		m = protowire.AppendBytes(m, key)
		m = protowire.AppendTag(m, fieldSchemaValue, protowire.BytesType)
		m = protowire.AppendBytes(m, value)
		b = protowire.AppendTag(b, fieldStoreSchema, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

func decodeVersion(data []byte) (uint64, map[int64]OperatorRecord, error) {
	if len(data) < versionHeaderSize+4 {
		return 0, nil, fmt.Errorf("metadata file too short: %d bytes", len(data))
	}
	end := len(data) - 4
	if crc32.Checksum(data[:end], crcTable) != binary.LittleEndian.Uint32(data[end:]) {
		return 0, nil, errors.New("metadata checksum mismatch")
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != core.MetadataMagicNumber {
		return 0, nil, fmt.Errorf("invalid metadata magic number: got %x, want %x", magic, core.MetadataMagicNumber)
	}
	if data[4] != core.FormatVersion {
		return 0, nil, fmt.Errorf("unsupported metadata format version %d", data[4])
	}
	version := binary.LittleEndian.Uint64(data[8:16])

	records := make(map[int64]OperatorRecord)
	err := consumeFields(data[versionHeaderSize:end], func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != fieldRecord || typ != protowire.BytesType {
			return nil
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		records[rec.OperatorID] = rec
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return version, records, nil
}

func decodeRecord(data []byte) (OperatorRecord, error) {
	r := OperatorRecord{MinBatchID: core.NoBatch, MaxBatchID: core.NoBatch}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fieldOperatorID:
			r.OperatorID = protowire.DecodeZigZag(x)
		case fieldOperatorName:
			r.OperatorName = string(v)
		case fieldKind:
			r.Kind = string(v)
		case fieldStoreName:
			r.StoreNames = append(r.StoreNames, string(v))
		case fieldNumPartitions:
			r.NumPartitions = int32(x)
		case fieldMinBatchID:
			r.MinBatchID = core.BatchID(protowire.DecodeZigZag(x))
		case fieldMaxBatchID:
			r.MaxBatchID = core.BatchID(protowire.DecodeZigZag(x))
		case fieldNumColsPrefixKey:
			r.NumColsPrefixKey = int(x)
		case fieldRetiredAt:
			r.RetiredAt = time.Unix(0, int64(x)).UTC()
		case fieldStoreSchema:
			store, schema, err := decodeStoreSchema(v)
			if err != nil {
				return err
			}
			if r.Schemas == nil {
				r.Schemas = make(map[string]StoreSchema)
			}
			r.Schemas[store] = schema
		}
		return nil
	})
	return r, err
}

func decodeStoreSchema(data []byte) (string, StoreSchema, error) {
	var store string
	var s StoreSchema
	err := consumeFields(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case fieldSchemaStore:
			store = string(v)
		case fieldSchemaKey:
			return s.Key.UnmarshalBinary(v)
		case fieldSchemaValue:
			return s.Value.UnmarshalBinary(v)
		}
		return nil
	})
	return store, s, err
}

// consumeFields walks a protobuf wire message. For varint fields x holds the
// value; for bytes fields v holds the payload. Other wire types are skipped.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("metadata tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("metadata field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.VarintType || typ == protowire.BytesType {
			if err := fn(num, typ, v, x); err != nil {
				return err
			}
		}
	}
	return nil
}
