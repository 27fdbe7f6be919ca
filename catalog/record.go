package catalog

import (
	"maps"
	"slices"
	"time"

	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
)

// StoreSchema is the key and value layout of one state store.
type StoreSchema struct {
	Key   codec.Schema
	Value codec.Schema
}

// OperatorSpec is what a streaming execution registers for an operator.
type OperatorSpec struct {
	OperatorID   int64
	OperatorName string
	// Kind names a router kind. Empty means inferred from StoreNames.
	Kind             string
	StoreNames       []string
	NumPartitions    int32
	NumColsPrefixKey int
	// Schemas is optional. Readers fall back to raw bytes for stores
	// without a schema.
	Schemas map[string]StoreSchema
}

// OperatorRecord is the catalog entry of one operator, including the range
// of batches that can be queried.
type OperatorRecord struct {
	OperatorID       int64
	OperatorName     string
	Kind             string
	StoreNames       []string
	NumPartitions    int32
	MinBatchID       core.BatchID
	MaxBatchID       core.BatchID
	NumColsPrefixKey int
	Schemas          map[string]StoreSchema
	// RetiredAt is when MinBatchID was last raised by retention. Files below
	// MinBatchID may only be deleted once a reader that validated against
	// the previous range can no longer be reading them.
	RetiredAt time.Time
}

// HasCommitted reports whether any batch of the operator is queryable.
func (r OperatorRecord) HasCommitted() bool {
	return r.MaxBatchID != core.NoBatch
}

// Contains reports whether batch lies within the advertised range.
func (r OperatorRecord) Contains(batch core.BatchID) bool {
	return r.HasCommitted() && batch >= r.MinBatchID && batch <= r.MaxBatchID
}

// Codec returns the codec of storeName, or codec.RawCodec when no schema
// was registered.
func (r OperatorRecord) Codec(storeName string) (codec.Codec, error) {
	s, ok := r.Schemas[storeName]
	if !ok || s.Key.IsEmpty() {
		return codec.RawCodec{}, nil
	}
	prefix := r.NumColsPrefixKey
	if prefix > s.Key.Len() {
		prefix = s.Key.Len()
	}
	return codec.NewRowCodec(s.Key, s.Value, prefix)
}

func (r OperatorRecord) clone() OperatorRecord {
	r.StoreNames = slices.Clone(r.StoreNames)
	r.Schemas = maps.Clone(r.Schemas)
	return r
}

func (r OperatorRecord) sameSpec(spec OperatorSpec) bool {
	if r.OperatorName != spec.OperatorName || r.Kind != spec.Kind || r.NumPartitions != spec.NumPartitions ||
		r.NumColsPrefixKey != spec.NumColsPrefixKey || !slices.Equal(r.StoreNames, spec.StoreNames) {
		return false
	}
	return maps.EqualFunc(r.Schemas, spec.Schemas, func(a, b StoreSchema) bool {
		return slices.Equal(a.Key.Fields, b.Key.Fields) && slices.Equal(a.Value.Fields, b.Value.Fields)
	})
}
