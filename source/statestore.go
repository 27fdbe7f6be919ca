package source

import (
	"context"

	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/reader"
)

const (
	StateStoreSourceName    = "statestore"
	StateMetadataSourceName = "state-metadata"
)

// Option names.
const (
	OptionPath       = "path"
	OptionBatchID    = "batchId"
	OptionOperatorID = "operatorId"
	OptionStoreName  = "storeName"
	OptionJoinSide   = "joinSide"
)

// PartitionIDColumn is the hidden column holding a row's partition.
const PartitionIDColumn = "_partition_id"

// StateStore is the "statestore" source. Each record is (key, value,
// _partition_id) where key and value are structs following the store's schemas.
type StateStore struct {
	Opener Opener
}

func (*StateStore) Name() string { return StateStoreSourceName }

// ParseRequest validates the options of a statestore scan.
func ParseRequest(opts Options) (reader.Request, error) {
	path, err := opts.requiredPath()
	if err != nil {
		return reader.Request{}, err
	}
	req := reader.Request{CheckpointRoot: path, BatchID: core.NoBatch}

	batch, err := opts.int64Option(OptionBatchID, int64(core.NoBatch))
	if err != nil {
		return reader.Request{}, err
	}
	req.BatchID = core.BatchID(batch)
	if req.OperatorID, err = opts.int64Option(OptionOperatorID, 0); err != nil {
		return reader.Request{}, err
	}

	if s, ok := opts.Get(OptionJoinSide); ok {
		side, err := core.ParseJoinSide(s)
		if err != nil {
			return reader.Request{}, &OptionError{Option: OptionJoinSide, Value: s, Message: "expected left or right"}
		}
		req.JoinSide = side
	}
	if name, ok := opts.Get(OptionStoreName); ok && name != "" {
		if req.JoinSide != core.JoinSideNone && name != core.DefaultStoreName {
			return reader.Request{}, &OptionError{Option: OptionJoinSide, Value: req.JoinSide.String(),
				Message: "cannot be combined with option " + OptionStoreName}
		}
		if req.JoinSide == core.JoinSideNone {
			req.StoreName = name
		}
	}
	return req, nil
}

func (s *StateStore) Scan(ctx context.Context, opts Options) (*Result, error) {
	req, err := ParseRequest(opts)
	if err != nil {
		return nil, err
	}
	r, err := s.Opener.Reader(ctx, req.CheckpointRoot)
	if err != nil {
		return nil, err
	}
	it, err := r.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	cd := it.Codec()
	keySchema, valueSchema := cd.KeySchema(), cd.ValueSchema()
	return &Result{
		Columns: []Column{
			structColumn("key", keySchema),
			structColumn("value", valueSchema),
			{Name: PartitionIDColumn, Type: TypeInt, Hidden: true},
		},
		next: func() (Record, bool, error) {
			if !it.Next() {
				return nil, false, it.Error()
			}
			row, err := it.At()
			if err != nil {
				return nil, false, err
			}
			return Record{keySchema.ToMap(row.Key), valueSchema.ToMap(row.Value), row.PartitionID}, true, nil
		},
		close: it.Close,
	}, nil
}

func structColumn(name string, schema codec.Schema) Column {
	c := Column{Name: name, Type: TypeStruct}
	for _, f := range schema.Fields {
		c.Fields = append(c.Fields, Column{Name: f.Name, Type: f.Type.String()})
	}
	return c
}
