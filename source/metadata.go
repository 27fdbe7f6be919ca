package source

import (
	"context"

	"github.com/INLOpen/nexusstate/catalog"
)

// StateMetadata is the "state-metadata" source: one record per store of
// every operator in the checkpoint.
type StateMetadata struct {
	Opener Opener
}

func (*StateMetadata) Name() string { return StateMetadataSourceName }

var metadataColumns = []Column{
	{Name: "operatorId", Type: TypeLong},
	{Name: "operatorName", Type: TypeString},
	{Name: "stateStoreName", Type: TypeString},
	{Name: "numPartitions", Type: TypeInt},
	{Name: "minBatchId", Type: TypeLong},
	{Name: "maxBatchId", Type: TypeLong},
	{Name: "_numColsPrefixKey", Type: TypeInt, Hidden: true},
}

func (s *StateMetadata) Scan(ctx context.Context, opts Options) (*Result, error) {
	path, err := opts.requiredPath()
	if err != nil {
		return nil, err
	}
	r, err := s.Opener.Reader(ctx, path)
	if err != nil {
		return nil, err
	}
	records, err := r.ReadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	rows := metadataRecords(records)
	i := 0
	return &Result{
		Columns: metadataColumns,
		next: func() (Record, bool, error) {
			if i >= len(rows) {
				return nil, false, nil
			}
			i++
			return rows[i-1], true, nil
		},
	}, nil
}

func metadataRecords(records []catalog.OperatorRecord) []Record {
	var rows []Record
	for _, rec := range records {
		for _, store := range rec.StoreNames {
			rows = append(rows, Record{
				rec.OperatorID,
				rec.OperatorName,
				store,
				rec.NumPartitions,
				int64(rec.MinBatchID),
				int64(rec.MaxBatchID),
				rec.NumColsPrefixKey,
			})
		}
	}
	return rows
}
