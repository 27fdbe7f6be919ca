package source

import (
	"context"
	"testing"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/catalog"
	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/engine"
	"github.com/INLOpen/nexusstate/internal/testutil"
	"github.com/INLOpen/nexusstate/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCheckpoint creates a checkpoint with a schema'd aggregation (op 0,
// two partitions, batches 0 and 1) and a registered join (op 1).
func writeCheckpoint(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	store, root := testutil.NewLocalStore(t)
	e, err := engine.Open(ctx, engine.Options{Store: store})
	require.NoError(t, err)
	defer e.Close()

	keySchema := codec.NewSchema(codec.Field{Name: "user", Type: codec.TypeString})
	valueSchema := codec.NewSchema(codec.Field{Name: "count", Type: codec.TypeInt64})
	_, err = e.RegisterOperator(ctx, catalog.OperatorSpec{
		OperatorID: 0, OperatorName: "agg", NumPartitions: 2, NumColsPrefixKey: 1,
		Schemas: map[string]catalog.StoreSchema{core.DefaultStoreName: {Key: keySchema, Value: valueSchema}},
	})
	require.NoError(t, err)
	_, err = e.RegisterOperator(ctx, catalog.OperatorSpec{
		OperatorID: 1, OperatorName: "join",
		StoreNames:    []string{router.LeftKeyToNumValuesStore, router.RightKeyToNumValuesStore},
		NumPartitions: 4,
	})
	require.NoError(t, err)

	rc, err := codec.NewRowCodec(keySchema, valueSchema, 1)
	require.NoError(t, err)
	put := func(p int32, batch core.BatchID, user string, count int64) {
		inst, err := e.Instance(ctx, core.Coordinate{OperatorID: 0, StoreName: core.DefaultStoreName, PartitionID: p})
		require.NoError(t, err)
		k, err := rc.EncodeKey(codec.Row{user})
		require.NoError(t, err)
		v, err := rc.EncodeValue(codec.Row{count})
		require.NoError(t, err)
		require.NoError(t, inst.Put(k, v))
		_, err = inst.CommitBatch(ctx, batch)
		require.NoError(t, err)
	}
	put(0, 0, "alice", 1)
	put(1, 0, "bob", 1)
	require.NoError(t, e.CommitBatch(ctx, 0, 0))
	put(0, 1, "alice", 2)
	put(1, 1, "carol", 5)
	require.NoError(t, e.CommitBatch(ctx, 0, 1))
	return root
}

func TestStateStore_Scan(t *testing.T) {
	ctx := context.Background()
	root := writeCheckpoint(t)
	reg := NewRegistry(NewReaderPool(ReaderPoolOptions{}))
	src, err := reg.Lookup("statestore")
	require.NoError(t, err)

	res, err := src.Scan(ctx, Options{"path": root, "batchId": "0"})
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "key", Type: TypeStruct, Fields: []Column{{Name: "user", Type: "string"}}},
		{Name: "value", Type: TypeStruct, Fields: []Column{{Name: "count", Type: "int64"}}},
		{Name: PartitionIDColumn, Type: TypeInt, Hidden: true},
	}, res.Columns)
	assert.Len(t, res.VisibleColumns(), 2)
	records, err := res.Collect()
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{map[string]any{"user": "alice"}, map[string]any{"count": int64(1)}, int32(0)},
		{map[string]any{"user": "bob"}, map[string]any{"count": int64(1)}, int32(1)},
	}, records)

	res, err = src.Scan(ctx, Options{"PATH": root})
	require.NoError(t, err)
	records, err = res.Collect()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, map[string]any{"key": map[string]any{"user": "alice"}, "value": map[string]any{"count": int64(2)}},
		res.Map(records[0], false))
	assert.Equal(t, int32(1), res.Map(records[2], true)[PartitionIDColumn])
}

func TestStateStore_Errors(t *testing.T) {
	ctx := context.Background()
	root := writeCheckpoint(t)
	src := &StateStore{Opener: NewReaderPool(ReaderPoolOptions{})}

	_, err := src.Scan(ctx, Options{"path": root, "batchId": "9"})
	assert.True(t, core.IsBatchNotAvailable(err), err)
	_, err = src.Scan(ctx, Options{"path": root, "operatorId": "1"})
	assert.True(t, core.IsInvalidCoordinate(err), "join without side: %v", err)
	_, err = src.Scan(ctx, Options{"path": root, "operatorId": "0", "joinSide": "left"})
	assert.True(t, core.IsInvalidCoordinate(err), err)
	_, err = src.Scan(ctx, Options{"path": root, "operatorId": "1", "joinSide": "right"})
	assert.True(t, core.IsBatchNotAvailable(err), "nothing committed for the join: %v", err)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(Options{"path": "/cp"})
	require.NoError(t, err)
	assert.Equal(t, "/cp", req.CheckpointRoot)
	assert.Equal(t, core.NoBatch, req.BatchID)
	assert.Equal(t, int64(0), req.OperatorID)
	assert.Empty(t, req.StoreName)

	req, err = ParseRequest(Options{"path": "/cp", "batchid": "4", "operatorId": "2", "joinSide": "Right", "storeName": "DEFAULT"})
	require.NoError(t, err)
	assert.Equal(t, core.BatchID(4), req.BatchID)
	assert.Equal(t, int64(2), req.OperatorID)
	assert.Equal(t, core.JoinSideRight, req.JoinSide)
	assert.Empty(t, req.StoreName)

	req, err = ParseRequest(Options{"path": "/cp", "storeName": "left-keyToNumValues"})
	require.NoError(t, err)
	assert.Equal(t, "left-keyToNumValues", req.StoreName)

	testCases := []struct {
		name string
		opts Options
	}{
		{"missing path", Options{}},
		{"blank path", Options{"path": " "}},
		{"bad batch", Options{"path": "/cp", "batchId": "x"}},
		{"negative batch", Options{"path": "/cp", "batchId": "-1"}},
		{"negative operator", Options{"path": "/cp", "operatorId": "-3"}},
		{"bad side", Options{"path": "/cp", "joinSide": "middle"}},
		{"side with store", Options{"path": "/cp", "joinSide": "left", "storeName": "right-keyToNumValues"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest(tc.opts)
			var optErr *OptionError
			assert.ErrorAs(t, err, &optErr)
		})
	}
}

func TestStateMetadata_Scan(t *testing.T) {
	ctx := context.Background()
	root := writeCheckpoint(t)
	src, err := Lookup("state-metadata")
	require.NoError(t, err)

	res, err := src.Scan(ctx, Options{"path": root})
	require.NoError(t, err)
	records, err := res.Collect()
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{int64(0), "agg", core.DefaultStoreName, int32(2), int64(0), int64(1), 1},
		{int64(1), "join", "left-keyToNumValues", int32(4), int64(-1), int64(-1), 0},
		{int64(1), "join", "right-keyToNumValues", int32(4), int64(-1), int64(-1), 0},
	}, records)
	assert.NotContains(t, res.Map(records[0], false), "_numColsPrefixKey")

	_, err = src.Scan(ctx, Options{})
	var optErr *OptionError
	assert.ErrorAs(t, err, &optErr)
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry(NewReaderPool(ReaderPoolOptions{}))
	s, err := reg.Lookup("StateStore")
	require.NoError(t, err)
	assert.Equal(t, StateStoreSourceName, s.Name())
	_, err = reg.Lookup("kafka")
	assert.Error(t, err)
}

func TestReaderPool_ReusesReaders(t *testing.T) {
	ctx := context.Background()
	root := writeCheckpoint(t)
	var opened []string
	pool := NewReaderPool(ReaderPoolOptions{OpenStore: func(_ context.Context, path string) (blob.Store, error) {
		opened = append(opened, path)
		local, err := blob.NewLocal(path)
		if err != nil {
			return nil, err
		}
		return local, nil
	}})
	a, err := pool.Reader(ctx, root)
	require.NoError(t, err)
	b, err := pool.Reader(ctx, root)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{root}, opened)
}
