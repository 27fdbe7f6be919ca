package reader

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/catalog"
	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/engine"
	"github.com/INLOpen/nexusstate/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts reads of delta and snapshot files. onStateGet, when
// set, runs once before the first such read.
type countingStore struct {
	blob.Store
	stateGets  atomic.Int64
	onStateGet func()
	hooked     atomic.Bool
}

func (s *countingStore) Get(ctx context.Context, name string) ([]byte, error) {
	if strings.HasPrefix(name, core.StateDirName+"/") {
		s.stateGets.Add(1)
		if s.onStateGet != nil && s.hooked.CompareAndSwap(false, true) {
			s.onStateGet()
		}
	}
	return s.Store.Get(ctx, name)
}

type fixture struct {
	root   string
	store  *countingStore
	engine *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	local, err := blob.NewLocal(root)
	require.NoError(t, err)
	store := &countingStore{Store: local}
	e, err := engine.Open(context.Background(), engine.Options{Store: store, SnapshotInterval: 3, MinBatchesToRetain: 3})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &fixture{root: root, store: store, engine: e}
}

func (f *fixture) newReader(t *testing.T) *Reader {
	t.Helper()
	r, err := New(context.Background(), Options{Store: f.store, Parallelism: 2})
	require.NoError(t, err)
	return r
}

// commit applies writes to one partition of coordinate's store and commits batch.
func (f *fixture) commit(t *testing.T, c core.Coordinate, batch core.BatchID, puts map[string]string, deletes ...string) {
	t.Helper()
	ctx := context.Background()
	inst, err := f.engine.Instance(ctx, c)
	require.NoError(t, err)
	for k, v := range puts {
		require.NoError(t, inst.Put([]byte(k), []byte(v)))
	}
	for _, k := range deletes {
		require.NoError(t, inst.Delete([]byte(k)))
	}
	_, err = inst.CommitBatch(ctx, batch)
	require.NoError(t, err)
}

func rawRows(t *testing.T, rows []Row) []string {
	t.Helper()
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprintf("%d:%s=%s", r.PartitionID, r.RawKey, r.RawValue))
	}
	return out
}

func stateful(p int32) core.Coordinate {
	return core.Coordinate{OperatorID: 0, StoreName: core.DefaultStoreName, PartitionID: p}
}

func setupStateful(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{OperatorID: 0, OperatorName: "agg", NumPartitions: 2})
	require.NoError(t, err)

	f.commit(t, stateful(0), 0, map[string]string{"k1": "v1"})
	f.commit(t, stateful(1), 0, map[string]string{"b": "1", "a": "1"})
	require.NoError(t, f.engine.CommitBatch(ctx, 0, 0))

	f.commit(t, stateful(0), 1, map[string]string{"k2": "v2"}, "k1")
	f.commit(t, stateful(1), 1, map[string]string{"a": "2"})
	require.NoError(t, f.engine.CommitBatch(ctx, 0, 1))
}

func TestReader_ReadAtBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	setupStateful(t, f)
	r := f.newReader(t)

	rows, err := r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:k1=v1", "1:a=1", "1:b=1"}, rawRows(t, rows))

	rows, err = r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:k2=v2", "1:a=2", "1:b=1"}, rawRows(t, rows))

	latest, err := r.Read(ctx, Request{OperatorID: 0, BatchID: core.NoBatch})
	require.NoError(t, err)
	defer latest.Close()
	assert.Equal(t, core.BatchID(1), latest.BatchID())
	assert.IsType(t, codec.RawCodec{}, latest.Codec())
	require.True(t, latest.Next())
	row, err := latest.At()
	require.NoError(t, err)
	assert.Equal(t, codec.Row{[]byte("k2")}, row.Key)
	assert.Equal(t, codec.Row{[]byte("v2")}, row.Value)
}

func TestReader_RejectsBeforeIO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	setupStateful(t, f)
	r := f.newReader(t)
	before := f.store.stateGets.Load()

	_, err := r.Read(ctx, Request{OperatorID: 0, BatchID: 2})
	require.Error(t, err)
	assert.True(t, core.IsBatchNotAvailable(err), err)

	_, err = r.Read(ctx, Request{OperatorID: 7, BatchID: 0})
	assert.True(t, core.IsInvalidCoordinate(err), err)

	_, err = r.Read(ctx, Request{OperatorID: 0, BatchID: 0, JoinSide: core.JoinSideLeft})
	assert.True(t, core.IsInvalidCoordinate(err), err)

	_, err = r.Read(ctx, Request{OperatorID: 0, BatchID: 0, StoreName: "missing"})
	assert.True(t, core.IsInvalidCoordinate(err), err)

	assert.Equal(t, before, f.store.stateGets.Load(), "no state file may be read for a rejected request")
	assert.Equal(t, int64(4), r.Metrics().ReadErrorsTotal.Value())
}

func TestReader_NothingCommitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	f.commit(t, stateful(0), 0, map[string]string{"a": "b"})

	r := f.newReader(t)
	_, err = r.Read(ctx, Request{OperatorID: 0, BatchID: core.NoBatch})
	assert.True(t, core.IsBatchNotAvailable(err), "batch 0 is not advertised yet: %v", err)
}

func TestReader_CachesPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	setupStateful(t, f)
	r := f.newReader(t)

	_, err := r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 1})
	require.NoError(t, err)
	reads := f.store.stateGets.Load()
	_, err = r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 1})
	require.NoError(t, err)

	assert.Equal(t, reads, f.store.stateGets.Load())
	assert.Equal(t, int64(2), r.Metrics().PartitionsLoaded.Value())
	assert.Equal(t, int64(2), r.Metrics().CacheHits.Value())
	assert.Equal(t, int64(2), r.Metrics().CacheMisses.Value())
}

func TestReader_JoinSides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{
		OperatorID: 3, OperatorName: "join", Kind: router.StreamStreamJoinKindName,
		StoreNames: router.StreamStreamJoinKind{}.StoreNames(), NumPartitions: 2,
	})
	require.NoError(t, err)

	for _, store := range (router.StreamStreamJoinKind{}).StoreNames() {
		for p := int32(0); p < 2; p++ {
			f.commit(t, core.Coordinate{OperatorID: 3, StoreName: store, PartitionID: p}, 0,
				map[string]string{fmt.Sprintf("%s-%d", store, p): "x"})
		}
	}
	require.NoError(t, f.engine.CommitBatch(ctx, 3, 0))
	r := f.newReader(t)

	rows, err := r.ReadAll(ctx, Request{OperatorID: 3, BatchID: 0, JoinSide: core.JoinSideLeft})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:left-keyWithIndexToValue-0=x", "1:left-keyWithIndexToValue-1=x"}, rawRows(t, rows))

	rows, err = r.ReadAll(ctx, Request{OperatorID: 3, BatchID: 0, StoreName: router.RightKeyToNumValuesStore})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:right-keyToNumValues-0=x", "1:right-keyToNumValues-1=x"}, rawRows(t, rows))

	_, err = r.Read(ctx, Request{OperatorID: 3, BatchID: 0})
	assert.True(t, core.IsInvalidCoordinate(err), "a join needs a side or a store name")

	_, err = r.Read(ctx, Request{OperatorID: 3, BatchID: 0, StoreName: router.RightKeyToNumValuesStore, JoinSide: core.JoinSideRight})
	assert.True(t, core.IsInvalidCoordinate(err), "side and store name are exclusive")
}

func TestReader_DecodesRegisteredSchemas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keySchema := codec.NewSchema(codec.Field{Name: "user", Type: codec.TypeString}, codec.Field{Name: "window", Type: codec.TypeInt64})
	valueSchema := codec.NewSchema(codec.Field{Name: "count", Type: codec.TypeInt64}, codec.Field{Name: "label", Type: codec.TypeString, Nullable: true})
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{
		OperatorID: 0, OperatorName: "agg", NumPartitions: 1, NumColsPrefixKey: 1,
		Schemas: map[string]catalog.StoreSchema{core.DefaultStoreName: {Key: keySchema, Value: valueSchema}},
	})
	require.NoError(t, err)

	rc, err := codec.NewRowCodec(keySchema, valueSchema, 1)
	require.NoError(t, err)
	inst, err := f.engine.Instance(ctx, stateful(0))
	require.NoError(t, err)
	for _, kv := range []struct {
		key, value codec.Row
	}{
		{codec.Row{"bob", int64(20)}, codec.Row{int64(1), nil}},
		{codec.Row{"alice", int64(10)}, codec.Row{int64(3), "x"}},
		{codec.Row{"alice", int64(-5)}, codec.Row{int64(2), "y"}},
	} {
		k, err := rc.EncodeKey(kv.key)
		require.NoError(t, err)
		v, err := rc.EncodeValue(kv.value)
		require.NoError(t, err)
		require.NoError(t, inst.Put(k, v))
	}
	_, err = inst.CommitBatch(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.CommitBatch(ctx, 0, 0))

	rows, err := f.newReader(t).ReadAll(ctx, Request{OperatorID: 0, BatchID: core.NoBatch})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, codec.Row{"alice", int64(-5)}, rows[0].Key)
	assert.Equal(t, codec.Row{int64(2), "y"}, rows[0].Value)
	assert.Equal(t, codec.Row{"alice", int64(10)}, rows[1].Key)
	assert.Equal(t, codec.Row{"bob", int64(20)}, rows[2].Key)
	assert.Equal(t, codec.Row{int64(1), nil}, rows[2].Value)
}

func TestReader_AfterRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	for b := core.BatchID(0); b < 9; b++ {
		f.commit(t, stateful(0), b, map[string]string{fmt.Sprintf("k%d", b): "v"})
		require.NoError(t, f.engine.CommitBatch(ctx, 0, b))
	}
	r := f.newReader(t)
	rows, err := r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Snapshots at 2, 5, 8; keeping 6..8 retires everything below 5.
	report, err := f.engine.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Equal(t, core.BatchID(5), report.Floors[0])

	_, err = r.Read(ctx, Request{OperatorID: 0, BatchID: 4})
	assert.True(t, core.IsBatchNotAvailable(err), err)
	rows, err = r.ReadAll(ctx, Request{OperatorID: 0, BatchID: 6})
	require.NoError(t, err)
	assert.Len(t, rows, 7)

	meta, err := r.ReadMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, core.BatchID(5), meta[0].MinBatchID)
	assert.Equal(t, core.BatchID(8), meta[0].MaxBatchID)
}

func TestReader_MaintenanceDuringReadKeepsValidatedBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	for b := core.BatchID(0); b < 9; b++ {
		f.commit(t, stateful(0), b, map[string]string{fmt.Sprintf("k%d", b): "v"})
		require.NoError(t, f.engine.CommitBatch(ctx, 0, b))
	}

	// The reader has validated batch 1 against the catalog by the time it
	// opens its first file, and retention runs right then.
	var report engine.MaintenanceReport
	var maintenanceErr error
	f.store.onStateGet = func() { report, maintenanceErr = f.engine.RunMaintenance(ctx) }
	rows, err := f.newReader(t).ReadAll(ctx, Request{OperatorID: 0, BatchID: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:k0=v", "0:k1=v"}, rawRows(t, rows))
	require.NoError(t, maintenanceErr)
	assert.Equal(t, core.BatchID(5), report.Floors[0])
	assert.Zero(t, report.FilesDeleted)

	// A later pass deletes what the earlier one retired.
	second, err := f.engine.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BatchID(5), second.Floors[0])
	assert.Positive(t, second.FilesDeleted)

	_, err = f.newReader(t).Read(ctx, Request{OperatorID: 0, BatchID: 1})
	assert.True(t, core.IsBatchNotAvailable(err), err)
	rows, err = f.newReader(t).ReadAll(ctx, Request{OperatorID: 0, BatchID: 5})
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestReader_FilesRemovedBehindTheCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	for b := core.BatchID(0); b < 4; b++ {
		f.commit(t, stateful(0), b, map[string]string{"k": fmt.Sprint(b)})
		require.NoError(t, f.engine.CommitBatch(ctx, 0, b))
	}
	n, err := f.engine.Manager().CleanupOlderThan(ctx, stateful(0), 3)
	require.NoError(t, err)
	require.Positive(t, n)

	_, err = f.newReader(t).Read(ctx, Request{OperatorID: 0, BatchID: 0})
	assert.True(t, core.IsBatchNotAvailable(err), err)
}

func TestReadMetadata_JoinOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.RegisterOperator(ctx, catalog.OperatorSpec{
		OperatorID:    0,
		OperatorName:  "join",
		StoreNames:    []string{router.LeftKeyToNumValuesStore, router.RightKeyToNumValuesStore},
		NumPartitions: 4,
	})
	require.NoError(t, err)

	records, err := ReadMetadata(ctx, f.root, Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "join", records[0].OperatorName)
	assert.Equal(t, int32(4), records[0].NumPartitions)
	assert.Equal(t, router.StreamStreamJoinKindName, records[0].Kind)
	assert.ElementsMatch(t, []string{"left-keyToNumValues", "right-keyToNumValues"}, records[0].StoreNames)
}

func TestRead_LocalCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	setupStateful(t, f)

	it, err := Read(ctx, Request{CheckpointRoot: f.root, OperatorID: 0, BatchID: 0}, Options{})
	require.NoError(t, err)
	defer it.Close()
	var keys []string
	for it.Next() {
		row, err := it.At()
		require.NoError(t, err)
		keys = append(keys, string(row.RawKey))
	}
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"k1", "a", "b"}, keys)
}
