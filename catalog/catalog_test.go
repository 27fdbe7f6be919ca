package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/codec"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/router"
	"github.com/INLOpen/nexusstate/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*blob.Local, string) {
	t.Helper()
	root := t.TempDir()
	s, err := blob.NewLocal(root)
	require.NoError(t, err)
	return s, root
}

func joinSpec() OperatorSpec {
	return OperatorSpec{
		OperatorID:    0,
		OperatorName:  "join",
		StoreNames:    []string{"left-keyToNumValues", "right-keyToNumValues"},
		NumPartitions: 4,
	}
}

func TestCatalog_JoinOperatorScenario(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.RegisterOperator(ctx, joinSpec())
	require.NoError(t, err)

	ro, err := OpenReadOnly(ctx, store, nil)
	require.NoError(t, err)
	ops := ro.ListOperators()
	require.Len(t, ops, 1)
	assert.Equal(t, int64(0), ops[0].OperatorID)
	assert.Equal(t, "join", ops[0].OperatorName)
	assert.Equal(t, int32(4), ops[0].NumPartitions)
	assert.ElementsMatch(t, []string{"left-keyToNumValues", "right-keyToNumValues"}, ops[0].StoreNames)
	assert.False(t, ops[0].HasCommitted())
}

func TestCatalog_RegisterIsIdempotentAndKeepsRange(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)

	_, err = c.RegisterOperator(ctx, joinSpec())
	require.NoError(t, err)
	require.NoError(t, c.RecordBatchCommitted(ctx, 0, 0))
	require.NoError(t, c.RecordBatchCommitted(ctx, 0, 1))
	v := c.Version()

	_, err = c.RegisterOperator(ctx, joinSpec())
	require.NoError(t, err)
	assert.Equal(t, v, c.Version(), "unchanged registration writes no new version")

	spec := joinSpec()
	spec.OperatorName = "renamed"
	rec, err := c.RegisterOperator(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.OperatorName)
	assert.Equal(t, core.BatchID(0), rec.MinBatchID)
	assert.Equal(t, core.BatchID(1), rec.MaxBatchID)
}

func TestCatalog_RangeIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: 3, OperatorName: "agg", NumPartitions: 2})
	require.NoError(t, err)

	require.NoError(t, c.RecordBatchRetired(ctx, 3, 5), "retiring before any commit is a no-op")
	for b := core.BatchID(0); b < 10; b++ {
		require.NoError(t, c.RecordBatchCommitted(ctx, 3, b))
	}
	require.NoError(t, c.RecordBatchCommitted(ctx, 3, 4), "older commits are ignored")
	require.NoError(t, c.RecordBatchRetired(ctx, 3, 5))
	require.NoError(t, c.RecordBatchRetired(ctx, 3, 2), "floor never moves back")
	assert.Error(t, c.RecordBatchRetired(ctx, 3, 10))

	rec, ok := c.Operator(3)
	require.True(t, ok)
	assert.Equal(t, core.BatchID(5), rec.MinBatchID)
	assert.Equal(t, core.BatchID(9), rec.MaxBatchID)
	assert.False(t, rec.RetiredAt.IsZero())
	assert.Equal(t, []string{core.DefaultStoreName}, rec.StoreNames)
	assert.True(t, rec.Contains(5))
	assert.False(t, rec.Contains(4))
	assert.False(t, rec.Contains(10))

	assert.Error(t, c.RecordBatchCommitted(ctx, 99, 0), "unknown operator")
}

func TestCatalog_PersistsSchemasAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	key := codec.NewSchema(codec.Field{Name: "user", Type: codec.TypeString}, codec.Field{Name: "window", Type: codec.TypeInt64})
	value := codec.NewSchema(codec.Field{Name: "count", Type: codec.TypeInt64}, codec.Field{Name: "last", Type: codec.TypeString, Nullable: true})

	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{
		OperatorID: 1, OperatorName: "agg", Kind: "stateful", NumPartitions: 3, NumColsPrefixKey: 1,
		Schemas: map[string]StoreSchema{core.DefaultStoreName: {Key: key, Value: value}},
	})
	require.NoError(t, err)
	require.NoError(t, c.RecordBatchCommitted(ctx, 1, 0))
	require.NoError(t, c.Close())

	reopened, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	rec, ok := reopened.Operator(1)
	require.True(t, ok)
	assert.Equal(t, "stateful", rec.Kind)
	assert.Equal(t, core.BatchID(0), rec.MaxBatchID)
	assert.Equal(t, 1, rec.NumColsPrefixKey)
	require.Contains(t, rec.Schemas, core.DefaultStoreName)
	assert.Equal(t, key.Fields, rec.Schemas[core.DefaultStoreName].Key.Fields)
	assert.Equal(t, value.Fields, rec.Schemas[core.DefaultStoreName].Value.Fields)

	cd, err := rec.Codec(core.DefaultStoreName)
	require.NoError(t, err)
	assert.Equal(t, 1, cd.NumColsPrefixKey())

	info, ok := reopened.LookupOperator(1)
	require.True(t, ok)
	assert.Equal(t, int32(3), info.NumPartitions)
}

func TestCatalog_RawCodecWithoutSchema(t *testing.T) {
	rec := OperatorRecord{StoreNames: []string{core.DefaultStoreName}}
	cd, err := rec.Codec(core.DefaultStoreName)
	require.NoError(t, err)
	assert.IsType(t, codec.RawCodec{}, cd)
}

func TestCatalog_PrunesOldVersions(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store, VersionsToRetain: 2})
	require.NoError(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	for b := core.BatchID(0); b < 5; b++ {
		require.NoError(t, c.RecordBatchCommitted(ctx, 0, b))
	}
	assert.Equal(t, uint64(6), c.Version())

	names, err := store.List(ctx, core.MetadataDirName)
	require.NoError(t, err)
	assert.Equal(t, []string{core.FormatMetadataFileName(5), core.FormatMetadataFileName(6)}, names)
}

func TestCatalog_FallsBackToOlderVersionWhenNewestIsCorrupt(t *testing.T) {
	ctx := context.Background()
	store, root := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: 0, NumPartitions: 1})
	require.NoError(t, err)
	require.NoError(t, c.RecordBatchCommitted(ctx, 0, 0))

	newest := filepath.Join(root, core.MetadataDirName, core.FormatMetadataFileName(2))
	data, err := os.ReadFile(newest)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(newest, data, 0o644))

	ro, err := OpenReadOnly(ctx, store, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ro.Version())
	rec, ok := ro.Operator(0)
	require.True(t, ok)
	assert.False(t, rec.HasCommitted(), "version 1 predates the commit")
}

func TestCatalog_ReadOnlyRejectsMutations(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	ro, err := OpenReadOnly(ctx, store, nil)
	require.NoError(t, err)
	_, err = ro.RegisterOperator(ctx, OperatorSpec{OperatorID: 0, NumPartitions: 1})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Empty(t, ro.ListOperators())
}

func TestCatalog_RefreshSeesNewVersions(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	w, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	ro, err := OpenReadOnly(ctx, store, nil)
	require.NoError(t, err)

	_, err = w.RegisterOperator(ctx, joinSpec())
	require.NoError(t, err)
	assert.Empty(t, ro.ListOperators())
	require.NoError(t, ro.Refresh(ctx))
	assert.Len(t, ro.ListOperators(), 1)
}

func TestCatalog_WriterLock(t *testing.T) {
	ctx := context.Background()
	store, root := newStore(t)
	lockDir := filepath.Join(root, "_lock")

	first, err := Open(ctx, Options{Store: store, LockPath: lockDir})
	require.NoError(t, err)
	_, err = Open(ctx, Options{Store: store, LockPath: lockDir})
	assert.ErrorIs(t, err, sys.ErrLocked)

	require.NoError(t, first.Close())
	second, err := Open(ctx, Options{Store: store, LockPath: lockDir})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestCatalog_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)

	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: 0, NumPartitions: 0})
	assert.Error(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: -1, NumPartitions: 1})
	assert.Error(t, err)
	_, err = c.RegisterOperator(ctx, OperatorSpec{OperatorID: 0, NumPartitions: 1,
		Schemas: map[string]StoreSchema{"other": {}}})
	assert.Error(t, err)
}

func TestCatalog_RejectsStoreNamesOutsideTheirDirectory(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)

	for _, name := range []string{"../../metadata", "a/b", `a\b`, "..", ".hidden", "x..y", ""} {
		_, err := c.RegisterOperator(ctx, OperatorSpec{OperatorID: 1, NumPartitions: 1, StoreNames: []string{core.DefaultStoreName, name}})
		assert.Error(t, err, "store name %q", name)
	}
	_, ok := c.Operator(1)
	assert.False(t, ok)

	rec, err := c.RegisterOperator(ctx, OperatorSpec{OperatorID: 1, NumPartitions: 1,
		StoreNames: []string{router.LeftKeyToNumValuesStore, "state_v2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{router.LeftKeyToNumValuesStore, "state_v2"}, rec.StoreNames)
}

func TestCatalog_RetiredAtSurvivesReopenAndReregister(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	c, err := Open(ctx, Options{Store: store})
	require.NoError(t, err)
	_, err = c.RegisterOperator(ctx, joinSpec())
	require.NoError(t, err)
	for b := core.BatchID(0); b < 4; b++ {
		require.NoError(t, c.RecordBatchCommitted(ctx, 0, b))
	}
	rec, _ := c.Operator(0)
	assert.True(t, rec.RetiredAt.IsZero(), "commits alone do not retire")

	require.NoError(t, c.RecordBatchRetired(ctx, 0, 2))
	retired, _ := c.Operator(0)
	require.False(t, retired.RetiredAt.IsZero())

	spec := joinSpec()
	spec.OperatorName = "join-renamed"
	_, err = c.RegisterOperator(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := OpenReadOnly(ctx, store, nil)
	require.NoError(t, err)
	rec, ok := reopened.Operator(0)
	require.True(t, ok)
	assert.Equal(t, "join-renamed", rec.OperatorName)
	assert.Equal(t, core.BatchID(2), rec.MinBatchID)
	assert.True(t, retired.RetiredAt.Equal(rec.RetiredAt), "got %v, want %v", rec.RetiredAt, retired.RetiredAt)
}
