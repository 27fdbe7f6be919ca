package testutil

import (
	"context"
	"testing"

	"github.com/INLOpen/nexusstate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListStateFiles(t *testing.T) {
	store, root := NewLocalStore(t)
	coord := core.Coordinate{OperatorID: 1, StoreName: core.DefaultStoreName, PartitionID: 2}

	files, err := ListStateFiles(root, coord)
	require.NoError(t, err)
	assert.Empty(t, files)

	ctx := context.Background()
	for _, name := range []string{Snapshot(3), Delta(4), Delta(3), "notes.txt"} {
		require.NoError(t, store.Put(ctx, coord.Dir()+"/"+name, []byte("x")))
	}
	files, err = ListStateFiles(root, coord)
	require.NoError(t, err)
	assert.Equal(t, []string{Delta(3), Snapshot(3), Delta(4)}, files)
	RequireStateFiles(t, root, coord, Delta(4), Delta(3), Snapshot(3))
}
