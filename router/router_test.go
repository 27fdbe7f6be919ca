package router

import (
	"fmt"
	"testing"

	"github.com/INLOpen/nexusstate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLookup map[int64]OperatorInfo

func (m mapLookup) LookupOperator(id int64) (OperatorInfo, bool) {
	info, ok := m[id]
	return info, ok
}

func testLookup() mapLookup {
	return mapLookup{
		0: {OperatorID: 0, Kind: StatefulKindName, StoreNames: []string{core.DefaultStoreName}, NumPartitions: 2},
		1: {OperatorID: 1, Kind: StreamStreamJoinKindName, StoreNames: StreamStreamJoinKind{}.StoreNames(), NumPartitions: 3},
		2: {OperatorID: 2, StoreNames: []string{LeftKeyToNumValuesStore, RightKeyToNumValuesStore}, NumPartitions: 4},
		3: {OperatorID: 3, Kind: "mystery", NumPartitions: 1},
		4: {OperatorID: 4, Kind: StreamStreamJoinKindName, StoreNames: []string{RightKeyToNumValuesStore, RightKeyWithIndexToValueStore}, NumPartitions: 1},
	}
}

func TestResolve_DefaultStore(t *testing.T) {
	r := New(testLookup(), nil)
	res, err := r.Resolve(0, "", core.JoinSideNone)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultStoreName, res.StoreName)
	assert.Equal(t, StatefulKindName, res.Kind.Name())
	require.Len(t, res.Coordinates, 2)
	for i, c := range res.Coordinates {
		assert.Equal(t, core.Coordinate{OperatorID: 0, StoreName: core.DefaultStoreName, PartitionID: int32(i)}, c)
	}
}

func TestResolve_JoinSide(t *testing.T) {
	r := New(testLookup(), nil)

	left, err := r.Resolve(1, core.DefaultStoreName, core.JoinSideLeft)
	require.NoError(t, err)
	assert.Equal(t, LeftKeyWithIndexToValueStore, left.StoreName)
	require.Len(t, left.Coordinates, 3)
	assert.Equal(t, core.JoinSideLeft, left.Coordinates[0].JoinSide)
	assert.Equal(t, "state/1/2/left-keyWithIndexToValue", left.Coordinates[2].Dir())

	right, err := r.Resolve(1, "", core.JoinSideRight)
	require.NoError(t, err)
	assert.Equal(t, RightKeyWithIndexToValueStore, right.StoreName)
}

func TestResolve_ExplicitJoinStore(t *testing.T) {
	r := New(testLookup(), nil)
	res, err := r.Resolve(1, RightKeyToNumValuesStore, core.JoinSideNone)
	require.NoError(t, err)
	assert.Equal(t, RightKeyToNumValuesStore, res.StoreName)
}

func TestResolve_InferredKind(t *testing.T) {
	r := New(testLookup(), nil)
	res, err := r.Resolve(2, LeftKeyToNumValuesStore, core.JoinSideNone)
	require.NoError(t, err)
	assert.Equal(t, StreamStreamJoinKindName, res.Kind.Name())
	assert.Len(t, res.Coordinates, 4)
}

func TestResolve_JoinSideFallsBackToNumValues(t *testing.T) {
	r := New(testLookup(), nil)

	left, err := r.Resolve(2, "", core.JoinSideLeft)
	require.NoError(t, err)
	assert.Equal(t, StreamStreamJoinKindName, left.Kind.Name())
	assert.Equal(t, LeftKeyToNumValuesStore, left.StoreName)
	require.Len(t, left.Coordinates, 4)
	assert.Equal(t, "state/2/3/left-keyToNumValues", left.Coordinates[3].Dir())

	right, err := r.Resolve(2, "", core.JoinSideRight)
	require.NoError(t, err)
	assert.Equal(t, RightKeyToNumValuesStore, right.StoreName)

	// keyWithIndexToValue wins when both are registered.
	name, err := StreamStreamJoinKind{}.ResolveSide(core.JoinSideRight, []string{RightKeyToNumValuesStore, RightKeyWithIndexToValueStore})
	require.NoError(t, err)
	assert.Equal(t, RightKeyWithIndexToValueStore, name)
}

func TestResolve_Invalid(t *testing.T) {
	testCases := []struct {
		name       string
		operatorID int64
		storeName  string
		side       core.JoinSide
	}{
		{"store name and join side", 1, "foo", core.JoinSideLeft},
		{"join side on stateful operator", 0, "", core.JoinSideLeft},
		{"unknown operator", 42, "", core.JoinSideNone},
		{"unknown store", 0, "missing", core.JoinSideNone},
		{"join without side or store", 1, "", core.JoinSideNone},
		{"side store not registered", 4, "", core.JoinSideLeft},
		{"unknown kind", 3, "", core.JoinSideNone},
	}
	r := New(testLookup(), nil)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(tc.operatorID, tc.storeName, tc.side)
			require.Error(t, err)
			assert.True(t, core.IsInvalidCoordinate(err), "got %v", err)
		})
	}
}

// windowKind is a multi-store operator that is not a join.
type windowKind struct{}

func (windowKind) Name() string           { return "sessionWindow" }
func (windowKind) StoreNames() []string   { return []string{"sessions", "timers"} }
func (windowKind) DefaultStore() string   { return "sessions" }
func (windowKind) SupportsJoinSide() bool { return false }

func (windowKind) ResolveSide(core.JoinSide, []string) (string, error) {
	return "", fmt.Errorf("no sides")
}
func (windowKind) Matches(names []string) bool {
	return len(names) == 2 && names[0] == "sessions" && names[1] == "timers"
}

func TestRegistry_CustomKind(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(windowKind{}))
	assert.Error(t, reg.Register(windowKind{}), "duplicate name")

	lookup := mapLookup{7: {OperatorID: 7, StoreNames: []string{"sessions", "timers"}, NumPartitions: 1}}
	r := New(lookup, reg)
	res, err := r.Resolve(7, "", core.JoinSideNone)
	require.NoError(t, err)
	assert.Equal(t, "sessions", res.StoreName)
	assert.Equal(t, "sessionWindow", res.Kind.Name())

	_, err = r.Resolve(7, "", core.JoinSideRight)
	assert.True(t, core.IsInvalidCoordinate(err))
}

func TestRegistry_InferFallsBackToStateful(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, StatefulKindName, reg.Infer([]string{core.DefaultStoreName}).Name())
	assert.Equal(t, StatefulKindName, reg.Infer(nil).Name())
	assert.Equal(t, StreamStreamJoinKindName, reg.Infer([]string{LeftKeyToNumValuesStore}).Name())
}
