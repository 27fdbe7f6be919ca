package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinate(t *testing.T) {
	c := Coordinate{OperatorID: 3, StoreName: "left-keyToNumValues", PartitionID: 7, JoinSide: JoinSideLeft}
	assert.Equal(t, "state/3/7/left-keyToNumValues", c.Dir())
	assert.Equal(t, "op=3 store=left-keyToNumValues partition=7 side=left", c.String())

	p := c.Physical()
	assert.Equal(t, JoinSideNone, p.JoinSide)
	assert.Equal(t, c.Dir(), p.Dir())
	assert.Equal(t, "op=3 store=left-keyToNumValues partition=7", p.String())
}

func TestParseJoinSide(t *testing.T) {
	testCases := []struct {
		in      string
		want    JoinSide
		wantErr bool
	}{
		{"", JoinSideNone, false},
		{"none", JoinSideNone, false},
		{"left", JoinSideLeft, false},
		{" Right ", JoinSideRight, false},
		{"both", JoinSideNone, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseJoinSide(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBatchFileNames(t *testing.T) {
	name := FormatBatchFileName(42, DeltaFileSuffix)
	assert.Equal(t, "00000000000000000042.delta", name)
	b, suffix, err := ParseBatchFileName(name)
	require.NoError(t, err)
	assert.Equal(t, BatchID(42), b)
	assert.Equal(t, DeltaFileSuffix, suffix)

	// Zero padding keeps lexical order equal to numeric order.
	assert.Less(t, FormatBatchFileName(9, SnapshotFileSuffix), FormatBatchFileName(10, SnapshotFileSuffix))

	for _, bad := range []string{"12.tmp", "x.delta", "-3.snapshot", ".delta"} {
		_, _, err := ParseBatchFileName(bad)
		assert.Error(t, err, bad)
	}

	meta := FormatMetadataFileName(7)
	v, err := ParseMetadataFileName(meta)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
	_, err = ParseMetadataFileName("7.delta")
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	coord := Coordinate{OperatorID: 1, StoreName: DefaultStoreName}
	testCases := []struct {
		err   error
		check func(error) bool
	}{
		{&OutOfOrderCommitError{Coordinate: coord, LastCommitted: 2, Attempted: 5}, IsOutOfOrderCommit},
		{&ConcurrentWriteError{Coordinate: coord, Op: "put"}, IsConcurrentWrite},
		{&BatchNotAvailableError{Coordinate: coord, Requested: 9, MinBatchID: 0, MaxBatchID: 3}, IsBatchNotAvailable},
		{&InvalidCoordinateError{OperatorID: 1, Message: "no such store"}, IsInvalidCoordinate},
		{&CorruptCheckpointError{Coordinate: coord, BatchID: 4, Err: fmt.Errorf("bad crc")}, IsCorruptCheckpoint},
		{&InstanceClosedError{Coordinate: coord, Op: "get"}, IsInstanceClosed},
	}
	for _, tc := range testCases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.True(t, tc.check(wrapped), "%T", tc.err)
		assert.False(t, tc.check(fmt.Errorf("plain")), "%T", tc.err)
		assert.NotEmpty(t, tc.err.Error())
	}

	err := &BatchNotAvailableError{Coordinate: coord, Requested: 9, MinBatchID: 0, MaxBatchID: 3, Reason: "outside range"}
	assert.Contains(t, err.Error(), "queryable range [0, 3]: outside range")
	assert.Equal(t, "none", NoBatch.String())
}

func TestParseCompressionType(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompressionType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, got)
	}
	_, err := ParseCompressionType("brotli")
	assert.Error(t, err)
}
