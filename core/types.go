package core

import (
	"fmt"
	"strconv"
	"strings"
)

// BatchID identifies a committed version of a store instance.
type BatchID int64

// NoBatch marks an instance that has not committed anything yet. It is also
// used by readers to request the latest committed batch.
const NoBatch BatchID = -1

func (b BatchID) String() string {
	if b == NoBatch {
		return "none"
	}
	return strconv.FormatInt(int64(b), 10)
}

// DefaultStoreName is the store name used by operators with a single store.
const DefaultStoreName = "DEFAULT"

// JoinSide selects one input side of a stream-stream join.
type JoinSide uint8

const (
	JoinSideNone JoinSide = iota
	JoinSideLeft
	JoinSideRight
)

func (s JoinSide) String() string {
	switch s {
	case JoinSideLeft:
		return "left"
	case JoinSideRight:
		return "right"
	default:
		return "none"
	}
}

// ParseJoinSide parses the user-facing join side option. The empty string and
// "none" map to JoinSideNone.
func ParseJoinSide(s string) (JoinSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return JoinSideNone, nil
	case "left":
		return JoinSideLeft, nil
	case "right":
		return JoinSideRight, nil
	default:
		return JoinSideNone, fmt.Errorf("invalid join side %q: expected left or right", s)
	}
}

// Coordinate uniquely identifies one version store instance.
type Coordinate struct {
	OperatorID  int64
	StoreName   string
	PartitionID int32
	// JoinSide records the side a coordinate was resolved from. It does not
	// take part in the physical path: the store name already encodes it.
	JoinSide JoinSide
}

func (c Coordinate) String() string {
	if c.JoinSide != JoinSideNone {
		return fmt.Sprintf("op=%d store=%s partition=%d side=%s", c.OperatorID, c.StoreName, c.PartitionID, c.JoinSide)
	}
	return fmt.Sprintf("op=%d store=%s partition=%d", c.OperatorID, c.StoreName, c.PartitionID)
}

// Dir returns the coordinate's directory relative to the checkpoint root.
func (c Coordinate) Dir() string {
	return fmt.Sprintf("%s/%d/%d/%s", StateDirName, c.OperatorID, c.PartitionID, c.StoreName)
}

// Physical drops the join side, leaving only the fields that address files.
func (c Coordinate) Physical() Coordinate {
	c.JoinSide = JoinSideNone
	return c
}

// Op is a single buffered change: an upsert or a tombstone.
type Op struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Delta is the ordered set of changes committed for one batch. Ops are sorted
// by key and a key appears at most once.
type Delta struct {
	BatchID BatchID
	Ops     []Op
}

// Len returns the number of ops in the delta.
func (d Delta) Len() int { return len(d.Ops) }

// KV is a live key-value pair.
type KV struct {
	Key   []byte
	Value []byte
}
