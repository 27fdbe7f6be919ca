package router

import (
	"fmt"
	"slices"

	"github.com/INLOpen/nexusstate/core"
)

// Kind describes an operator type: the logical stores it keeps and how a
// join side maps onto them.
type Kind interface {
	Name() string
	// StoreNames lists the stores every operator of this kind owns. A nil
	// result means the kind accepts any store names.
	StoreNames() []string
	// DefaultStore is read when no store name or join side is given. An
	// empty result means the kind has no default store.
	DefaultStore() string
	SupportsJoinSide() bool
	// ResolveSide returns the store holding the rows buffered for side,
	// chosen among the stores the operator registered.
	ResolveSide(side core.JoinSide, storeNames []string) (string, error)
	// Matches reports whether an operator registered with storeNames can be
	// of this kind.
	Matches(storeNames []string) bool
}

const (
	StatefulKindName         = "stateful"
	StreamStreamJoinKindName = "streamStreamJoin"
)

// StatefulKind is a single-input operator such as an aggregation or a
// deduplication. It keeps its state in the DEFAULT store unless registered
// with other names.
type StatefulKind struct{}

func (StatefulKind) Name() string           { return StatefulKindName }
func (StatefulKind) StoreNames() []string   { return nil }
func (StatefulKind) DefaultStore() string   { return core.DefaultStoreName }
func (StatefulKind) SupportsJoinSide() bool { return false }

func (StatefulKind) ResolveSide(core.JoinSide, []string) (string, error) {
	return "", fmt.Errorf("operator kind %s has no join sides", StatefulKindName)
}

func (StatefulKind) Matches([]string) bool { return true }

// Store names of a stream-stream join. Each side keeps a count of buffered
// values per key and the values themselves indexed by (key, index).
const (
	LeftKeyToNumValuesStore       = "left-keyToNumValues"
	LeftKeyWithIndexToValueStore  = "left-keyWithIndexToValue"
	RightKeyToNumValuesStore      = "right-keyToNumValues"
	RightKeyWithIndexToValueStore = "right-keyWithIndexToValue"
)

var streamStreamJoinStores = []string{
	LeftKeyToNumValuesStore,
	LeftKeyWithIndexToValueStore,
	RightKeyToNumValuesStore,
	RightKeyWithIndexToValueStore,
}

// StreamStreamJoinKind buffers unmatched rows of both inputs. A join side
// resolves to the store holding that side's buffered rows.
type StreamStreamJoinKind struct{}

func (StreamStreamJoinKind) Name() string { return StreamStreamJoinKindName }

func (StreamStreamJoinKind) StoreNames() []string {
	return slices.Clone(streamStreamJoinStores)
}

func (StreamStreamJoinKind) DefaultStore() string   { return "" }
func (StreamStreamJoinKind) SupportsJoinSide() bool { return true }

// ResolveSide prefers the side's keyWithIndexToValue store and falls back to
// its keyToNumValues store when only the counts were registered.
func (StreamStreamJoinKind) ResolveSide(side core.JoinSide, storeNames []string) (string, error) {
	var candidates []string
	switch side {
	case core.JoinSideLeft:
		candidates = []string{LeftKeyWithIndexToValueStore, LeftKeyToNumValuesStore}
	case core.JoinSideRight:
		candidates = []string{RightKeyWithIndexToValueStore, RightKeyToNumValuesStore}
	default:
		return "", fmt.Errorf("operator kind %s needs a left or right join side, got %s", StreamStreamJoinKindName, side)
	}
	if len(storeNames) == 0 {
		return candidates[0], nil
	}
	for _, name := range candidates {
		if slices.Contains(storeNames, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("operator registers no %s side store, want one of %v", side, candidates)
}

func (StreamStreamJoinKind) Matches(storeNames []string) bool {
	if len(storeNames) == 0 {
		return false
	}
	for _, name := range storeNames {
		if !slices.Contains(streamStreamJoinStores, name) {
			return false
		}
	}
	return true
}
