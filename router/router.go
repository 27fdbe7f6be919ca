// Package router maps a logical (operator, store name, join side) request to
// the physical version store instances of every partition.
package router

import (
	"slices"

	"github.com/INLOpen/nexusstate/core"
)

// OperatorInfo is what the router needs to know about a registered operator.
type OperatorInfo struct {
	OperatorID    int64
	Kind          string
	StoreNames    []string
	NumPartitions int32
}

// OperatorLookup finds registered operators. The metadata catalog implements it.
type OperatorLookup interface {
	LookupOperator(operatorID int64) (OperatorInfo, bool)
}

// Resolution is the outcome of Resolve: one coordinate per partition.
type Resolution struct {
	OperatorID  int64
	Kind        Kind
	StoreName   string
	JoinSide    core.JoinSide
	Coordinates []core.Coordinate
}

// Router resolves coordinates against a lookup and a kind registry.
type Router struct {
	lookup   OperatorLookup
	registry *Registry
}

// New creates a router. A nil registry uses the built-in kinds.
func New(lookup OperatorLookup, registry *Registry) *Router {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Router{lookup: lookup, registry: registry}
}

// Registry returns the kind registry.
func (r *Router) Registry() *Registry { return r.registry }

// KindOf returns the kind of a registered operator.
func (r *Router) KindOf(info OperatorInfo) (Kind, bool) {
	if info.Kind == "" {
		return r.registry.Infer(info.StoreNames), true
	}
	return r.registry.Lookup(info.Kind)
}

// Resolve validates the request and returns the coordinates of every
// partition. An empty storeName means the default store.
func (r *Router) Resolve(operatorID int64, storeName string, side core.JoinSide) (Resolution, error) {
	invalid := func(msg string) (Resolution, error) {
		return Resolution{}, &core.InvalidCoordinateError{OperatorID: operatorID, StoreName: storeName, JoinSide: side, Message: msg}
	}
	if storeName == "" {
		storeName = core.DefaultStoreName
	}
	if side != core.JoinSideNone && storeName != core.DefaultStoreName {
		return invalid("storeName and joinSide are mutually exclusive")
	}

	info, ok := r.lookup.LookupOperator(operatorID)
	if !ok {
		return invalid("operator is not registered in the checkpoint")
	}
	kind, ok := r.KindOf(info)
	if !ok {
		return invalid("unknown operator kind " + info.Kind)
	}

	stores := info.StoreNames
	if len(stores) == 0 {
		stores = kind.StoreNames()
	}

	resolved := storeName
	switch {
	case side != core.JoinSideNone:
		if !kind.SupportsJoinSide() {
			return invalid("joinSide is only valid for join operators, operator kind is " + kind.Name())
		}
		name, err := kind.ResolveSide(side, stores)
		if err != nil {
			return invalid(err.Error())
		}
		resolved = name
	case storeName == core.DefaultStoreName:
		if kind.DefaultStore() == "" {
			return invalid("operator kind " + kind.Name() + " has no default store, specify joinSide or storeName")
		}
		resolved = kind.DefaultStore()
	}

	if len(stores) > 0 && !slices.Contains(stores, resolved) {
		return invalid("store " + resolved + " does not exist for this operator")
	}
	if info.NumPartitions <= 0 {
		return invalid("operator has no partitions")
	}

	coords := make([]core.Coordinate, 0, info.NumPartitions)
	for p := int32(0); p < info.NumPartitions; p++ {
		coords = append(coords, core.Coordinate{OperatorID: operatorID, StoreName: resolved, PartitionID: p, JoinSide: side})
	}
	return Resolution{OperatorID: operatorID, Kind: kind, StoreName: resolved, JoinSide: side, Coordinates: coords}, nil
}
