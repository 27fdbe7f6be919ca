// Package catalog is the metadata catalog of a checkpoint: the operators it
// contains, their stores and partitions, and the batches that can be queried.
//
// Every mutation is persisted as a new immutable version file under
// metadata/, so a reader always sees a complete catalog and a crashed write
// never damages the previous version.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/router"
	"github.com/INLOpen/nexusstate/sys"
)

// DefaultVersionsToRetain is the number of catalog versions kept on disk.
const DefaultVersionsToRetain = 5

// ErrReadOnly is returned by mutations on a catalog opened with OpenReadOnly.
var ErrReadOnly = errors.New("catalog is read-only")

// Options configures Open.
type Options struct {
	Store            blob.Store
	VersionsToRetain int
	// LockPath, when set, is locked with sys.AcquireFileLock for the life of
	// the catalog so that two writers never share a checkpoint.
	LockPath string
	Logger   *slog.Logger
}

// Catalog holds the operator records of one checkpoint.
type Catalog struct {
	store    blob.Store
	logger   *slog.Logger
	retain   int
	readOnly bool
	unlock   func() error

	// writeMu serializes mutations; mu guards the published state.
	writeMu sync.Mutex
	mu      sync.RWMutex
	version uint64
	records map[int64]OperatorRecord
}

var _ router.OperatorLookup = (*Catalog)(nil)

// Open loads the newest readable catalog version for writing. A checkpoint
// without metadata yields an empty catalog.
func Open(ctx context.Context, opts Options) (*Catalog, error) {
	if opts.Store == nil {
		return nil, errors.New("catalog: blob store is required")
	}
	c := newCatalog(opts.Store, opts.Logger)
	c.retain = opts.VersionsToRetain
	if c.retain <= 0 {
		c.retain = DefaultVersionsToRetain
	}
	if opts.LockPath != "" {
		if err := sys.MkdirAll(opts.LockPath, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create lock dir: %w", err)
		}
		unlock, err := sys.AcquireFileLock(opts.LockPath+"/writer", 3, 100*time.Millisecond, sys.DefaultLockStaleTTL)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		c.unlock = unlock
	}
	if err := c.Refresh(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// OpenReadOnly loads the newest readable catalog version for querying.
func OpenReadOnly(ctx context.Context, store blob.Store, logger *slog.Logger) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("catalog: blob store is required")
	}
	c := newCatalog(store, logger)
	c.readOnly = true
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newCatalog(store blob.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{
		store:   store,
		logger:  logger.With("component", "MetadataCatalog"),
		records: make(map[int64]OperatorRecord),
	}
}

// Close releases the writer lock, if any.
func (c *Catalog) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.unlock == nil {
		return nil
	}
	err := c.unlock()
	c.unlock = nil
	return err
}

// Version returns the loaded catalog version. Zero means nothing persisted.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Refresh loads the newest readable version if it is newer than the loaded
// one. Unreadable versions are skipped with a warning.
func (c *Catalog) Refresh(ctx context.Context) error {
	names, err := c.store.List(ctx, core.MetadataDirName)
	if err != nil {
		return fmt.Errorf("catalog: list versions: %w", err)
	}
	versions := parseVersions(names)
	var lastErr error
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v <= c.Version() {
			return nil
		}
		data, err := c.store.Get(ctx, versionPath(v))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("Skipping unreadable catalog version", "version", v, "error", err)
			continue
		}
		fileVersion, records, err := decodeVersion(data)
		if err == nil && fileVersion != v {
			err = fmt.Errorf("file name version %d does not match header version %d", v, fileVersion)
		}
		if err != nil {
			lastErr = err
			c.logger.Warn("Skipping corrupt catalog version", "version", v, "error", err)
			continue
		}
		c.mu.Lock()
		c.version, c.records = v, records
		c.mu.Unlock()
		c.logger.Debug("Catalog loaded", "version", v, "operators", len(records))
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("catalog: no readable metadata version: %w", lastErr)
	}
	return nil
}

func parseVersions(names []string) []uint64 {
	var versions []uint64
	for _, name := range names {
		if v, err := core.ParseMetadataFileName(name); err == nil {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions
}

func versionPath(v uint64) string {
	return blob.Join(core.MetadataDirName, core.FormatMetadataFileName(v))
}

// mutate applies fn to a copy of the records and persists the result as a
// new version. fn returns false when nothing changed.
func (c *Catalog) mutate(ctx context.Context, fn func(records map[int64]OperatorRecord) (bool, error)) error {
	if c.readOnly {
		return ErrReadOnly
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	next := maps.Clone(c.records)
	version := c.version + 1
	c.mu.RUnlock()

	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}
	data, err := encodeVersion(version, next)
	if err != nil {
		return fmt.Errorf("catalog: encode version %d: %w", version, err)
	}
	if err := c.store.Put(ctx, versionPath(version), data); err != nil {
		return fmt.Errorf("catalog: persist version %d: %w", version, err)
	}
	c.mu.Lock()
	c.version, c.records = version, next
	c.mu.Unlock()

	c.prune(ctx, version)
	return nil
}

func (c *Catalog) prune(ctx context.Context, current uint64) {
	if current <= uint64(c.retain) {
		return
	}
	names, err := c.store.List(ctx, core.MetadataDirName)
	if err != nil {
		c.logger.Warn("Failed to list catalog versions for pruning", "error", err)
		return
	}
	for _, v := range parseVersions(names) {
		if v > current-uint64(c.retain) {
			break
		}
		if err := c.store.Delete(ctx, versionPath(v)); err != nil {
			c.logger.Warn("Failed to prune catalog version", "version", v, "error", err)
		}
	}
}

// RegisterOperator inserts or updates an operator. The batch range of an
// existing operator is preserved; re-registering an unchanged operator
// writes nothing.
func (c *Catalog) RegisterOperator(ctx context.Context, spec OperatorSpec) (OperatorRecord, error) {
	if spec.OperatorID < 0 {
		return OperatorRecord{}, fmt.Errorf("catalog: invalid operator id %d", spec.OperatorID)
	}
	if spec.NumPartitions <= 0 {
		return OperatorRecord{}, fmt.Errorf("catalog: operator %d needs at least one partition", spec.OperatorID)
	}
	if len(spec.StoreNames) == 0 {
		spec.StoreNames = []string{core.DefaultStoreName}
	}
	for _, name := range spec.StoreNames {
		if err := validateStoreName(name); err != nil {
			return OperatorRecord{}, fmt.Errorf("catalog: operator %d: %w", spec.OperatorID, err)
		}
	}
	for name, s := range spec.Schemas {
		if !slices.Contains(spec.StoreNames, name) {
			return OperatorRecord{}, fmt.Errorf("catalog: schema given for unknown store %q", name)
		}
		if spec.NumColsPrefixKey > s.Key.Len() && !s.Key.IsEmpty() {
			return OperatorRecord{}, fmt.Errorf("catalog: numColsPrefixKey %d exceeds key columns of store %q", spec.NumColsPrefixKey, name)
		}
	}
	spec.StoreNames = slices.Clone(spec.StoreNames)
	spec.Schemas = maps.Clone(spec.Schemas)

	var out OperatorRecord
	err := c.mutate(ctx, func(records map[int64]OperatorRecord) (bool, error) {
		existing, ok := records[spec.OperatorID]
		if ok && existing.sameSpec(spec) {
			out = existing.clone()
			return false, nil
		}
		rec := OperatorRecord{MinBatchID: core.NoBatch, MaxBatchID: core.NoBatch}
		if ok {
			rec.MinBatchID, rec.MaxBatchID = existing.MinBatchID, existing.MaxBatchID
			rec.RetiredAt = existing.RetiredAt
		}
		rec.OperatorID = spec.OperatorID
		rec.OperatorName = spec.OperatorName
		rec.Kind = spec.Kind
		rec.StoreNames = spec.StoreNames
		rec.NumPartitions = spec.NumPartitions
		rec.NumColsPrefixKey = spec.NumColsPrefixKey
		rec.Schemas = spec.Schemas
		records[spec.OperatorID] = rec
		out = rec.clone()
		return true, nil
	})
	if err != nil {
		return OperatorRecord{}, err
	}
	c.logger.Debug("Operator registered", "operator_id", spec.OperatorID, "name", spec.OperatorName, "stores", spec.StoreNames, "partitions", spec.NumPartitions)
	return out, nil
}

// validateStoreName rejects names that would not stay a single path element
// under the coordinate's directory.
func validateStoreName(name string) error {
	switch {
	case name == "":
		return errors.New("empty store name")
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("store name %q starts with a dot", name)
	case strings.ContainsAny(name, "/\\"), strings.Contains(name, ".."):
		return fmt.Errorf("store name %q is not a single path element", name)
	}
	return nil
}

// RecordBatchCommitted advertises batch as queryable. It must only be called
// once every store of the operator has persisted batch. Older batches are
// ignored; the maximum never moves backwards.
func (c *Catalog) RecordBatchCommitted(ctx context.Context, operatorID int64, batch core.BatchID) error {
	if batch < 0 {
		return fmt.Errorf("catalog: invalid batch id %d", batch)
	}
	return c.mutate(ctx, func(records map[int64]OperatorRecord) (bool, error) {
		rec, ok := records[operatorID]
		if !ok {
			return false, fmt.Errorf("catalog: operator %d is not registered", operatorID)
		}
		if rec.HasCommitted() && batch <= rec.MaxBatchID {
			return false, nil
		}
		if !rec.HasCommitted() {
			rec.MinBatchID = batch
		}
		rec.MaxBatchID = batch
		records[operatorID] = rec
		return true, nil
	})
}

// RecordBatchRetired raises the oldest queryable batch to minBatch and stamps
// the record's RetiredAt. It must be called before the files below minBatch
// are deleted. The minimum never moves backwards and never passes the
// maximum.
func (c *Catalog) RecordBatchRetired(ctx context.Context, operatorID int64, minBatch core.BatchID) error {
	return c.mutate(ctx, func(records map[int64]OperatorRecord) (bool, error) {
		rec, ok := records[operatorID]
		if !ok {
			return false, fmt.Errorf("catalog: operator %d is not registered", operatorID)
		}
		if !rec.HasCommitted() || minBatch <= rec.MinBatchID {
			return false, nil
		}
		if minBatch > rec.MaxBatchID {
			return false, fmt.Errorf("catalog: cannot retire operator %d below batch %d, newest committed batch is %d",
				operatorID, minBatch, rec.MaxBatchID)
		}
		rec.MinBatchID = minBatch
		rec.RetiredAt = time.Now().UTC()
		records[operatorID] = rec
		return true, nil
	})
}

// ListOperators returns every record ordered by operator id.
func (c *Catalog) ListOperators() []OperatorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]OperatorRecord, 0, len(c.records))
	for _, id := range slices.Sorted(maps.Keys(c.records)) {
		out = append(out, c.records[id].clone())
	}
	return out
}

// Operator returns the record of one operator.
func (c *Catalog) Operator(operatorID int64) (OperatorRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[operatorID]
	if !ok {
		return OperatorRecord{}, false
	}
	return rec.clone(), true
}

// LookupOperator implements router.OperatorLookup.
func (c *Catalog) LookupOperator(operatorID int64) (router.OperatorInfo, bool) {
	rec, ok := c.Operator(operatorID)
	if !ok {
		return router.OperatorInfo{}, false
	}
	return router.OperatorInfo{
		OperatorID:    rec.OperatorID,
		Kind:          rec.Kind,
		StoreNames:    rec.StoreNames,
		NumPartitions: rec.NumPartitions,
	}, true
}
