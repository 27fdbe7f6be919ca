// Package reader reconstructs the contents of a state store at a committed
// batch for offline queries. It never writes to the checkpoint and never
// waits on the streaming writer.
package reader

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/cache"
	"github.com/INLOpen/nexusstate/catalog"
	"github.com/INLOpen/nexusstate/checkpoint"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/internal/metrics"
	"github.com/INLOpen/nexusstate/memtable"
	"github.com/INLOpen/nexusstate/router"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultParallelism bounds concurrent partition loads.
	DefaultParallelism = 8
	// DefaultCacheBytes is the budget of materialized partitions kept in memory.
	DefaultCacheBytes int64 = 64 << 20
)

// Request selects one store of one operator at one batch.
type Request struct {
	// CheckpointRoot is used by the package-level Read; a Reader is already
	// bound to its checkpoint.
	CheckpointRoot string
	OperatorID     int64
	// BatchID core.NoBatch means the latest committed batch.
	BatchID   core.BatchID
	StoreName string
	JoinSide  core.JoinSide
}

// Options configures a Reader. Catalog and Manager are optional; when nil
// they are opened read-only on Store.
type Options struct {
	Store    blob.Store
	Catalog  *catalog.Catalog
	Manager  *checkpoint.Manager
	Registry *router.Registry

	Parallelism int
	CacheBytes  int64
	// PublishMetrics exports the cache and load metrics through expvar.
	PublishMetrics bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Metrics are the reader's expvar counters.
type Metrics struct {
	ReadsTotal       *expvar.Int
	ReadErrorsTotal  *expvar.Int
	PartitionsLoaded *expvar.Int
	CacheHits        *expvar.Int
	CacheMisses      *expvar.Int
	LoadLatencyHist  *expvar.Map
}

func newMetrics(publish bool) *Metrics {
	f := metrics.NewFactory(publish, "nexusstate_reader_")
	return &Metrics{
		ReadsTotal:       f.Int("reads_total"),
		ReadErrorsTotal:  f.Int("read_errors_total"),
		PartitionsLoaded: f.Int("partitions_loaded_total"),
		CacheHits:        f.Int("cache_hits"),
		CacheMisses:      f.Int("cache_misses"),
		LoadLatencyHist:  f.Histogram("partition_load_latency_seconds"),
	}
}

type cacheKey struct {
	coord core.Coordinate
	batch core.BatchID
}

// Reader answers statestore and state-metadata queries for one checkpoint.
type Reader struct {
	catalog     *catalog.Catalog
	manager     *checkpoint.Manager
	router      *router.Router
	cache       *cache.LRU[cacheKey, *memtable.Table]
	parallelism int
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New opens a reader on opts.Store.
func New(ctx context.Context, opts Options) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("reader")
	}
	cat := opts.Catalog
	if cat == nil {
		if opts.Store == nil {
			return nil, errors.New("reader: a blob store or a catalog is required")
		}
		var err error
		cat, err = catalog.OpenReadOnly(ctx, opts.Store, logger)
		if err != nil {
			return nil, fmt.Errorf("reader: %w", err)
		}
	}
	mgr := opts.Manager
	if mgr == nil {
		var err error
		mgr, err = checkpoint.NewManager(checkpoint.Options{Store: opts.Store, Logger: logger, Tracer: tracer})
		if err != nil {
			return nil, fmt.Errorf("reader: %w", err)
		}
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	cacheBytes := opts.CacheBytes
	if cacheBytes == 0 {
		cacheBytes = DefaultCacheBytes
	}
	m := newMetrics(opts.PublishMetrics)
	lru := cache.NewLRU[cacheKey, *memtable.Table](cacheBytes, func(t *memtable.Table) int64 {
		// Count the per-entry overhead so that many empty values still cost something.
		return t.SizeBytes() + int64(t.Len())*32
	}, nil)
	lru.SetMetrics(m.CacheHits, m.CacheMisses)
	if opts.PublishMetrics {
		metrics.NewFactory(true, "nexusstate_reader_").Func("cache_hit_rate", func() any { return lru.GetHitRate() })
	}

	return &Reader{
		catalog:     cat,
		manager:     mgr,
		router:      router.New(cat, opts.Registry),
		cache:       lru,
		parallelism: parallelism,
		metrics:     m,
		logger:      logger.With("component", "BatchQueryReader"),
		tracer:      tracer,
	}, nil
}

// OpenLocal opens a reader on a checkpoint stored on the local file system.
func OpenLocal(ctx context.Context, root string, opts Options) (*Reader, error) {
	store, err := blob.NewLocal(root)
	if err != nil {
		return nil, err
	}
	opts.Store = blob.NewRetrying(store, blob.RetryPolicy{}, opts.Logger)
	return New(ctx, opts)
}

// Metrics returns the reader's counters.
func (r *Reader) Metrics() *Metrics { return r.metrics }

// Catalog returns the catalog the reader validates against.
func (r *Reader) Catalog() *catalog.Catalog { return r.catalog }

// ReadMetadata returns every operator record of the checkpoint. Records
// registered without a kind report the kind inferred from their stores.
func (r *Reader) ReadMetadata(ctx context.Context) ([]catalog.OperatorRecord, error) {
	if err := r.catalog.Refresh(ctx); err != nil {
		return nil, err
	}
	records := r.catalog.ListOperators()
	for i, rec := range records {
		if rec.Kind != "" {
			continue
		}
		if kind, ok := r.router.KindOf(router.OperatorInfo{OperatorID: rec.OperatorID, StoreNames: rec.StoreNames}); ok {
			records[i].Kind = kind.Name()
		}
	}
	return records, nil
}

// Read validates req against the catalog, loads every partition of the
// resolved store at the requested batch and returns an iterator over the
// decoded rows. Rows of one partition come out in key order; partitions come
// out in partition order.
func (r *Reader) Read(ctx context.Context, req Request) (it *RowIterator, err error) {
	ctx, span := r.tracer.Start(ctx, "Reader.Read")
	defer span.End()
	span.SetAttributes(attribute.Int64("operator_id", req.OperatorID), attribute.Int64("batch_id", int64(req.BatchID)),
		attribute.String("store_name", req.StoreName), attribute.String("join_side", req.JoinSide.String()))
	r.metrics.ReadsTotal.Add(1)
	defer func() {
		if err != nil {
			r.metrics.ReadErrorsTotal.Add(1)
			span.RecordError(err)
		}
	}()

	if err := r.catalog.Refresh(ctx); err != nil {
		return nil, err
	}
	res, err := r.router.Resolve(req.OperatorID, req.StoreName, req.JoinSide)
	if err != nil {
		return nil, err
	}
	rec, _ := r.catalog.Operator(req.OperatorID)
	batch, err := r.validateBatch(rec, res, req.BatchID)
	if err != nil {
		return nil, err
	}
	cd, err := rec.Codec(res.StoreName)
	if err != nil {
		return nil, fmt.Errorf("reader: codec for store %s: %w", res.StoreName, err)
	}

	tables, err := r.loadPartitions(ctx, res, batch)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("State read", "operator_id", req.OperatorID, "store", res.StoreName, "batch_id", batch, "partitions", len(tables))
	return newRowIterator(res.Coordinates, tables, cd, batch), nil
}

// ReadAll collects every row of Read.
func (r *Reader) ReadAll(ctx context.Context, req Request) ([]Row, error) {
	it, err := r.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var rows []Row
	for it.Next() {
		row, err := it.At()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, it.Error()
}

func (r *Reader) validateBatch(rec catalog.OperatorRecord, res router.Resolution, requested core.BatchID) (core.BatchID, error) {
	coord := core.Coordinate{OperatorID: res.OperatorID, StoreName: res.StoreName, JoinSide: res.JoinSide}
	if !rec.HasCommitted() {
		return core.NoBatch, &core.BatchNotAvailableError{Coordinate: coord, Requested: requested,
			MinBatchID: core.NoBatch, MaxBatchID: core.NoBatch, Reason: "operator has no committed batches"}
	}
	batch := requested
	if batch == core.NoBatch {
		batch = rec.MaxBatchID
	}
	if !rec.Contains(batch) {
		return core.NoBatch, &core.BatchNotAvailableError{Coordinate: coord, Requested: batch,
			MinBatchID: rec.MinBatchID, MaxBatchID: rec.MaxBatchID, Reason: "outside the range advertised by the metadata catalog"}
	}
	return batch, nil
}

func (r *Reader) loadPartitions(ctx context.Context, res router.Resolution, batch core.BatchID) ([]*memtable.Table, error) {
	tables := make([]*memtable.Table, len(res.Coordinates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, coord := range res.Coordinates {
		g.Go(func() error {
			t, err := r.loadPartition(gctx, coord, batch)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (r *Reader) loadPartition(ctx context.Context, coord core.Coordinate, batch core.BatchID) (*memtable.Table, error) {
	key := cacheKey{coord: coord.Physical(), batch: batch}
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}

	release := r.manager.Pin(coord, batch)
	defer release()

	start := time.Now()
	t, err := r.manager.LoadAsOf(ctx, coord, batch)
	if err != nil {
		return nil, r.explainLoadError(ctx, coord, batch, err)
	}
	metrics.ObserveLatency(r.metrics.LoadLatencyHist, time.Since(start))
	r.metrics.PartitionsLoaded.Add(1)
	r.cache.Put(key, t)
	return t, nil
}

// explainLoadError turns a failure caused by a concurrent cleanup into a
// BatchNotAvailableError. Any other error is returned unchanged.
func (r *Reader) explainLoadError(ctx context.Context, coord core.Coordinate, batch core.BatchID, err error) error {
	missing := core.IsBatchNotAvailable(err) || (core.IsCorruptCheckpoint(err) && blob.IsNotFound(err))
	if !missing {
		return err
	}
	if rerr := r.catalog.Refresh(ctx); rerr != nil {
		return err
	}
	rec, ok := r.catalog.Operator(coord.OperatorID)
	if ok && batch < rec.MinBatchID {
		return &core.BatchNotAvailableError{Coordinate: coord, Requested: batch, MinBatchID: rec.MinBatchID,
			MaxBatchID: rec.MaxBatchID, Reason: "retired by cleanup during the read"}
	}
	return err
}

// Read opens a reader on the local checkpoint req.CheckpointRoot and reads req.
func Read(ctx context.Context, req Request, opts Options) (*RowIterator, error) {
	r, err := OpenLocal(ctx, req.CheckpointRoot, opts)
	if err != nil {
		return nil, err
	}
	return r.Read(ctx, req)
}

// ReadMetadata opens the local checkpoint root and lists its operators.
func ReadMetadata(ctx context.Context, root string, opts Options) ([]catalog.OperatorRecord, error) {
	r, err := OpenLocal(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	return r.ReadMetadata(ctx)
}
