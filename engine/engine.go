// Package engine is the write path of the state store. It hands out version
// store instances to a streaming execution, persists every commit through
// the checkpoint manager, advertises committed batches in the metadata
// catalog and enforces retention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/catalog"
	"github.com/INLOpen/nexusstate/checkpoint"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/router"
	"github.com/INLOpen/nexusstate/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// DefaultMinBatchesToRetain is the number of most recent batches kept
// queryable by retention.
const DefaultMinBatchesToRetain = 100

// commitCheckParallelism bounds the partitions checked at once by CommitBatch.
const commitCheckParallelism = 16

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Options configures an Engine.
type Options struct {
	Store blob.Store
	// LockPath, when set, guards the checkpoint against a second writer
	// process. Only meaningful for local checkpoints.
	LockPath string

	SnapshotInterval         int64
	MinBatchesToRetain       int64
	MetadataVersionsToRetain int
	Compression              core.CompressionType
	ScanChunkSize            int
	// MaintenanceInterval enables the background retention loop. Zero
	// disables it; RunMaintenance can still be called directly.
	MaintenanceInterval time.Duration
	// RetentionGracePeriod is how long files below a newly published floor
	// stay on disk. Deletion also always waits for a later maintenance pass
	// than the one that published the floor.
	RetentionGracePeriod time.Duration

	Registry       *router.Registry
	PublishMetrics bool
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// Engine owns the writable state of one checkpoint.
type Engine struct {
	opts    Options
	manager *checkpoint.Manager
	catalog *catalog.Catalog
	router  *router.Router
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu        sync.Mutex
	instances map[core.Coordinate]*store.Instance
	closed    bool

	maintenanceMu sync.Mutex
	shutdownChan  chan struct{}
	wg            sync.WaitGroup
}

// Open loads the catalog of the checkpoint in opts.Store and starts the
// maintenance loop if enabled.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: blob store is required")
	}
	if opts.MinBatchesToRetain <= 0 {
		opts.MinBatchesToRetain = DefaultMinBatchesToRetain
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("engine")
	}

	mgr, err := checkpoint.NewManager(checkpoint.Options{
		Store:            opts.Store,
		SnapshotInterval: opts.SnapshotInterval,
		Compression:      opts.Compression,
		Logger:           opts.Logger,
		Tracer:           opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(ctx, catalog.Options{
		Store:            opts.Store,
		VersionsToRetain: opts.MetadataVersionsToRetain,
		LockPath:         opts.LockPath,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:         opts,
		manager:      mgr,
		catalog:      cat,
		router:       router.New(cat, opts.Registry),
		metrics:      NewMetrics(opts.PublishMetrics),
		logger:       opts.Logger.With("component", "Engine"),
		tracer:       opts.Tracer,
		now:          time.Now,
		instances:    make(map[core.Coordinate]*store.Instance),
		shutdownChan: make(chan struct{}),
	}
	e.metrics.publishGauges(e)
	e.startMaintenanceLoop()
	e.logger.Info("Engine opened", "catalog_version", cat.Version(), "operators", len(cat.ListOperators()),
		"snapshot_interval", mgr.SnapshotInterval(), "min_batches_to_retain", opts.MinBatchesToRetain)
	return e, nil
}

func (e *Engine) Catalog() *catalog.Catalog    { return e.catalog }
func (e *Engine) Manager() *checkpoint.Manager { return e.manager }
func (e *Engine) Router() *router.Router       { return e.router }
func (e *Engine) Metrics() *Metrics            { return e.metrics }

// RegisterOperator records an operator in the catalog. It must be called
// before instances of the operator are requested.
func (e *Engine) RegisterOperator(ctx context.Context, spec catalog.OperatorSpec) (catalog.OperatorRecord, error) {
	if e.isClosed() {
		return catalog.OperatorRecord{}, ErrEngineClosed
	}
	if spec.Kind != "" {
		if _, ok := e.router.Registry().Lookup(spec.Kind); !ok {
			return catalog.OperatorRecord{}, fmt.Errorf("engine: unknown operator kind %q", spec.Kind)
		}
	}
	return e.catalog.RegisterOperator(ctx, spec)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// validate checks coord against the catalog.
func (e *Engine) validate(coord core.Coordinate) (catalog.OperatorRecord, error) {
	rec, ok := e.catalog.Operator(coord.OperatorID)
	invalid := func(msg string) error {
		return &core.InvalidCoordinateError{OperatorID: coord.OperatorID, StoreName: coord.StoreName, JoinSide: coord.JoinSide, Message: msg}
	}
	if !ok {
		return rec, invalid("operator is not registered")
	}
	if !slices.Contains(rec.StoreNames, coord.StoreName) {
		return rec, invalid("store is not registered for this operator")
	}
	if coord.PartitionID < 0 || coord.PartitionID >= rec.NumPartitions {
		return rec, invalid(fmt.Sprintf("partition %d out of range [0, %d)", coord.PartitionID, rec.NumPartitions))
	}
	return rec, nil
}

// Instance returns the version store of coord, recovering it from the
// checkpoint at the newest batch the catalog advertises. Files of batches
// past that point belong to an unfinished commit and are overwritten by the
// next commit.
func (e *Engine) Instance(ctx context.Context, coord core.Coordinate) (*store.Instance, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	coord = coord.Physical()
	rec, err := e.validate(coord)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if inst, ok := e.instances[coord]; ok {
		return inst, nil
	}

	ctx, span := e.tracer.Start(ctx, "Engine.Instance")
	defer span.End()
	span.SetAttributes(attribute.String("coordinate", coord.String()))

	opts := store.Options{Committer: &committer{e: e}, Logger: e.opts.Logger, ScanChunkSize: e.opts.ScanChunkSize}
	var inst *store.Instance
	if !rec.HasCommitted() {
		inst = store.Open(coord, opts)
	} else {
		start := time.Now()
		table, err := e.manager.LoadAsOf(ctx, coord, rec.MaxBatchID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("engine: recover %s at batch %d: %w", coord, rec.MaxBatchID, err)
		}
		e.metrics.observeRecovery(time.Since(start))
		inst = store.OpenAt(coord, table, rec.MaxBatchID, opts)
		e.logger.Info("Instance recovered", "coordinate", coord.String(), "batch_id", rec.MaxBatchID, "entries", table.Len())
	}
	e.instances[coord] = inst
	return inst, nil
}

// CommitBatch advertises batch of an operator in the catalog once every
// partition of every store has committed it. Instances owned by other
// processes are checked through the checkpoint files.
func (e *Engine) CommitBatch(ctx context.Context, operatorID int64, batch core.BatchID) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CommitBatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("operator_id", operatorID), attribute.Int64("batch_id", int64(batch)))

	if e.isClosed() {
		return ErrEngineClosed
	}
	rec, ok := e.catalog.Operator(operatorID)
	if !ok {
		return &core.InvalidCoordinateError{OperatorID: operatorID, Message: "operator is not registered"}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commitCheckParallelism)
	for _, storeName := range rec.StoreNames {
		for p := int32(0); p < rec.NumPartitions; p++ {
			coord := core.Coordinate{OperatorID: operatorID, StoreName: storeName, PartitionID: p}
			g.Go(func() error {
				committed, err := e.committedThrough(gctx, coord)
				if err != nil {
					return err
				}
				if committed < batch {
					return fmt.Errorf("engine: cannot commit batch %d of operator %d: %s has committed through %s",
						batch, operatorID, coord, committed)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := e.catalog.RecordBatchCommitted(ctx, operatorID, batch); err != nil {
		span.RecordError(err)
		return err
	}
	e.metrics.BatchesCommitted.Add(1)
	e.logger.Debug("Batch committed", "operator_id", operatorID, "batch_id", batch)
	return nil
}

func (e *Engine) committedThrough(ctx context.Context, coord core.Coordinate) (core.BatchID, error) {
	e.mu.Lock()
	inst, ok := e.instances[coord]
	e.mu.Unlock()
	if ok {
		return inst.LastCommitted(), nil
	}
	_, maxBatch, found, err := e.manager.AvailableRange(ctx, coord)
	if err != nil {
		return core.NoBatch, err
	}
	if !found {
		return core.NoBatch, nil
	}
	return maxBatch, nil
}

// Close stops the maintenance loop, closes every instance and releases the
// catalog. Buffered writes of uncommitted batches are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	instances := e.instances
	e.instances = nil
	e.mu.Unlock()

	close(e.shutdownChan)
	e.wg.Wait()

	var errs []error
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("Engine closed")
	return errors.Join(errs...)
}
