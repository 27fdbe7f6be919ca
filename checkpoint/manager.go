// Package checkpoint owns the durable layout of version store instances:
// per-batch delta files, periodic snapshots, recovery by replay and
// retention cleanup.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/compressors"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/memtable"
	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultSnapshotInterval is the number of batches between snapshots.
const DefaultSnapshotInterval = 10

// Options configures a Manager.
type Options struct {
	Store blob.Store
	// SnapshotInterval is K: a snapshot is written for every batch b with
	// (b+1) % K == 0.
	SnapshotInterval int64
	Compression      core.CompressionType
	Logger           *slog.Logger
	Tracer           trace.Tracer
}

// Manager reads and writes checkpoint files through a blob store.
type Manager struct {
	store      blob.Store
	interval   int64
	compressor core.Compressor
	logger     *slog.Logger
	tracer     trace.Tracer
	pins       *pinSet
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("checkpoint: blob store is required")
	}
	compressor, err := compressors.Get(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("checkpoint")
	}
	return &Manager{
		store:      opts.Store,
		interval:   interval,
		compressor: compressor,
		logger:     logger.With("component", "CheckpointManager"),
		tracer:     tracer,
		pins:       newPinSet(),
	}, nil
}

// SnapshotInterval returns K.
func (m *Manager) SnapshotInterval() int64 { return m.interval }

// ShouldSnapshot reports whether batch is a snapshot batch.
func (m *Manager) ShouldSnapshot(batch core.BatchID) bool {
	return batch >= 0 && (int64(batch)+1)%m.interval == 0
}

func filePath(coord core.Coordinate, batch core.BatchID, suffix string) string {
	return blob.Join(coord.Dir(), core.FormatBatchFileName(batch, suffix))
}

// PersistDelta writes the delta for delta.BatchID. The blob store finalizes
// the file atomically, so a partial delta is never visible.
func (m *Manager) PersistDelta(ctx context.Context, coord core.Coordinate, delta core.Delta) error {
	ctx, span := m.tracer.Start(ctx, "CheckpointManager.PersistDelta")
	defer span.End()
	span.SetAttributes(attribute.String("coordinate", coord.String()), attribute.Int64("batch_id", int64(delta.BatchID)))

	if delta.BatchID < 0 {
		return fmt.Errorf("checkpoint: invalid batch id %d", delta.BatchID)
	}
	data, err := encodeFile(core.DeltaMagicNumber, delta.BatchID, delta.Ops, m.compressor)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode delta %s@%d: %w", coord, delta.BatchID, err)
	}
	if err := m.store.Put(ctx, filePath(coord, delta.BatchID, core.DeltaFileSuffix), data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist delta %s@%d: %w", coord, delta.BatchID, err)
	}
	m.logger.Debug("Delta persisted", "coordinate", coord.String(), "batch_id", delta.BatchID, "ops", delta.Len(), "bytes", len(data))
	return nil
}

// WriteSnapshot writes the full contents of table as the snapshot of batch.
func (m *Manager) WriteSnapshot(ctx context.Context, coord core.Coordinate, batch core.BatchID, table *memtable.Table) error {
	ctx, span := m.tracer.Start(ctx, "CheckpointManager.WriteSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("coordinate", coord.String()), attribute.Int64("batch_id", int64(batch)))

	ops := make([]core.Op, 0, table.Len())
	table.Ascend(nil, func(k, v []byte) bool {
		ops = append(ops, core.Op{Key: k, Value: v})
		return true
	})
	data, err := encodeFile(core.SnapshotMagicNumber, batch, ops, m.compressor)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode snapshot %s@%d: %w", coord, batch, err)
	}
	if err := m.store.Put(ctx, filePath(coord, batch, core.SnapshotFileSuffix), data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist snapshot %s@%d: %w", coord, batch, err)
	}
	m.logger.Info("Snapshot written", "coordinate", coord.String(), "batch_id", batch, "entries", len(ops), "bytes", len(data))
	return nil
}

// MaybeWriteSnapshot writes a snapshot for batch when batch is a snapshot
// batch, folding the latest earlier snapshot with the intervening deltas.
func (m *Manager) MaybeWriteSnapshot(ctx context.Context, coord core.Coordinate, batch core.BatchID) (bool, error) {
	if !m.ShouldSnapshot(batch) {
		return false, nil
	}
	table, err := m.LoadAsOf(ctx, coord, batch)
	if err != nil {
		return false, err
	}
	if err := m.WriteSnapshot(ctx, coord, batch, table); err != nil {
		return false, err
	}
	return true, nil
}

// listing is the set of batches that have a delta or snapshot file.
type listing struct {
	deltas    *roaring64.Bitmap
	snapshots *roaring64.Bitmap
}

func (m *Manager) list(ctx context.Context, coord core.Coordinate) (listing, error) {
	names, err := m.store.List(ctx, coord.Dir())
	if err != nil {
		return listing{}, fmt.Errorf("list checkpoint files for %s: %w", coord, err)
	}
	l := listing{deltas: roaring64.New(), snapshots: roaring64.New()}
	for _, name := range names {
		batch, suffix, err := core.ParseBatchFileName(name)
		if err != nil {
			m.logger.Debug("Ignoring unrecognized checkpoint file", "coordinate", coord.String(), "name", name)
			continue
		}
		if suffix == core.DeltaFileSuffix {
			l.deltas.Add(uint64(batch))
		} else {
			l.snapshots.Add(uint64(batch))
		}
	}
	return l, nil
}

// bounds returns the range that can be reconstructed from the files. The
// minimum is 0 when delta 0 exists and the oldest snapshot otherwise.
func (l listing) bounds() (minBatch, maxBatch core.BatchID, ok bool) {
	switch {
	case l.deltas.Contains(0):
		minBatch = 0
	case !l.snapshots.IsEmpty():
		minBatch = core.BatchID(l.snapshots.Minimum())
	default:
		return core.NoBatch, core.NoBatch, false
	}
	maxBatch = minBatch
	if !l.deltas.IsEmpty() {
		maxBatch = max(maxBatch, core.BatchID(l.deltas.Maximum()))
	}
	if !l.snapshots.IsEmpty() {
		maxBatch = max(maxBatch, core.BatchID(l.snapshots.Maximum()))
	}
	return minBatch, maxBatch, true
}

// latestAtOrBelow returns the largest member of bm that is <= x.
func latestAtOrBelow(bm *roaring64.Bitmap, x core.BatchID) (core.BatchID, bool) {
	if x < 0 {
		return core.NoBatch, false
	}
	rank := bm.Rank(uint64(x))
	if rank == 0 {
		return core.NoBatch, false
	}
	v, err := bm.Select(rank - 1)
	if err != nil {
		return core.NoBatch, false
	}
	return core.BatchID(v), true
}

// AvailableRange reports the batches that can be loaded for coord from the
// files currently present. ok is false when nothing is loadable.
func (m *Manager) AvailableRange(ctx context.Context, coord core.Coordinate) (minBatch, maxBatch core.BatchID, ok bool, err error) {
	l, err := m.list(ctx, coord)
	if err != nil {
		return core.NoBatch, core.NoBatch, false, err
	}
	minBatch, maxBatch, ok = l.bounds()
	return minBatch, maxBatch, ok, nil
}

// LoadAsOf materializes the state of coord at target: the latest snapshot at
// or before target, then every following delta up to and including target.
func (m *Manager) LoadAsOf(ctx context.Context, coord core.Coordinate, target core.BatchID) (*memtable.Table, error) {
	ctx, span := m.tracer.Start(ctx, "CheckpointManager.LoadAsOf")
	defer span.End()
	span.SetAttributes(attribute.String("coordinate", coord.String()), attribute.Int64("batch_id", int64(target)))
	start := time.Now()

	l, err := m.list(ctx, coord)
	if err != nil {
		return nil, err
	}
	minBatch, maxBatch, ok := l.bounds()
	if !ok || target < minBatch || target > maxBatch {
		reason := ""
		if !ok {
			reason = "no checkpoint files"
		}
		return nil, &core.BatchNotAvailableError{Coordinate: coord, Requested: target, MinBatchID: minBatch, MaxBatchID: maxBatch, Reason: reason}
	}

	table := memtable.NewTable()
	base, hasSnapshot := latestAtOrBelow(l.snapshots, target)
	if hasSnapshot {
		ops, err := m.readFile(ctx, coord, base, core.SnapshotFileSuffix, core.SnapshotMagicNumber)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			table.Set(op.Key, op.Value)
		}
	}

	replayed := 0
	for b := base + 1; b <= target; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !l.deltas.Contains(uint64(b)) {
			return nil, &core.CorruptCheckpointError{Coordinate: coord, BatchID: b,
				Path: filePath(coord, b, core.DeltaFileSuffix), Err: blob.ErrNotFound}
		}
		ops, err := m.readFile(ctx, coord, b, core.DeltaFileSuffix, core.DeltaMagicNumber)
		if err != nil {
			return nil, err
		}
		table.Apply(core.Delta{BatchID: b, Ops: ops})
		replayed++
	}
	m.logger.Debug("State loaded", "coordinate", coord.String(), "batch_id", target,
		"snapshot", hasSnapshot, "base", base, "deltas_replayed", replayed, "entries", table.Len(), "duration", time.Since(start))
	return table, nil
}

// LoadLatest materializes the newest loadable batch of coord. It returns an
// empty table and core.NoBatch when nothing has been persisted.
func (m *Manager) LoadLatest(ctx context.Context, coord core.Coordinate) (*memtable.Table, core.BatchID, error) {
	_, maxBatch, ok, err := m.AvailableRange(ctx, coord)
	if err != nil {
		return nil, core.NoBatch, err
	}
	if !ok {
		return memtable.NewTable(), core.NoBatch, nil
	}
	table, err := m.LoadAsOf(ctx, coord, maxBatch)
	if err != nil {
		return nil, core.NoBatch, err
	}
	return table, maxBatch, nil
}

func (m *Manager) readFile(ctx context.Context, coord core.Coordinate, batch core.BatchID, suffix string, magic uint32) ([]core.Op, error) {
	path := filePath(coord, batch, suffix)
	data, err := m.store.Get(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.CorruptCheckpointError{Coordinate: coord, BatchID: batch, Path: path, Err: err}
	}
	ops, err := decodeFile(data, magic, batch)
	if err != nil {
		return nil, &core.CorruptCheckpointError{Coordinate: coord, BatchID: batch, Path: path, Err: err}
	}
	return ops, nil
}

// PlanCleanup returns the batch that becomes the oldest loadable batch of
// coord once CleanupOlderThan(retain) runs: the latest snapshot needed to
// reconstruct retain and every pinned batch. ok is false when cleanup would
// delete nothing.
func (m *Manager) PlanCleanup(ctx context.Context, coord core.Coordinate, retain core.BatchID) (core.BatchID, bool, error) {
	l, err := m.list(ctx, coord)
	if err != nil {
		return core.NoBatch, false, err
	}
	floor, victims := m.cleanupVictims(coord, l, retain)
	return floor, len(victims) > 0, nil
}

// cleanupVictims lists the files made redundant by the latest snapshot at or
// before retain, lowered to the oldest pinned batch. Old snapshots go before
// deltas so that an interrupted cleanup still reports a loadable range.
func (m *Manager) cleanupVictims(coord core.Coordinate, l listing, retain core.BatchID) (core.BatchID, []string) {
	if pinned, ok := m.pins.min(coord.Physical()); ok && pinned < retain {
		retain = pinned
	}
	floor, ok := latestAtOrBelow(l.snapshots, retain)
	if !ok {
		return core.NoBatch, nil
	}
	var victims []string
	for _, b := range l.snapshots.ToArray() {
		if core.BatchID(b) >= floor {
			break
		}
		victims = append(victims, filePath(coord, core.BatchID(b), core.SnapshotFileSuffix))
	}
	for _, b := range l.deltas.ToArray() {
		if core.BatchID(b) > floor {
			break
		}
		victims = append(victims, filePath(coord, core.BatchID(b), core.DeltaFileSuffix))
	}
	return floor, victims
}

// CleanupOlderThan deletes the snapshots older than the latest snapshot S at
// or before retain, and the deltas at or before S. Batches held by a Pin are
// never made unloadable. It returns the number of files deleted.
func (m *Manager) CleanupOlderThan(ctx context.Context, coord core.Coordinate, retain core.BatchID) (int, error) {
	ctx, span := m.tracer.Start(ctx, "CheckpointManager.CleanupOlderThan")
	defer span.End()
	span.SetAttributes(attribute.String("coordinate", coord.String()), attribute.Int64("retain_batch_id", int64(retain)))

	l, err := m.list(ctx, coord)
	if err != nil {
		return 0, err
	}
	floor, victims := m.cleanupVictims(coord, l, retain)
	if len(victims) == 0 {
		return 0, nil
	}

	deleted := 0
	for _, name := range victims {
		if err := m.store.Delete(ctx, name); err != nil {
			span.RecordError(err)
			return deleted, fmt.Errorf("cleanup %s: %w", coord, err)
		}
		deleted++
	}
	m.logger.Info("Checkpoint cleanup finished", "coordinate", coord.String(), "retain_batch_id", retain, "floor", floor, "deleted", deleted)
	return deleted, nil
}
