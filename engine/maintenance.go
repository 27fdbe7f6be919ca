package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusstate/catalog"
	"github.com/INLOpen/nexusstate/core"
	"go.opentelemetry.io/otel/attribute"
)

// MaintenanceReport summarizes one retention pass.
type MaintenanceReport struct {
	// Floors maps operator ids to the oldest batch that stays queryable.
	Floors       map[int64]core.BatchID
	FilesDeleted int
}

// RunMaintenance enforces retention for every operator: the newest
// MinBatchesToRetain batches stay queryable. Retention runs in two steps.
// A pass first deletes the files below the floor that an earlier pass
// published, once RetentionGracePeriod has elapsed since then, and only
// afterwards publishes a new floor. Files are therefore never deleted in
// the pass that stops advertising them, and a reader that validated its
// batch against an older catalog version still finds its files.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	e.maintenanceMu.Lock()
	defer e.maintenanceMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "Engine.RunMaintenance")
	defer span.End()

	report := MaintenanceReport{Floors: make(map[int64]core.BatchID)}
	if e.isClosed() {
		return report, ErrEngineClosed
	}
	e.metrics.MaintenanceRunsTotal.Add(1)
	for _, rec := range e.catalog.ListOperators() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		floor, deleted, err := e.retainOperator(ctx, rec)
		report.FilesDeleted += deleted
		if err != nil {
			e.metrics.MaintenanceErrorsTotal.Add(1)
			span.RecordError(err)
			return report, err
		}
		if floor != core.NoBatch {
			report.Floors[rec.OperatorID] = floor
		}
	}
	span.SetAttributes(attribute.Int("files_deleted", report.FilesDeleted))
	return report, nil
}

func coordinatesOf(rec catalog.OperatorRecord) []core.Coordinate {
	coords := make([]core.Coordinate, 0, len(rec.StoreNames)*int(rec.NumPartitions))
	for _, storeName := range rec.StoreNames {
		for p := int32(0); p < rec.NumPartitions; p++ {
			coords = append(coords, core.Coordinate{OperatorID: rec.OperatorID, StoreName: storeName, PartitionID: p})
		}
	}
	return coords
}

func (e *Engine) retainOperator(ctx context.Context, rec catalog.OperatorRecord) (core.BatchID, int, error) {
	if !rec.HasCommitted() {
		return core.NoBatch, 0, nil
	}
	coords := coordinatesOf(rec)

	deleted, settled, err := e.sweepRetired(ctx, rec, coords)
	if err != nil {
		return rec.MinBatchID, deleted, err
	}
	if !settled {
		return rec.MinBatchID, deleted, nil
	}
	floor, err := e.planFloor(ctx, rec, coords)
	if err != nil {
		return rec.MinBatchID, deleted, err
	}
	if floor <= rec.MinBatchID {
		return rec.MinBatchID, deleted, nil
	}
	if err := e.catalog.RecordBatchRetired(ctx, rec.OperatorID, floor); err != nil {
		return rec.MinBatchID, deleted, fmt.Errorf("engine: publish retention floor of operator %d: %w", rec.OperatorID, err)
	}
	e.logger.Info("Retention floor published", "operator_id", rec.OperatorID, "floor", floor, "previous_floor", rec.MinBatchID)
	return floor, deleted, nil
}

// sweepRetired deletes the files below the floor already in the catalog.
// settled is false while that floor is younger than the grace period and
// still has files to delete; no newer floor may be published until then.
func (e *Engine) sweepRetired(ctx context.Context, rec catalog.OperatorRecord, coords []core.Coordinate) (int, bool, error) {
	if rec.RetiredAt.IsZero() {
		return 0, true, nil
	}
	var pending []core.Coordinate
	for _, coord := range coords {
		_, ok, err := e.manager.PlanCleanup(ctx, coord, rec.MinBatchID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			pending = append(pending, coord)
		}
	}
	if len(pending) == 0 {
		return 0, true, nil
	}
	if age := e.now().Sub(rec.RetiredAt); age < e.opts.RetentionGracePeriod {
		e.logger.Debug("Retired files are still in their grace period", "operator_id", rec.OperatorID,
			"floor", rec.MinBatchID, "age", age)
		return 0, false, nil
	}

	deleted := 0
	for _, coord := range pending {
		n, err := e.manager.CleanupOlderThan(ctx, coord, rec.MinBatchID)
		deleted += n
		e.metrics.CleanupFilesDeleted.Add(int64(n))
		if err != nil {
			return deleted, false, err
		}
	}
	e.logger.Info("Retention applied", "operator_id", rec.OperatorID, "floor", rec.MinBatchID, "files_deleted", deleted)
	return deleted, true, nil
}

// planFloor returns the oldest batch that must stay queryable once the
// newest MinBatchesToRetain are kept. Each coordinate can only drop files
// below its own latest snapshot at or before the retained boundary, so the
// operator floor is the lowest of those.
func (e *Engine) planFloor(ctx context.Context, rec catalog.OperatorRecord, coords []core.Coordinate) (core.BatchID, error) {
	retain := rec.MaxBatchID - core.BatchID(e.opts.MinBatchesToRetain) + 1
	if retain <= rec.MinBatchID {
		return rec.MinBatchID, nil
	}
	floor := retain
	planned := false
	for _, coord := range coords {
		f, ok, err := e.manager.PlanCleanup(ctx, coord, retain)
		if err != nil {
			return core.NoBatch, err
		}
		if ok {
			floor = min(floor, f)
			planned = true
			continue
		}
		// Nothing to delete here, so this coordinate keeps its current minimum.
		minBatch, _, found, err := e.manager.AvailableRange(ctx, coord)
		if err != nil {
			return core.NoBatch, err
		}
		if found {
			floor = min(floor, minBatch)
		}
	}
	if !planned {
		return rec.MinBatchID, nil
	}
	return max(floor, rec.MinBatchID), nil
}

// startMaintenanceLoop runs RunMaintenance every MaintenanceInterval until
// the engine is closed.
func (e *Engine) startMaintenanceLoop() {
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		e.logger.Info("Periodic maintenance is disabled.")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.logger.Info("Periodic maintenance enabled.", "interval", interval)

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				report, err := e.RunMaintenance(ctx)
				cancel()
				if err != nil {
					e.logger.Error("Maintenance failed.", "error", err)
				} else if report.FilesDeleted > 0 {
					e.logger.Debug("Maintenance finished.", "files_deleted", report.FilesDeleted)
				}
			case <-e.shutdownChan:
				e.logger.Info("Maintenance loop shutting down.")
				return
			}
		}
	}()
}
