package engine

import (
	"context"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/memtable"
	"github.com/INLOpen/nexusstate/store"
)

// committer persists the commits of the engine's instances.
type committer struct {
	e *Engine
}

var _ store.Committer = (*committer)(nil)

func (c *committer) PersistDelta(ctx context.Context, coord core.Coordinate, delta core.Delta) error {
	start := time.Now()
	if err := c.e.manager.PersistDelta(ctx, coord, delta); err != nil {
		c.e.metrics.CommitErrorsTotal.Add(1)
		return err
	}
	c.e.metrics.observeCommit(delta, time.Since(start))
	return nil
}

// AfterCommit writes a snapshot from the committed view on snapshot batches.
// The commit stands even if the snapshot fails.
func (c *committer) AfterCommit(ctx context.Context, coord core.Coordinate, batch core.BatchID, view *memtable.Table) error {
	if !c.e.manager.ShouldSnapshot(batch) {
		return nil
	}
	if err := c.e.manager.WriteSnapshot(ctx, coord, batch, view); err != nil {
		c.e.metrics.SnapshotErrorsTotal.Add(1)
		return err
	}
	c.e.metrics.SnapshotsWritten.Add(1)
	return nil
}
