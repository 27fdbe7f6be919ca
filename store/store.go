// Package store implements the version store: the authoritative key-value
// mapping of one (operator, store, partition) instance, advanced one batch at
// a time by a single writer.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/memtable"
)

// DefaultScanChunkSize bounds how many entries a prefix scan materializes
// under the read lock at a time.
const DefaultScanChunkSize = 256

// Committer makes a batch durable. PersistDelta runs before the batch becomes
// visible in memory; if it fails the commit is abandoned and the buffered
// writes are kept. AfterCommit receives a copy-on-write view of the new state.
type Committer interface {
	PersistDelta(ctx context.Context, coord core.Coordinate, delta core.Delta) error
	AfterCommit(ctx context.Context, coord core.Coordinate, batch core.BatchID, view *memtable.Table) error
}

// Options configures an Instance.
type Options struct {
	Committer     Committer
	Logger        *slog.Logger
	ScanChunkSize int
}

// Instance is one version store. Reads may run from any goroutine; writes
// and commits must come from a single writer.
type Instance struct {
	coord     core.Coordinate
	committer Committer
	logger    *slog.Logger
	chunkSize int

	mu         sync.RWMutex
	committed  *memtable.Table
	pending    *memtable.Buffer
	last       core.BatchID
	committing bool
	closed     bool
}

// Open creates an empty instance that has committed nothing.
func Open(coord core.Coordinate, opts Options) *Instance {
	return OpenAt(coord, memtable.NewTable(), core.NoBatch, opts)
}

// OpenAt creates an instance recovered at lastCommitted with the given state.
func OpenAt(coord core.Coordinate, state *memtable.Table, lastCommitted core.BatchID, opts Options) *Instance {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	chunk := opts.ScanChunkSize
	if chunk <= 0 {
		chunk = DefaultScanChunkSize
	}
	if state == nil {
		state = memtable.NewTable()
	}
	return &Instance{
		coord:     coord,
		committer: opts.Committer,
		logger:    logger.With("component", "VersionStore", "coordinate", coord.String()),
		chunkSize: chunk,
		committed: state,
		pending:   memtable.NewBuffer(),
		last:      lastCommitted,
	}
}

// Coordinate returns the instance's coordinate.
func (s *Instance) Coordinate() core.Coordinate { return s.coord }

// LastCommitted returns the last committed batch, or core.NoBatch.
func (s *Instance) LastCommitted() core.BatchID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Get returns the current value for key. Writes buffered for the in-progress
// batch are visible to the writer.
func (s *Instance) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, &core.InstanceClosedError{Coordinate: s.coord, Op: "get"}
	}
	if v, tomb, found := s.pending.Get(key); found {
		if tomb {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, ok := s.committed.Get(key)
	return v, ok, nil
}

// Put buffers an upsert for the in-progress batch.
func (s *Instance) Put(key, value []byte) error {
	if key == nil {
		return fmt.Errorf("put on %s: nil key", s.coord)
	}
	return s.mutate("put", func() {
		s.pending.Put(bytes.Clone(key), bytes.Clone(value))
	})
}

// Delete buffers a tombstone for the in-progress batch.
func (s *Instance) Delete(key []byte) error {
	if key == nil {
		return fmt.Errorf("delete on %s: nil key", s.coord)
	}
	return s.mutate("delete", func() {
		s.pending.Delete(bytes.Clone(key))
	})
}

func (s *Instance) mutate(op string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &core.InstanceClosedError{Coordinate: s.coord, Op: op}
	}
	if s.committing {
		return &core.ConcurrentWriteError{Coordinate: s.coord, Op: op}
	}
	fn()
	return nil
}

// PendingLen returns the number of keys changed in the in-progress batch.
func (s *Instance) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.Len()
}

// CommitBatch turns the buffered writes into the delta for batchID and makes
// them the committed state. batchID must be exactly one past the last
// committed batch.
func (s *Instance) CommitBatch(ctx context.Context, batchID core.BatchID) (core.Delta, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.Delta{}, &core.InstanceClosedError{Coordinate: s.coord, Op: "commit"}
	}
	if s.committing {
		s.mu.Unlock()
		return core.Delta{}, &core.ConcurrentWriteError{Coordinate: s.coord, Op: "commit"}
	}
	if batchID != s.last+1 {
		last := s.last
		s.mu.Unlock()
		return core.Delta{}, &core.OutOfOrderCommitError{Coordinate: s.coord, LastCommitted: last, Attempted: batchID}
	}
	s.committing = true
	delta := core.Delta{BatchID: batchID, Ops: s.pending.Ops()}
	s.mu.Unlock()

	if s.committer != nil {
		if err := s.committer.PersistDelta(ctx, s.coord, delta); err != nil {
			s.mu.Lock()
			s.committing = false
			s.mu.Unlock()
			return core.Delta{}, fmt.Errorf("commit batch %d on %s: %w", batchID, s.coord, err)
		}
	}

	s.mu.Lock()
	s.committed.Apply(delta)
	s.pending = memtable.NewBuffer()
	s.last = batchID
	s.committing = false
	var view *memtable.Table
	if s.committer != nil {
		view = s.committed.Clone()
	}
	s.mu.Unlock()

	s.logger.Debug("Committed batch.", "batch_id", batchID, "ops", delta.Len())
	if s.committer != nil {
		if err := s.committer.AfterCommit(ctx, s.coord, batchID, view); err != nil {
			// The delta is durable, so the commit stands.
			s.logger.Warn("Post-commit step failed.", "batch_id", batchID, "error", err)
		}
	}
	return delta, nil
}

// Snapshot returns a copy-on-write view of the committed state.
func (s *Instance) Snapshot() (*memtable.Table, core.BatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.NoBatch, &core.InstanceClosedError{Coordinate: s.coord, Op: "snapshot"}
	}
	return s.committed.Clone(), s.last, nil
}

// PrefixScan iterates every live entry whose key starts with prefix, in key
// order, including writes buffered for the in-progress batch. The sequence is
// lazy and can be ranged over more than once; each chunk is read under the
// read lock, so the caller may write to the instance while iterating. A nil
// prefix scans everything.
func (s *Instance) PrefixScan(prefix []byte) (iter.Seq2[[]byte, []byte], error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, &core.InstanceClosedError{Coordinate: s.coord, Op: "prefix scan"}
	}
	prefix = bytes.Clone(prefix)
	return func(yield func([]byte, []byte) bool) {
		var after []byte
		for {
			chunk, next, more, ok := s.scanChunk(prefix, after)
			if !ok {
				return
			}
			for _, kv := range chunk {
				if !yield(kv.Key, kv.Value) {
					return
				}
			}
			if !more {
				return
			}
			after = next
		}
	}, nil
}

// scanChunk merges up to chunkSize committed entries and pending ops with
// keys after `after`. Entries up to `next` are complete; more reports whether
// a further chunk may exist. ok is false once the instance is closed.
func (s *Instance) scanChunk(prefix, after []byte) (out []core.KV, next []byte, more bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, false, false
	}

	start := prefix
	if after != nil {
		start = after
	}
	inRange := func(k []byte) bool { return prefix == nil || bytes.HasPrefix(k, prefix) }

	base := make([]core.KV, 0, s.chunkSize)
	baseFull := false
	s.committed.Ascend(start, func(k, v []byte) bool {
		if !inRange(k) {
			return false
		}
		if after != nil && bytes.Equal(k, after) {
			return true
		}
		if len(base) == s.chunkSize {
			baseFull = true
			return false
		}
		base = append(base, core.KV{Key: k, Value: v})
		return true
	})

	pend := make([]core.Op, 0)
	pendFull := false
	s.pending.Ascend(start, func(op core.Op) bool {
		if !inRange(op.Key) {
			return false
		}
		if after != nil && bytes.Equal(op.Key, after) {
			return true
		}
		if len(pend) == s.chunkSize {
			pendFull = true
			return false
		}
		pend = append(pend, op)
		return true
	})

	var bound []byte
	if baseFull && len(base) > 0 {
		bound = base[len(base)-1].Key
	}
	if pendFull && len(pend) > 0 {
		if last := pend[len(pend)-1].Key; bound == nil || bytes.Compare(last, bound) < 0 {
			bound = last
		}
	}
	within := func(k []byte) bool { return bound == nil || bytes.Compare(k, bound) <= 0 }

	out = make([]core.KV, 0, len(base)+len(pend))
	i, j := 0, 0
	for i < len(base) || j < len(pend) {
		var key []byte
		switch {
		case j >= len(pend):
			key = base[i].Key
		case i >= len(base):
			key = pend[j].Key
		default:
			if bytes.Compare(base[i].Key, pend[j].Key) <= 0 {
				key = base[i].Key
			} else {
				key = pend[j].Key
			}
		}
		if !within(key) {
			break
		}
		if j < len(pend) && bytes.Equal(pend[j].Key, key) {
			if !pend[j].Tombstone {
				out = append(out, core.KV{Key: pend[j].Key, Value: pend[j].Value})
			}
			j++
			if i < len(base) && bytes.Equal(base[i].Key, key) {
				i++
			}
			continue
		}
		out = append(out, base[i])
		i++
	}
	return out, bound, baseFull || pendFull, true
}

// Close releases the instance. Writes buffered for an uncommitted batch are
// discarded.
func (s *Instance) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if n := s.pending.Len(); n > 0 {
		s.logger.Warn("Closing instance with uncommitted writes.", "pending_keys", n, "last_committed", s.last)
	}
	s.closed = true
	s.pending = memtable.NewBuffer()
	return nil
}
