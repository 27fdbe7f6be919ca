package engine

import (
	"expvar"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/internal/metrics"
)

// Metrics holds the engine's expvar variables.
type Metrics struct {
	PublishedGlobally bool

	DeltasWritten       *expvar.Int
	DeltaOpsTotal       *expvar.Int
	CommitErrorsTotal   *expvar.Int
	SnapshotsWritten    *expvar.Int
	SnapshotErrorsTotal *expvar.Int
	BatchesCommitted    *expvar.Int

	MaintenanceRunsTotal   *expvar.Int
	MaintenanceErrorsTotal *expvar.Int
	CleanupFilesDeleted    *expvar.Int

	CommitLatencyHist   *expvar.Map
	RecoveryLatencyHist *expvar.Map
}

// NewMetrics creates the engine metrics. With publishGlobally the variables
// are visible under /debug/vars and /metrics.
func NewMetrics(publishGlobally bool) *Metrics {
	f := metrics.NewFactory(publishGlobally, "nexusstate_engine_")
	return &Metrics{
		PublishedGlobally: publishGlobally,

		DeltasWritten:       f.Int("deltas_written_total"),
		DeltaOpsTotal:       f.Int("delta_ops_total"),
		CommitErrorsTotal:   f.Int("commit_errors_total"),
		SnapshotsWritten:    f.Int("snapshots_written_total"),
		SnapshotErrorsTotal: f.Int("snapshot_errors_total"),
		BatchesCommitted:    f.Int("batches_committed_total"),

		MaintenanceRunsTotal:   f.Int("maintenance_runs_total"),
		MaintenanceErrorsTotal: f.Int("maintenance_errors_total"),
		CleanupFilesDeleted:    f.Int("cleanup_files_deleted_total"),

		CommitLatencyHist:   f.Histogram("commit_latency_seconds"),
		RecoveryLatencyHist: f.Histogram("recovery_latency_seconds"),
	}
}

func (m *Metrics) observeCommit(delta core.Delta, d time.Duration) {
	m.DeltasWritten.Add(1)
	m.DeltaOpsTotal.Add(int64(delta.Len()))
	metrics.ObserveLatency(m.CommitLatencyHist, d)
}

func (m *Metrics) observeRecovery(d time.Duration) {
	metrics.ObserveLatency(m.RecoveryLatencyHist, d)
}

func (m *Metrics) publishGauges(e *Engine) {
	if !m.PublishedGlobally {
		return
	}
	f := metrics.NewFactory(true, "nexusstate_engine_")
	f.Func("open_instances", func() any {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.instances)
	})
	f.Func("catalog_version", func() any { return e.catalog.Version() })
}
