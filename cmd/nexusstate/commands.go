package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusstate/config"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/engine"
	"github.com/INLOpen/nexusstate/reader"
	"github.com/INLOpen/nexusstate/server"
	"github.com/INLOpen/nexusstate/source"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func (a *app) sources(tracer trace.Tracer) *source.Registry {
	return source.NewRegistry(source.NewReaderPool(source.ReaderPoolOptions{
		OpenStore: a.openStore,
		Reader: reader.Options{
			Parallelism:    a.cfg.Reader.Parallelism,
			CacheBytes:     a.cfg.Reader.CacheBytes,
			PublishMetrics: true,
			Tracer:         tracer,
		},
		Logger: a.logger,
	}))
}

type outputFlags struct {
	format  string
	hidden  bool
	limit   int
	timeout time.Duration
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "output", "o", "table", "Output format: table or json")
	cmd.Flags().BoolVar(&o.hidden, "hidden", false, "Include hidden metadata columns")
	cmd.Flags().IntVar(&o.limit, "limit", -1, "Maximum number of rows to print (-1 for all)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Abort the query after this long (0 for no limit)")
}

func newReadCmd(a *app) *cobra.Command {
	var (
		out        outputFlags
		operatorID int64
		batchID    int64
		storeName  string
		joinSide   string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print the key-value rows of a state store at a committed batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd, out.timeout)
			defer cancel()
			opts := source.Options{
				source.OptionPath:       a.checkpointPath(),
				source.OptionOperatorID: strconv.FormatInt(operatorID, 10),
			}
			if batchID >= 0 {
				opts[source.OptionBatchID] = strconv.FormatInt(batchID, 10)
			}
			if storeName != "" {
				opts[source.OptionStoreName] = storeName
			}
			if joinSide != "" {
				opts[source.OptionJoinSide] = joinSide
			}
			return a.runScan(ctx, cmd.OutOrStdout(), source.StateStoreSourceName, opts, out)
		},
	}
	out.register(cmd)
	cmd.Flags().Int64Var(&operatorID, "operator-id", 0, "Operator id")
	cmd.Flags().Int64Var(&batchID, "batch-id", -1, "Batch id (-1 for the latest committed batch)")
	cmd.Flags().StringVar(&storeName, "store-name", "", "State store name (default DEFAULT)")
	cmd.Flags().StringVar(&joinSide, "join-side", "", "Join side of a stream-stream join: left or right")
	return cmd
}

func newMetadataCmd(a *app) *cobra.Command {
	var out outputFlags
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "List the operators and state stores of a checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd, out.timeout)
			defer cancel()
			opts := source.Options{source.OptionPath: a.checkpointPath()}
			return a.runScan(ctx, cmd.OutOrStdout(), source.StateMetadataSourceName, opts, out)
		},
	}
	out.register(cmd)
	return cmd
}

func (a *app) runScan(ctx context.Context, w io.Writer, name string, opts source.Options, out outputFlags) error {
	src, err := a.sources(nil).Lookup(name)
	if err != nil {
		return err
	}
	res, err := src.Scan(ctx, opts)
	if err != nil {
		return err
	}
	defer res.Close()

	columns := res.Columns
	if !out.hidden {
		columns = res.VisibleColumns()
	}
	var emit func(source.Record) error
	var flush func() error
	switch out.format {
	case "json":
		enc := json.NewEncoder(w)
		emit = func(rec source.Record) error { return enc.Encode(res.Map(rec, out.hidden)) }
		flush = func() error { return nil }
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		names := make([]string, len(columns))
		for i, c := range columns {
			names[i] = strings.ToUpper(c.Name)
		}
		fmt.Fprintln(tw, strings.Join(names, "\t"))
		emit = func(rec source.Record) error {
			m := res.Map(rec, out.hidden)
			cells := make([]string, len(columns))
			for i, c := range columns {
				cells[i] = formatCell(m[c.Name])
			}
			_, err := fmt.Fprintln(tw, strings.Join(cells, "\t"))
			return err
		}
		flush = tw.Flush
	default:
		return fmt.Errorf("unknown output format %q: expected table or json", out.format)
	}

	n := 0
	for res.Next() {
		if out.limit >= 0 && n >= out.limit {
			break
		}
		if err := emit(res.Record()); err != nil {
			return err
		}
		n++
	}
	if err := res.Err(); err != nil {
		return err
	}
	return flush()
}

// formatCell renders struct columns as {name=value, ...} with sorted names.
func formatCell(v any) string {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + formatCell(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []byte:
		return strconv.Quote(string(x))
	case nil:
		return "null"
	default:
		return fmt.Sprint(x)
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	var (
		minBatches  int64
		watch       bool
		gracePeriod string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Apply retention: retire old batches and delete the files retired by earlier runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var interval time.Duration
			if watch {
				interval = config.ParseDuration(a.cfg.Checkpoint.MaintenanceInterval, time.Minute, a.logger)
			}
			if gracePeriod != "" {
				a.cfg.Checkpoint.RetentionGracePeriod = gracePeriod
			}
			e, err := a.openEngine(ctx, minBatches, interval)
			if err != nil {
				return err
			}
			defer e.Close()
			report, err := e.RunMaintenance(ctx)
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(report.Floors))
			for id := range report.Floors {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			w := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintf(w, "operator %d: oldest queryable batch %s\n", id, report.Floors[id])
			}
			fmt.Fprintf(w, "%d files deleted\n", report.FilesDeleted)
			if !watch {
				return nil
			}

			sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a.logger.Info("Watching checkpoint. Press Ctrl+C to exit.", "interval", interval)
			<-sigCtx.Done()
			return nil
		},
	}
	cmd.Flags().Int64Var(&minBatches, "min-batches-to-retain", 0, "Override checkpoint.min_batches_to_retain")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and apply retention every checkpoint.maintenance_interval")
	cmd.Flags().StringVar(&gracePeriod, "grace-period", "", "Override checkpoint.retention_grace_period, e.g. 0s or 10m")
	return cmd
}

func (a *app) openEngine(ctx context.Context, minBatches int64, maintenanceInterval time.Duration) (*engine.Engine, error) {
	cp := a.cfg.Checkpoint
	store, err := a.openStore(ctx, a.checkpointPath())
	if err != nil {
		return nil, err
	}
	compression, err := core.ParseCompressionType(cp.Compression)
	if err != nil {
		return nil, err
	}
	if minBatches <= 0 {
		minBatches = cp.MinBatchesToRetain
	}
	opts := engine.Options{
		Store:                    store,
		SnapshotInterval:         cp.SnapshotInterval,
		MinBatchesToRetain:       minBatches,
		MetadataVersionsToRetain: cp.MetadataVersionsToRetain,
		Compression:              compression,
		ScanChunkSize:            cp.ScanChunkSize,
		MaintenanceInterval:      maintenanceInterval,
		RetentionGracePeriod:     config.ParseDuration(cp.RetentionGracePeriod, 0, a.logger),
		PublishMetrics:           maintenanceInterval > 0,
		Logger:                   a.logger,
	}
	if cp.Backend != "minio" {
		opts.LockPath = cp.Root
	}
	return engine.Open(ctx, opts)
}

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the statestore and state-metadata sources over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, tracerCleanup, err := initTracerProvider(ctx, a.cfg.Tracing, a.logger)
			if err != nil {
				return err
			}
			defer tracerCleanup()

			srvCfg := a.cfg.Server
			if listen != "" {
				srvCfg.ListenAddress = listen
			}
			srv, err := server.New(server.Options{
				Config:      srvCfg,
				Sources:     a.sources(tp.Tracer("nexusstate")),
				DefaultPath: a.checkpointPath(),
				Logger:      a.logger,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			a.logger.Info("Application running. Press Ctrl+C to exit.", "address", srv.Addr())
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen_address)")
	return cmd
}
