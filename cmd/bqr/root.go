// Command bqr reconciles a folder of declarative warehouse artifact
// definitions against BigQuery, per spec.md. Its cobra/viper wiring mirrors
// the teacher's cmd/bd/main.go root command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/config"
	"github.com/sharethis/bqreconcile/internal/dump"
	"github.com/sharethis/bqreconcile/internal/graph"
	"github.com/sharethis/bqreconcile/internal/loader"
	"github.com/sharethis/bqreconcile/internal/objectstore/gcs"
	"github.com/sharethis/bqreconcile/internal/scheduler"
	"github.com/sharethis/bqreconcile/internal/subprocess"
	bqrbigquery "github.com/sharethis/bqreconcile/internal/warehouse/bigquery"
)

var v *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "bqr [flags] folder...",
	Short: "Reconcile declarative warehouse artifact definitions against BigQuery",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReconcile,
}

func init() {
	v = config.Bind(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error kinds of spec.md §7/§6 onto a process exit
// status: zero on success, non-zero on fatal retry exhaustion, a cyclic
// graph, or any configuration error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// newMeterProvider registers a stdout-exporting MeterProvider as the global
// default, so internal/scheduler's create/retry/failure counters and
// in-flight gauge (spec.md §5's concurrency model) have somewhere to go.
func newMeterProvider() (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("creating stdout metrics exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(time.Minute))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.Default()),
	), nil
}

func newLogger(jsonLog bool) *slog.Logger {
	var handler slog.Handler
	if jsonLog {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	run := config.Resolve(v, args)
	log := newLogger(run.JSONLog)

	ctx := context.Background()
	runID := uuid.New().String()

	mp, err := newMeterProvider()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(mp)
	defer mp.Shutdown(ctx)

	tracer := otel.Tracer("github.com/sharethis/bqreconcile/cmd/bqr")
	ctx, span := tracer.Start(ctx, "reconcile.run")
	defer span.End()
	log = log.With("run_id", runID)

	deps, err := buildDeps(ctx, run)
	if err != nil {
		return fmt.Errorf("wiring adapters: %w", err)
	}

	defaults, err := config.LoadDefaultVars(run.VarsFile)
	if err != nil {
		return err
	}

	ld := loader.New(deps, run.DefaultDataset, run.DefaultProject, defaults, time.Now)
	artifacts, err := ld.LoadFolders(run.Folders)
	if err != nil {
		return fmt.Errorf("loading artifacts: %w", err)
	}
	log.Info("loaded artifacts", "count", len(artifacts))

	g := graph.Build(artifacts)

	switch {
	case run.Show:
		return scheduler.Show(g, os.Stdout)
	case run.DotML:
		scheduler.DotML(g, os.Stdout)
		return nil
	case run.DumpToFolder != "":
		return dump.WriteAll(run.DumpToFolder, g)
	case run.ShowJobs:
		return showJobs(ctx, deps.Warehouse)
	case run.Execute:
		s := scheduler.New(g, run.SchedulerConfig(), log)
		return s.Run(ctx)
	default:
		return scheduler.Show(g, os.Stdout)
	}
}

func buildDeps(ctx context.Context, run config.Run) (*artifact.Deps, error) {
	wh, err := bqrbigquery.New(ctx, run.DefaultProject, run.ClientLocation)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	objStore, err := gcs.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &artifact.Deps{
		Warehouse:   wh,
		ObjectStore: objStore,
		Scripts:     subprocess.NewRunner(os.TempDir(), 0),
	}, nil
}
