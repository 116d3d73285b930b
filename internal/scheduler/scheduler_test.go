package scheduler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/errs"
	"github.com/sharethis/bqreconcile/internal/graph"
	fakeobj "github.com/sharethis/bqreconcile/internal/objectstore/fake"
	fakewh "github.com/sharethis/bqreconcile/internal/warehouse/fake"
)

func newDeps() (*artifact.Deps, *fakewh.Client) {
	wh := fakewh.New()
	return &artifact.Deps{Warehouse: wh, ObjectStore: fakeobj.New()}, wh
}

func testConfig() Config {
	return Config{MaxConcurrent: 10, MaxRetry: 2, CheckInterval: time.Millisecond}
}

func TestRun_Scenario2_CreatesInDependencyOrder(t *testing.T) {
	deps, wh := newDeps()
	ds := artifact.NewDataset("ds", deps)
	b := artifact.NewView("ds", "b", []string{"select 1"}, deps)
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)

	g := graph.Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, b.Key(): b, a.Key(): a})
	s := New(g, testConfig(), nil)

	require.NoError(t, s.Run(context.Background()))

	info, err := wh.GetTable(context.Background(), "ds", "a")
	require.NoError(t, err)
	require.True(t, info.Exists)
	info, err = wh.GetTable(context.Background(), "ds", "b")
	require.NoError(t, err)
	require.True(t, info.Exists)
}

func TestRun_Idempotent_NoCreatesWhenUnchanged(t *testing.T) {
	deps, wh := newDeps()
	a := artifact.NewView("ds", "a", []string{"select 1"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{a.Key(): a})
	s := New(g, testConfig(), nil)
	require.NoError(t, s.Run(context.Background()))
	firstCalls := wh.CreateCalls

	g2 := graph.Build(map[artifact.Key]*artifact.Artifact{a.Key(): a})
	s2 := New(g2, testConfig(), nil)
	require.NoError(t, s2.Run(context.Background()))

	require.Equal(t, firstCalls, wh.CreateCalls) // spec.md §8 invariant 3
}

func TestRun_RetriesExhausted_Fatal(t *testing.T) {
	deps, _ := newDeps()
	a := artifact.NewView("ds", "a", []string{"select 1"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{a.Key(): a})
	s := New(g, Config{MaxConcurrent: 10, MaxRetry: 0, CheckInterval: time.Millisecond}, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrRetriesExhausted)
}

func TestRun_CycleDetected(t *testing.T) {
	deps, _ := newDeps()
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)
	b := artifact.NewView("ds", "b", []string{"select * from ds.a"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{a.Key(): a, b.Key(): b})
	s := New(g, testConfig(), nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrCyclicDependency)
}

func TestRun_ConcurrencyCapRespected(t *testing.T) {
	deps, wh := newDeps()
	wh.AutoFinishJobs = false // jobs stay "running" so in-flight count accumulates

	artifacts := make(map[artifact.Key]*artifact.Artifact, 3)
	for _, name := range []string{"a", "b", "c"} {
		art := artifact.NewQueryTable("ds", name, []string{"select 1"}, 0, deps)
		artifacts[art.Key()] = art
	}
	g := graph.Build(artifacts)
	s := New(g, Config{MaxConcurrent: 2, MaxRetry: 2, CheckInterval: time.Millisecond}, nil)

	inFlight, err := s.tick(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, len(inFlight), 2)
}

func TestShow_PrintsDependenciesAndExecutionOrder(t *testing.T) {
	deps, _ := newDeps()
	ds := artifact.NewDataset("ds", deps)
	a := artifact.NewView("ds", "a", []string{"select 1"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, a.Key(): a})

	var buf bytes.Buffer
	require.NoError(t, Show(g, &buf))
	require.Contains(t, buf.String(), "depends on")
	require.Contains(t, buf.String(), "would execute")
}

func TestDotML_EmitsEdges(t *testing.T) {
	deps, _ := newDeps()
	ds := artifact.NewDataset("ds", deps)
	a := artifact.NewView("ds", "a", []string{"select 1"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, a.Key(): a})

	var buf bytes.Buffer
	DotML(g, &buf)
	require.Contains(t, buf.String(), "digraph reconcile")
	require.Contains(t, buf.String(), "->")
}
