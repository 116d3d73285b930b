package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharethis/bqreconcile/internal/artifact"
	fakeobj "github.com/sharethis/bqreconcile/internal/objectstore/fake"
	fakewh "github.com/sharethis/bqreconcile/internal/warehouse/fake"
)

func newDeps() *artifact.Deps {
	return &artifact.Deps{Warehouse: fakewh.New(), ObjectStore: fakeobj.New()}
}

// TestBuild_Scenario2 follows spec.md §8 scenario 2: a.view selects from
// ds.b, b.view is standalone, both in dataset ds. Expected edges:
// ds.a -> ds.b, ds.a -> ds, ds.b -> ds.
func TestBuild_Scenario2(t *testing.T) {
	deps := newDeps()
	ds := artifact.NewDataset("ds", deps)
	b := artifact.NewView("ds", "b", []string{"select 1"}, deps)
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)

	artifacts := map[artifact.Key]*artifact.Artifact{
		ds.Key(): ds,
		b.Key():  b,
		a.Key():  a,
	}
	g := Build(artifacts)

	require.True(t, g.Pending[a.Key()][b.Key()])
	require.True(t, g.Pending[a.Key()][ds.Key()])
	require.True(t, g.Pending[b.Key()][ds.Key()])
	require.Empty(t, g.Pending[ds.Key()])
}

func TestReadySet_Deterministic(t *testing.T) {
	deps := newDeps()
	z := artifact.NewDataset("z", deps)
	a := artifact.NewDataset("a", deps)
	g := Build(map[artifact.Key]*artifact.Artifact{z.Key(): z, a.Key(): a})

	require.Equal(t, []artifact.Key{"a", "z"}, g.ReadySet())
}

func TestRetireEdges_PropagatesOnlyRetiredKeys(t *testing.T) {
	deps := newDeps()
	ds := artifact.NewDataset("ds", deps)
	a := artifact.NewView("ds", "a", []string{"select * from ds"}, deps)
	g := Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, a.Key(): a})

	g.Retire(ds.Key())
	retired := g.RetireEdges(a.Key())

	require.Equal(t, []artifact.Key{ds.Key()}, retired)
	require.Empty(t, g.Pending[a.Key()])
}

func TestDetectCycle(t *testing.T) {
	deps := newDeps()
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)
	b := artifact.NewView("ds", "b", []string{"select * from ds.a"}, deps)
	g := Build(map[artifact.Key]*artifact.Artifact{a.Key(): a, b.Key(): b})

	report := g.DetectCycle(nil)
	require.NotNil(t, report)
	require.Len(t, report.Residual, 2)
}

func TestTopoOrder_Scenario2(t *testing.T) {
	deps := newDeps()
	ds := artifact.NewDataset("ds", deps)
	b := artifact.NewView("ds", "b", []string{"select 1"}, deps)
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)
	g := Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, b.Key(): b, a.Key(): a})

	order, report := g.TopoOrder()
	require.Nil(t, report)
	require.Equal(t, []artifact.Key{ds.Key(), b.Key(), a.Key()}, order)
}

func TestTopoOrder_Cycle(t *testing.T) {
	deps := newDeps()
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)
	b := artifact.NewView("ds", "b", []string{"select * from ds.a"}, deps)
	g := Build(map[artifact.Key]*artifact.Artifact{a.Key(): a, b.Key(): b})

	_, report := g.TopoOrder()
	require.NotNil(t, report)
}

func TestDetectCycle_NoneWhenReadySetNonEmpty(t *testing.T) {
	deps := newDeps()
	ds := artifact.NewDataset("ds", deps)
	g := Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds})
	require.Nil(t, g.DetectCycle(nil))
}
