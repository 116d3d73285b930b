package dump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/graph"
	fakeobj "github.com/sharethis/bqreconcile/internal/objectstore/fake"
	fakewh "github.com/sharethis/bqreconcile/internal/warehouse/fake"
)

func TestWriteAll_OneFilePerArtifact(t *testing.T) {
	deps := &artifact.Deps{Warehouse: fakewh.New(), ObjectStore: fakeobj.New()}
	ds := artifact.NewDataset("ds", deps)
	a := artifact.NewView("ds", "a", []string{"select 1"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{ds.Key(): ds, a.Key(): a})

	dir := t.TempDir()
	require.NoError(t, WriteAll(dir, g))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	body, err := os.ReadFile(filepath.Join(dir, escape(a.Key())+".debug"))
	require.NoError(t, err)
	require.Contains(t, string(body), "select 1")
	require.Contains(t, string(body), "kind: View")
	require.Contains(t, string(body), "depends_on:")
	require.Contains(t, string(body), "- ds")
}

func TestWriteAll_CyclicGraphErrors(t *testing.T) {
	deps := &artifact.Deps{Warehouse: fakewh.New(), ObjectStore: fakeobj.New()}
	a := artifact.NewView("ds", "a", []string{"select * from ds.b"}, deps)
	b := artifact.NewView("ds", "b", []string{"select * from ds.a"}, deps)
	g := graph.Build(map[artifact.Key]*artifact.Artifact{a.Key(): a, b.Key(): b})

	require.Error(t, WriteAll(t.TempDir(), g))
}
