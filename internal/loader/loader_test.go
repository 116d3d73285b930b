package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/errs"
	fakeobj "github.com/sharethis/bqreconcile/internal/objectstore/fake"
	fakewh "github.com/sharethis/bqreconcile/internal/warehouse/fake"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	deps := &artifact.Deps{Warehouse: fakewh.New(), ObjectStore: fakeobj.New()}
	return New(deps, "default_ds", "proj", nil, func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) })
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadFolders_ViewWithDefaultDataset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "myview.view", "select 1")

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	a, ok := result[artifact.TableKey("default_ds", "myview")]
	require.True(t, ok)
	require.Equal(t, artifact.KindView, a.Kind)
	require.Equal(t, "select 1", a.FinalQuery())

	_, ok = result[artifact.DatasetKey("default_ds")]
	require.True(t, ok, "implied Dataset artifact")
}

func TestLoadFolders_ExplicitDatasetInFilename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ds1.tbl.view", "select 2")

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	_, ok := result[artifact.TableKey("ds1", "tbl")]
	require.True(t, ok)
}

func TestLoadFolders_InvalidFilenameTooManyDots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.b.c.view", "select 1")

	l := newTestLoader(t)
	_, err := l.LoadFolders([]string{dir})
	require.Error(t, err)
}

func TestLoadFolders_UnionableMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.uniontable", "select 1")
	writeFile(t, dir, "a.querytemplate", "select 2")
	writeFile(t, dir, "a.querytemplate.vars", `[{}]`)

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	a, ok := result[artifact.TableKey("default_ds", "a")]
	require.True(t, ok)
	require.Contains(t, a.FinalQuery(), "select 1")
	require.Contains(t, a.FinalQuery(), "union all")
	require.Contains(t, a.FinalQuery(), "select 2")
}

func TestLoadFolders_NonUnionableDuplicateErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.localdata", "1,2,3")
	// A second, different-kind artifact at the same key is a conflict.
	writeFile(t, dir, "a.view", "select 1")

	l := newTestLoader(t)
	_, err := l.LoadFolders([]string{dir})
	require.Error(t, err)
}

func TestLoadFolders_QueryTemplateMissingVarsIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.querytemplate", "select {x}")

	l := newTestLoader(t)
	_, err := l.LoadFolders([]string{dir})
	require.Error(t, err)
}

func TestLoadFolders_VarsCrossProduct(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "t.querytemplate", "select * from x where region = '{region}'")
	writeFile(t, dir, "t.querytemplate.vars", `[{"region": ["us", "eu"], "table": "t_{region}"}]`)

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	_, ok := result[artifact.TableKey("default_ds", "t_us")]
	require.True(t, ok)
	_, ok = result[artifact.TableKey("default_ds", "t_eu")]
	require.True(t, ok)
}

func TestLoadFolders_GCSDataParsesURIs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.gcsdata", "gs://bucket/one.csv\ngs://bucket/two.csv\n")

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	a, ok := result[artifact.TableKey("default_ds", "a")]
	require.True(t, ok)
	require.Equal(t, artifact.KindObjectStoreLoad, a.Kind)
	require.Equal(t, []string{"gs://bucket/one.csv", "gs://bucket/two.csv"}, a.URIs)
}

func TestLoadFolders_LocalDataSchemaSidecarLegacy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.localdata", "1,2\n")
	writeFile(t, dir, "a.localdata.schema", "id:INTEGER,name:STRING")

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	a, ok := result[artifact.TableKey("default_ds", "a")]
	require.True(t, ok)
	require.Len(t, a.Schema, 2)
	require.Equal(t, "id", a.Schema[0].Name)
	require.Equal(t, "INTEGER", a.Schema[0].Type)
}

func TestLoadFolders_ExternalTableJSONSchemaRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.externaltable", `{"sourceUris": ["gs://b/f.parquet"]}`)
	writeFile(t, dir, "a.externaltable.schema", `[{"name":"top","type":"RECORD","fields":[{"name":"inner","type":"STRING"}]}]`)

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	a, ok := result[artifact.TableKey("default_ds", "a")]
	require.True(t, ok)
	require.Len(t, a.Schema, 1)
	require.Equal(t, "top", a.Schema[0].Name)
	require.Len(t, a.Schema[0].Fields, 1)
	require.Equal(t, "inner", a.Schema[0].Fields[0].Name)
}

func TestLoadFolders_ExtractReservedKeyAddsCompanionArtifact(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.view", "select 1")
	writeFile(t, dir, "a.view.vars", `[{"extract": "gs://bucket/out.csv"}]`)

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)

	source := artifact.TableKey("default_ds", "a")
	extractKey := artifact.ExtractKey(source)
	ex, ok := result[extractKey]
	require.True(t, ok)
	require.Equal(t, artifact.KindExtract, ex.Kind)
	require.Equal(t, []string{"gs://bucket/out.csv"}, ex.DestURIs)
}

func TestLoadFolders_ExtractMultipleWildcardsIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.view", "select 1")
	writeFile(t, dir, "a.view.vars", `[{"extract": "gs://bucket/out-*-*.csv"}]`)

	l := newTestLoader(t)
	_, err := l.LoadFolders([]string{dir})
	require.ErrorIs(t, err, errs.ErrMultipleWildcards)
}

func TestLoadFolders_UnrecognizedSuffixSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "not an artifact")

	l := newTestLoader(t)
	result, err := l.LoadFolders([]string{dir})
	require.NoError(t, err)
	require.Empty(t, result)
}
