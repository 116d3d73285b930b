package tmpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

func TestExpand_Identity(t *testing.T) {
	results, err := Expand(ref, Vars{}, Vars{"a": "x", "b": "y"}, "f", "name")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0]["a"])
	assert.Equal(t, "y", results[0]["b"])
	assert.Equal(t, "f", results[0]["folder"])
	assert.Equal(t, "name", results[0]["filename"])
	assert.Equal(t, "name", results[0]["table"])
}

func TestExpand_DefaultsOverlaid(t *testing.T) {
	results, err := Expand(ref, Vars{"dataset": "d1", "a": "default"}, Vars{"a": "override"}, "f", "n")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "override", results[0]["a"])
	assert.Equal(t, "d1", results[0]["dataset"])
}

func TestExpand_DateMacroRange(t *testing.T) {
	results, err := Expand(ref, Vars{}, Vars{
		"yyyymmdd": []interface{}{-1, 0},
		"t":        "t_{yyyymmdd}",
	}, "f", "n")
	require.NoError(t, err)
	require.Len(t, results, 2)
	got := map[string]bool{results[0]["t"]: true, results[1]["t"]: true}
	assert.True(t, got["t_20260730"])
	assert.True(t, got["t_20260731"])
}

func TestExpand_CrossProduct(t *testing.T) {
	results, err := Expand(ref, Vars{}, Vars{
		"region": []interface{}{"us", "eu"},
		"tier":   []interface{}{1, 2},
	}, "f", "n")
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestExpand_CircularReference(t *testing.T) {
	_, err := Expand(ref, Vars{}, Vars{"a": "{b}", "b": "{a}"}, "f", "n")
	require.Error(t, err)
}

func TestExpand_Dash2Underscore(t *testing.T) {
	results, err := Expand(ref, Vars{}, Vars{
		"name_dash2uscore": "foo-bar-baz",
	}, "f", "n")
	require.NoError(t, err)
	assert.Equal(t, "foo_bar_baz", results[0]["name_dash2uscore"])
}

func TestExpand_SiblingKeys(t *testing.T) {
	results, err := Expand(ref, Vars{}, Vars{"yyyymmdd": 0}, "f", "n")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2026", results[0]["yyyymmdd_yyyy"])
	assert.Equal(t, "07", results[0]["yyyymmdd_mm"])
	assert.Equal(t, "31", results[0]["yyyymmdd_dd"])
}

func TestExpand_CommutativeAcrossListOrder(t *testing.T) {
	a, err := Expand(ref, Vars{}, Vars{
		"region": []interface{}{"us", "eu"},
		"tier":   []interface{}{1, 2},
	}, "f", "n")
	require.NoError(t, err)

	b, err := Expand(ref, Vars{}, Vars{
		"tier":   []interface{}{1, 2},
		"region": []interface{}{"us", "eu"},
	}, "f", "n")
	require.NoError(t, err)

	toSet := func(ms []map[string]string) map[string]bool {
		set := make(map[string]bool, len(ms))
		for _, m := range ms {
			set[m["region"]+"|"+m["tier"]] = true
		}
		return set
	}
	assert.Equal(t, toSet(a), toSet(b))
}

func TestRequiredPlaceholders(t *testing.T) {
	got := RequiredPlaceholders("select * from {dataset}.{table} where d = '{yyyymmdd}'")
	assert.ElementsMatch(t, []string{"dataset", "table", "yyyymmdd"}, got)
}

func TestCheckRequired_Missing(t *testing.T) {
	err := CheckRequired(map[string]string{"dataset": "d"}, "select * from {dataset}.{table}")
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	out := Render("select * from {dataset}.{table}", map[string]string{"dataset": "d", "table": "t"})
	assert.Equal(t, "select * from d.t", out)
}
