package scheduler

import (
	"fmt"
	"io"
	"sort"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/graph"
)

// Show implements spec.md §4.4 auxiliary mode (1): prints each key's
// dependencies, then drains the graph in dependency order printing
// "would execute K" without calling any adapter.
func Show(g *graph.Graph, w io.Writer) error {
	for _, k := range sortedPendingKeys(g.Pending) {
		fmt.Fprintf(w, "%s depends on %v\n", k, sortedDepKeys(g.Pending[k]))
	}

	order, report := g.TopoOrder()
	for _, k := range order {
		fmt.Fprintf(w, "would execute %s\n", k)
	}
	if report != nil {
		return report
	}
	return nil
}

// DotML implements spec.md §4.4 auxiliary mode (2): emits a directed
// graph of every pending edge in Graphviz dot syntax.
func DotML(g *graph.Graph, w io.Writer) {
	fmt.Fprintln(w, "digraph reconcile {")
	for _, k := range sortedPendingKeys(g.Pending) {
		for _, d := range sortedDepKeys(g.Pending[k]) {
			fmt.Fprintf(w, "  %q -> %q;\n", k, d)
		}
	}
	fmt.Fprintln(w, "}")
}

func sortedPendingKeys(pending map[artifact.Key]map[artifact.Key]bool) []artifact.Key {
	keys := make([]artifact.Key, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedDepKeys(deps map[artifact.Key]bool) []artifact.Key {
	keys := make([]artifact.Key, 0, len(deps))
	for k := range deps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
