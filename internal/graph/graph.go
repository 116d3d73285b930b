// Package graph computes the dependency edges between artifacts (spec.md
// §4.3): for each ordered pair, an edge exists iff the dependent's
// DependsOn rule holds. This mirrors the teacher's internal/resolver — a
// small struct with pure methods over a slice, no external dependency.
package graph

import (
	"fmt"
	"sort"

	"github.com/sharethis/bqreconcile/internal/artifact"
)

// Graph is the resolved pending-dependency mapping of spec.md §4.3: for
// each artifact key, the set of keys it still depends on.
type Graph struct {
	Artifacts map[artifact.Key]*artifact.Artifact
	Pending   map[artifact.Key]map[artifact.Key]bool
}

// Build scans every ordered pair of artifacts and records an edge A→B
// when A.DependsOn(B). Complexity is O(N²) over artifact count, per
// spec.md §4.3 ("scanning normalized text dominates").
func Build(artifacts map[artifact.Key]*artifact.Artifact) *Graph {
	g := &Graph{
		Artifacts: artifacts,
		Pending:   make(map[artifact.Key]map[artifact.Key]bool, len(artifacts)),
	}
	for ak, a := range artifacts {
		deps := make(map[artifact.Key]bool)
		for bk, b := range artifacts {
			if ak == bk {
				continue
			}
			if a.DependsOn(b) {
				deps[bk] = true
			}
		}
		g.Pending[ak] = deps
	}
	return g
}

// ReadySet returns the keys with an empty pending-dependency set, sorted
// for deterministic dispatch order (spec.md §4.4, §5 "Ordering
// guarantees").
func (g *Graph) ReadySet() []artifact.Key {
	var ready []artifact.Key
	for k, deps := range g.Pending {
		if len(deps) == 0 {
			ready = append(ready, k)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// Retire removes key from the pending map entirely (the artifact is
// up-to-date or has been dropped).
func (g *Graph) Retire(key artifact.Key) {
	delete(g.Pending, key)
}

// RetireEdges implements spec.md §4.4 step 3: for the remaining key n,
// drop every dependency k whose entry no longer appears in the pending
// map, returning the set of keys that were just retired (the caller uses
// these to propagate dep-mtime).
func (g *Graph) RetireEdges(n artifact.Key) []artifact.Key {
	deps, ok := g.Pending[n]
	if !ok {
		return nil
	}
	var retired []artifact.Key
	for k := range deps {
		if _, stillPending := g.Pending[k]; !stillPending {
			retired = append(retired, k)
			delete(deps, k)
		}
	}
	return retired
}

// CycleReport describes the residual state of a stalled graph (spec.md
// §9 "Graph cycles"): the ready set is permanently empty while the
// pending map is non-empty.
type CycleReport struct {
	Residual map[artifact.Key][]artifact.Key
}

func (r *CycleReport) Error() string {
	return fmt.Sprintf("cyclic dependency graph: %d artifacts stalled", len(r.Residual))
}

// DetectCycle reports a CycleReport if the graph has residual keys but no
// ready ones and nothing in flight — the scheduler's stall condition.
func (g *Graph) DetectCycle(inFlight map[artifact.Key]bool) *CycleReport {
	if len(g.Pending) == 0 {
		return nil
	}
	if len(g.ReadySet()) > 0 {
		return nil
	}
	if len(inFlight) > 0 {
		return nil
	}
	return residualReport(g.Pending)
}

func residualReport(pending map[artifact.Key]map[artifact.Key]bool) *CycleReport {
	residual := make(map[artifact.Key][]artifact.Key, len(pending))
	for k, deps := range pending {
		list := make([]artifact.Key, 0, len(deps))
		for d := range deps {
			list = append(list, d)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		residual[k] = list
	}
	return &CycleReport{Residual: residual}
}

// TopoOrder computes a full dependency order over a cloned copy of the
// pending map, without mutating the real scheduler state or calling any
// adapter — the shared graph walk behind the auxiliary read-only modes of
// spec.md §4.4 (show, dotml, dump).
func (g *Graph) TopoOrder() ([]artifact.Key, *CycleReport) {
	pending := make(map[artifact.Key]map[artifact.Key]bool, len(g.Pending))
	for k, deps := range g.Pending {
		d2 := make(map[artifact.Key]bool, len(deps))
		for dk := range deps {
			d2[dk] = true
		}
		pending[k] = d2
	}

	var order []artifact.Key
	for len(pending) > 0 {
		var ready []artifact.Key
		for k, deps := range pending {
			if len(deps) == 0 {
				ready = append(ready, k)
			}
		}
		if len(ready) == 0 {
			return order, residualReport(pending)
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

		for _, k := range ready {
			delete(pending, k)
			order = append(order, k)
		}
		for _, deps := range pending {
			for _, k := range ready {
				delete(deps, k)
			}
		}
	}
	return order, nil
}
