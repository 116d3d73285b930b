// Package dump implements the --dumpToFolder debug mode of spec.md §4.4:
// write each artifact's rendered definition to one file per artifact, in
// dependency order. Grounded on the teacher's internal/export/manifest.go
// pattern of walking an ordered entity set and writing one file per
// entity.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/graph"
)

var unsafeChars = regexp.MustCompile(`[^0-9A-Za-z._-]`)

// escape turns an artifact key into a filesystem-safe filename component.
func escape(key artifact.Key) string {
	return unsafeChars.ReplaceAllString(string(key), "_")
}

// header is the YAML front matter written above each dump file's rendered
// definition, identifying the artifact and the dependency edges the graph
// resolved for it.
type header struct {
	Key       string   `yaml:"key"`
	Kind      string   `yaml:"kind"`
	Dataset   string   `yaml:"dataset"`
	Table     string   `yaml:"table,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// WriteAll writes "<folder>/<escaped-key>.debug" for every artifact in g,
// in dependency order, per spec.md §6/§4.4. Each file carries a YAML front
// matter header naming the artifact and its resolved dependency edges,
// followed by a "---" separator and the artifact's rendered definition.
func WriteAll(folder string, g *graph.Graph) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("creating dump folder %q: %w", folder, err)
	}

	order, report := g.TopoOrder()
	if report != nil {
		return fmt.Errorf("cannot dump a cyclic graph: %w", report)
	}

	for _, k := range order {
		a, ok := g.Artifacts[k]
		if !ok {
			continue
		}
		h := header{
			Key:     string(k),
			Kind:    a.Kind.String(),
			Dataset: a.Dataset,
			Table:   a.Table,
		}
		for dep := range g.Pending[k] {
			h.DependsOn = append(h.DependsOn, string(dep))
		}
		sort.Strings(h.DependsOn)

		front, err := yaml.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshaling dump header for %s: %w", k, err)
		}

		body := "---\n" + string(front) + "---\n" + a.Dump()
		path := filepath.Join(folder, escape(k)+".debug")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("writing dump for %s: %w", k, err)
		}
	}
	return nil
}
