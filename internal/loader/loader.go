// Package loader implements spec.md §4.2: one loader per recognized file
// suffix, dispatching on a file's final suffix, reading optional .vars and
// .schema sidecars once and caching them, expanding each vars object
// through internal/tmpl, and constructing artifact records keyed by
// (dataset, table) or (dataset).
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/errs"
	"github.com/sharethis/bqreconcile/internal/tmpl"
	"github.com/sharethis/bqreconcile/internal/warehouse"
)

// suffixKinds maps the recognized file suffixes of spec.md §4.2 to the
// artifact Kind they produce. querytemplate/uniontable share QueryTable;
// view/unionview share View — §3 makes both variants unionable regardless
// of which suffix produced a given instance.
var suffixKinds = map[string]artifact.Kind{
	"querytemplate": artifact.KindQueryTable,
	"uniontable":    artifact.KindQueryTable,
	"view":          artifact.KindView,
	"unionview":     artifact.KindView,
	"gcsdata":       artifact.KindObjectStoreLoad,
	"localdata":     artifact.KindLocalDataLoad,
	"bashtemplate":  artifact.KindScriptTable,
	"externaltable": artifact.KindExternalTable,
}

// Loader holds the configuration shared across every file in a run.
type Loader struct {
	Deps           *artifact.Deps
	DefaultDataset string
	DefaultProject string
	Defaults       tmpl.Vars // parsed once from --varsFile
	Now            func() time.Time

	varsCache   map[string][]tmpl.Vars
	schemaCache map[string]warehouse.Schema
}

// New builds a Loader. now defaults to time.Now if nil.
func New(deps *artifact.Deps, defaultDataset, defaultProject string, defaults tmpl.Vars, now func() time.Time) *Loader {
	if now == nil {
		now = time.Now
	}
	return &Loader{
		Deps:           deps,
		DefaultDataset: defaultDataset,
		DefaultProject: defaultProject,
		Defaults:       defaults,
		Now:            now,
		varsCache:      make(map[string][]tmpl.Vars),
		schemaCache:    make(map[string]warehouse.Schema),
	}
}

// LoadFolders discovers and parses every recognized file across folders
// into one artifact map, adding implied Dataset artifacts per spec.md §3
// invariant 2.
func (l *Loader) LoadFolders(folders []string) (map[artifact.Key]*artifact.Artifact, error) {
	result := make(map[artifact.Key]*artifact.Artifact)
	for _, folder := range folders {
		if err := l.loadFolder(folder, result); err != nil {
			return nil, err
		}
	}
	l.ensureDatasets(result)
	return result, nil
}

func (l *Loader) loadFolder(folder string, result map[artifact.Key]*artifact.Artifact) error {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading folder %q: %w", folder, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".vars") || strings.HasSuffix(name, ".schema") {
			continue
		}
		suffix := fileSuffix(name)
		if _, ok := suffixKinds[suffix]; !ok {
			continue
		}
		if err := l.loadFile(folder, name, suffix, result); err != nil {
			return fmt.Errorf("%s: %w", filepath.Join(folder, name), err)
		}
	}
	return nil
}

func fileSuffix(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// splitFilename implements spec.md §6: "<table>.<suffix>" (default
// dataset) or "<dataset>.<table>.<suffix>"; three or more dots is an
// error.
func splitFilename(name, suffix string) (dataset, table string, err error) {
	base := strings.TrimSuffix(name, "."+suffix)
	parts := strings.Split(base, ".")
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: %q", errs.ErrInvalidFilename, name)
	}
}

func (l *Loader) loadFile(folder, name, suffix string, result map[artifact.Key]*artifact.Artifact) error {
	dataset, table, err := splitFilename(name, suffix)
	if err != nil {
		return err
	}
	if dataset == "" {
		dataset = l.DefaultDataset
	}
	if dataset == "" {
		return errs.ErrMissingDefaultDataset
	}

	path := filepath.Join(folder, name)
	bodyBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	body := string(bodyBytes)

	varsList, err := l.loadVars(path, suffix)
	if err != nil {
		return err
	}
	schema, err := l.loadSchema(path)
	if err != nil {
		return err
	}

	fileDefaults := make(tmpl.Vars, len(l.Defaults)+3)
	for k, v := range l.Defaults {
		fileDefaults[k] = v
	}
	fileDefaults["dataset"] = dataset
	fileDefaults["table"] = table
	if l.DefaultProject != "" {
		fileDefaults["project"] = l.DefaultProject
	}

	now := l.Now()
	for _, obj := range varsList {
		combos, err := tmpl.Expand(now, fileDefaults, obj, folder, name)
		if err != nil {
			return err
		}
		for _, combo := range combos {
			if err := l.emit(result, suffix, path, body, combo, schema); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) emit(result map[artifact.Key]*artifact.Artifact, suffix, path, body string, combo map[string]string, schema warehouse.Schema) error {
	if err := tmpl.CheckRequired(combo, body); err != nil {
		return err
	}
	rendered := tmpl.Render(body, combo)

	dataset := combo["dataset"]
	table := combo["table"]
	kind := suffixKinds[suffix]

	var a *artifact.Artifact
	switch kind {
	case artifact.KindQueryTable:
		a = artifact.NewQueryTable(dataset, table, []string{rendered}, intVar(combo, "expiration", 0), l.Deps)
	case artifact.KindView:
		a = artifact.NewView(dataset, table, []string{rendered}, l.Deps)
	case artifact.KindObjectStoreLoad:
		opts := loadOptionsFromVars(combo)
		a = artifact.NewObjectStoreLoad(dataset, table, uriLines(rendered), schema, opts, combo["require_exists"], l.Deps)
	case artifact.KindLocalDataLoad:
		a = artifact.NewLocalDataLoad(dataset, table, path, schemaSidecarPath(path), schema, l.Deps)
	case artifact.KindExternalTable:
		var config map[string]interface{}
		if err := json.Unmarshal([]byte(rendered), &config); err != nil {
			return fmt.Errorf("%w: parsing external table config: %v", errs.ErrInvalidSchema, err)
		}
		autodetect := combo["autodetect"] == "true" || len(schema) == 0
		a = artifact.NewExternalTable(dataset, table, config, schema, autodetect, l.Deps)
	case artifact.KindScriptTable:
		a = artifact.NewScriptTable(dataset, table, rendered, schema, l.Deps)
	default:
		return fmt.Errorf("loader: unhandled suffix %q", suffix)
	}

	if err := l.addArtifact(result, a); err != nil {
		return err
	}

	if uri := combo["extract"]; uri != "" {
		if err := l.addExtract(result, dataset, table, a.Key(), uri); err != nil {
			return err
		}
	}
	return nil
}

// addArtifact enforces spec.md §3 invariant 1: duplicate keys merge only
// for unionable variants of the same kind; any other collision is fatal.
func (l *Loader) addArtifact(result map[artifact.Key]*artifact.Artifact, a *artifact.Artifact) error {
	existing, ok := result[a.Key()]
	if !ok {
		result[a.Key()] = a
		return nil
	}
	if a.IsUnionable() && existing.IsUnionable() && existing.Kind == a.Kind {
		return existing.Merge(a)
	}
	return fmt.Errorf("%w: %s", errs.ErrDuplicateKey, a.Key())
}

// addExtract implements the "extract" reserved vars key (spec.md §6,
// SPEC_FULL.md): any loader's vars object may name an extract destination
// URI, producing a companion Extract artifact. Multiple combos extracting
// the same source merge their destination URIs instead of conflicting,
// since Extract's key is derived solely from its source.
func (l *Loader) addExtract(result map[artifact.Key]*artifact.Artifact, dataset, table string, source artifact.Key, uri string) error {
	if strings.Count(uri, "*") > 1 {
		return fmt.Errorf("%w: %s", errs.ErrMultipleWildcards, uri)
	}
	key := artifact.ExtractKey(source)
	if existing, ok := result[key]; ok {
		existing.DestURIs = append(existing.DestURIs, uri)
		return nil
	}
	result[key] = artifact.NewExtract(dataset, table, source, []string{uri}, l.Deps)
	return nil
}

// ensureDatasets implements spec.md §3 invariant 2: every table-like
// artifact implies a Dataset artifact for its dataset.
func (l *Loader) ensureDatasets(result map[artifact.Key]*artifact.Artifact) {
	seen := make(map[string]bool)
	for _, a := range result {
		if a.Kind == artifact.KindDataset {
			seen[a.Dataset] = true
		}
	}
	for _, a := range result {
		if a.Kind == artifact.KindDataset || a.Dataset == "" {
			continue
		}
		if !seen[a.Dataset] {
			seen[a.Dataset] = true
			result[artifact.DatasetKey(a.Dataset)] = artifact.NewDataset(a.Dataset, l.Deps)
		}
	}
}

func schemaSidecarPath(path string) string {
	p := path + ".schema"
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (l *Loader) loadVars(path, suffix string) ([]tmpl.Vars, error) {
	sidecarPath := path + ".vars"
	if cached, ok := l.varsCache[sidecarPath]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		if suffix == "querytemplate" {
			return nil, fmt.Errorf("%w: %s", errs.ErrMissingVarsFile, sidecarPath)
		}
		defaultList := []tmpl.Vars{{}}
		l.varsCache[sidecarPath] = defaultList
		return defaultList, nil
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", sidecarPath, err)
	}
	list := make([]tmpl.Vars, len(raw))
	for i, obj := range raw {
		list[i] = tmpl.Vars(obj)
	}
	l.varsCache[sidecarPath] = list
	return list, nil
}

func (l *Loader) loadSchema(path string) (warehouse.Schema, error) {
	sidecarPath := path + ".schema"
	if cached, ok := l.schemaCache[sidecarPath]; ok {
		return cached, nil
	}
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		l.schemaCache[sidecarPath] = nil
		return nil, nil
	}
	schema, err := parseSchema(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sidecarPath, err)
	}
	l.schemaCache[sidecarPath] = schema
	return schema, nil
}

type fieldJSON struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Mode        string      `json:"mode,omitempty"`
	Description string      `json:"description,omitempty"`
	Fields      []fieldJSON `json:"fields,omitempty"`
}

// parseSchema supports both the legacy "name:type,name:type,…" grammar
// and the recursive JSON array form (spec.md §6).
func parseSchema(raw string) (warehouse.Schema, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var fields []fieldJSON
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidSchema, err)
		}
		return toSchema(fields), nil
	}
	return parseLegacySchema(trimmed)
}

func toSchema(fields []fieldJSON) warehouse.Schema {
	out := make(warehouse.Schema, 0, len(fields))
	for _, f := range fields {
		out = append(out, warehouse.Field{
			Name:        f.Name,
			Type:        f.Type,
			Mode:        f.Mode,
			Description: f.Description,
			Fields:      toSchema(f.Fields),
		})
	}
	return out
}

func parseLegacySchema(s string) (warehouse.Schema, error) {
	parts := strings.Split(s, ",")
	out := make(warehouse.Schema, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		nt := strings.SplitN(p, ":", 2)
		if len(nt) != 2 {
			return nil, fmt.Errorf("%w: %q", errs.ErrInvalidSchema, p)
		}
		out = append(out, warehouse.Field{Name: strings.TrimSpace(nt[0]), Type: strings.TrimSpace(nt[1])})
	}
	return out, nil
}

// uriLines returns the gs:// lines of a rendered ObjectStoreLoad body
// (spec.md §3: "lines starting with gs://…").
func uriLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "gs://") {
			out = append(out, line)
		}
	}
	return out
}

func loadOptionsFromVars(combo map[string]string) warehouse.LoadOptions {
	return warehouse.LoadOptions{
		SourceFormat:        warehouse.SourceFormat(strings.ToUpper(combo["source_format"])),
		MaxBadRecords:       intVar(combo, "max_bad_records", 0),
		WriteDisposition:    warehouse.WriteDisposition(strings.ToUpper(combo["write_disposition"])),
		FieldDelimiter:      combo["field_delimiter"],
		SkipLeadingRows:     intVar(combo, "skip_leading_rows", 0),
		AllowQuotedNewlines: combo["allow_quoted_newlines"] == "true",
		Encoding:            combo["encoding"],
		QuoteCharacter:      combo["quote_character"],
		NullMarker:          combo["null_marker"],
		IgnoreUnknownValues: combo["ignore_unknown_values"] == "true",
		ExpirationDays:      intVar(combo, "expiration", 0),
	}
}

func intVar(combo map[string]string, key string, def int) int {
	v, ok := combo[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
