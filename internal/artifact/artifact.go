// Package artifact implements the typed artifact model of spec.md §3: a
// tagged-variant record per managed entity (dataset, table, view, load,
// external table, script table, extract), its identity, its dependency
// text, and the definition-hash change-detection protocol. Variants share
// a single struct rather than an inheritance hierarchy, per spec.md §9
// ("prefer a tagged-variant representation over inheritance").
package artifact

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sharethis/bqreconcile/internal/objectstore"
	"github.com/sharethis/bqreconcile/internal/subprocess"
	"github.com/sharethis/bqreconcile/internal/warehouse"
)

// Kind tags which variant an Artifact is.
type Kind int

const (
	KindDataset Kind = iota
	KindQueryTable
	KindView
	KindLocalDataLoad
	KindObjectStoreLoad
	KindExternalTable
	KindScriptTable
	KindExtract
)

func (k Kind) String() string {
	switch k {
	case KindDataset:
		return "Dataset"
	case KindQueryTable:
		return "QueryTable"
	case KindView:
		return "View"
	case KindLocalDataLoad:
		return "LocalDataLoad"
	case KindObjectStoreLoad:
		return "ObjectStoreLoad"
	case KindExternalTable:
		return "ExternalTable"
	case KindScriptTable:
		return "ScriptTable"
	case KindExtract:
		return "Extract"
	default:
		return "Unknown"
	}
}

// Key is a stable identifier: the dataset name alone for Dataset artifacts,
// "<dataset>.<table>" for table-like artifacts, "extract.<source key>" for
// Extract (spec.md §3, §9 Open Questions: dot-joined form chosen over the
// source's inconsistent colon-joined form).
type Key string

func TableKey(dataset, table string) Key { return Key(dataset + "." + table) }
func DatasetKey(dataset string) Key      { return Key(dataset) }
func ExtractKey(source Key) Key          { return Key("extract." + string(source)) }

// Deps bundles the adapter handles shared across every artifact in a run
// (spec.md §9 "Adapter handles are shared across artifacts and treated as
// process-wide capabilities").
type Deps struct {
	Warehouse   warehouse.Client
	ObjectStore objectstore.Client
	Scripts     *subprocess.Runner
}

// Artifact is the single tagged-variant record for every managed entity.
// Only the fields relevant to Kind are populated; scheduler-exclusive
// mutable runtime state (descriptionWritten, job, datasetSeen) is kept
// private since artifacts are owned exclusively by the scheduler once
// built (spec.md §9 "Ownership of artifacts").
type Artifact struct {
	Kind    Kind
	Dataset string
	Table   string // empty for Dataset

	// QueryTable / View
	Queries        []string
	ExpirationDays int

	// LocalDataLoad
	DataFile   string
	SchemaFile string
	Schema     warehouse.Schema

	// ObjectStoreLoad
	URIs          []string
	LoadOptions   warehouse.LoadOptions
	RequireExists string

	// ExternalTable
	ExternalConfig map[string]interface{}
	AutoDetect     bool

	// ScriptTable
	Script string

	// Extract
	SourceKey Key
	DestURIs  []string

	deps *Deps

	mu                 sync.Mutex
	descriptionWritten bool
	datasetSeen        time.Time
	job                warehouse.Job
}

func NewDataset(dataset string, deps *Deps) *Artifact {
	return &Artifact{Kind: KindDataset, Dataset: dataset, deps: deps}
}

func NewQueryTable(dataset, table string, queries []string, expirationDays int, deps *Deps) *Artifact {
	return &Artifact{Kind: KindQueryTable, Dataset: dataset, Table: table, Queries: queries, ExpirationDays: expirationDays, deps: deps}
}

func NewView(dataset, table string, queries []string, deps *Deps) *Artifact {
	return &Artifact{Kind: KindView, Dataset: dataset, Table: table, Queries: queries, deps: deps}
}

func NewLocalDataLoad(dataset, table, dataFile, schemaFile string, schema warehouse.Schema, deps *Deps) *Artifact {
	return &Artifact{Kind: KindLocalDataLoad, Dataset: dataset, Table: table, DataFile: dataFile, SchemaFile: schemaFile, Schema: schema, deps: deps}
}

func NewObjectStoreLoad(dataset, table string, uris []string, schema warehouse.Schema, opts warehouse.LoadOptions, requireExists string, deps *Deps) *Artifact {
	return &Artifact{Kind: KindObjectStoreLoad, Dataset: dataset, Table: table, URIs: uris, Schema: schema, LoadOptions: opts, RequireExists: requireExists, deps: deps}
}

func NewExternalTable(dataset, table string, config map[string]interface{}, schema warehouse.Schema, autodetect bool, deps *Deps) *Artifact {
	return &Artifact{Kind: KindExternalTable, Dataset: dataset, Table: table, ExternalConfig: config, Schema: schema, AutoDetect: autodetect, deps: deps}
}

func NewScriptTable(dataset, table, script string, schema warehouse.Schema, deps *Deps) *Artifact {
	return &Artifact{Kind: KindScriptTable, Dataset: dataset, Table: table, Script: script, Schema: schema, deps: deps}
}

func NewExtract(dataset, table string, source Key, destURIs []string, deps *Deps) *Artifact {
	return &Artifact{Kind: KindExtract, Dataset: dataset, Table: table, SourceKey: source, DestURIs: destURIs, deps: deps}
}

// Key returns this artifact's stable identifier.
func (a *Artifact) Key() Key {
	switch a.Kind {
	case KindDataset:
		return DatasetKey(a.Dataset)
	case KindExtract:
		return ExtractKey(a.SourceKey)
	default:
		return TableKey(a.Dataset, a.Table)
	}
}

// IsUnionable reports whether two artifacts at the same key merge instead
// of conflicting (spec.md §3 invariant 1).
func (a *Artifact) IsUnionable() bool {
	return a.Kind == KindQueryTable || a.Kind == KindView
}

// FinalQuery joins multi-file query lists with "union all" (spec.md §3,
// §8 scenario 6).
func (a *Artifact) FinalQuery() string {
	return strings.Join(a.Queries, "\nunion all\n")
}

// Merge appends other's queries onto a, for the unionable-variant rule.
// Callers must already have checked IsUnionable and matching Kind/Key.
func (a *Artifact) Merge(other *Artifact) error {
	if a.Kind != other.Kind || a.Key() != other.Key() {
		return fmt.Errorf("cannot merge %s %s into %s %s", other.Kind, other.Key(), a.Kind, a.Key())
	}
	a.Queries = append(a.Queries, other.Queries...)
	return nil
}

// DependencyText is the normalized-for-scanning text an artifact exposes
// to the dependency resolver: the rendered query for QueryTable/View, the
// script body for ScriptTable, the canonical external config for
// ExternalTable. Dataset, LocalDataLoad, ObjectStoreLoad, and Extract have
// no query text of their own to scan — ObjectStoreLoad's URIs are
// "scrubbed" by being excluded entirely, so a coincidental substring match
// inside a gs:// path never fabricates a dependency edge (spec.md §3
// invariant 3(a)).
func (a *Artifact) DependencyText() string {
	switch a.Kind {
	case KindQueryTable, KindView:
		return a.FinalQuery()
	case KindScriptTable:
		return a.Script
	case KindExternalTable:
		blob, err := canonicalJSON(a.ExternalConfig)
		if err != nil {
			return ""
		}
		return string(blob)
	default:
		return ""
	}
}

// DependsOn implements spec.md §3 invariant 3: a depends on other if (a)
// other's key appears, bounded by non-identifier characters, in a's
// dependency text, (b) other is a Dataset strictly contained in a's key,
// or (c) a is an Extract whose source is other.
func (a *Artifact) DependsOn(other *Artifact) bool {
	if a.Key() == other.Key() {
		return false // invariant 5: no self-edges
	}
	if other.Kind == KindDataset {
		if strictSubstring(normalize(string(other.Key())), normalize(string(a.Key()))) {
			return true
		}
	}
	if a.Kind == KindExtract && other.Key() == a.SourceKey {
		return true
	}
	if text := a.DependencyText(); text != "" {
		if boundedContains(string(other.Key()), text) {
			return true
		}
	}
	return false
}

var nonIdentRe = regexp.MustCompile(`[^0-9A-Za-z._]+`)

// normalize replaces every run of characters outside [0-9A-Za-z._] with a
// single space (spec.md §3 invariant 4).
func normalize(s string) string {
	return nonIdentRe.ReplaceAllString(s, " ")
}

// strictSubstring reports whether needle is a substring of haystack and
// strictly shorter than it — no word-boundary check (spec.md §8 scenario
// 5: strictSubstring("A", " Asxx ") is true).
func strictSubstring(needle, haystack string) bool {
	return len(needle) < len(haystack) && strings.Contains(haystack, needle)
}

// boundedContains reports whether key appears in text surrounded by
// non-identifier characters, after normalizing both sides and padding with
// sentinel spaces so boundary matches at the very start/end of text also
// count (spec.md §3 invariant 3(a), §8 invariant 2).
func boundedContains(key, text string) bool {
	paddedText := " " + normalize(text) + " "
	paddedKey := " " + normalize(key) + " "
	return strings.Contains(paddedText, paddedKey)
}

// hashTag computes the definition-hash description tag for a materializing
// artifact (spec.md §3 "Definition-hash protocol"). Dataset, ObjectStoreLoad,
// and Extract are excluded from the protocol and return "".
func (a *Artifact) hashTag() (string, error) {
	switch a.Kind {
	case KindQueryTable, KindView:
		return "queryhash:" + md5Hex(a.FinalQuery()), nil
	case KindLocalDataLoad:
		dataSum, err := md5File(a.DataFile)
		if err != nil {
			return "", err
		}
		schemaSum, err := md5File(a.SchemaFile)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("filehash:%s:%s", dataSum, schemaSum), nil
	case KindScriptTable:
		return md5Hex(a.Script), nil
	case KindExternalTable:
		blob, err := canonicalJSON(a.ExternalConfig)
		if err != nil {
			return "", err
		}
		return md5Hex(string(blob)), nil
	default:
		return "", nil
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func md5File(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON relies on encoding/json's own behavior of sorting
// map[string]interface{} keys (recursively) when marshaling, which already
// gives a canonical byte representation without a hand-rolled
// canonicalization pass.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Exists reports whether this artifact's remote counterpart currently
// exists. For Dataset, checking existence and creating it are the same
// adapter call (spec.md §9: "Dataset creation is the only
// unconditionally-allowed side effect on exists=false"). For Extract,
// existence means at least one destination URI currently has an object.
func (a *Artifact) Exists(ctx context.Context) (bool, error) {
	switch a.Kind {
	case KindDataset:
		existed, err := a.deps.Warehouse.DatasetGetOrCreate(ctx, a.Dataset)
		if err != nil {
			return false, fmt.Errorf("getting or creating dataset %q: %w", a.Dataset, err)
		}
		a.mu.Lock()
		if a.datasetSeen.IsZero() {
			a.datasetSeen = time.Now()
		}
		a.mu.Unlock()
		return existed, nil
	case KindExtract:
		for _, uri := range a.DestURIs {
			ok, err := a.deps.ObjectStore.BlobExists(ctx, uri)
			if err != nil {
				return false, fmt.Errorf("checking extract destination %q: %w", uri, err)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		info, err := a.tableInfo(ctx)
		if err != nil {
			return false, err
		}
		return info.Exists, nil
	}
}

func (a *Artifact) tableInfo(ctx context.Context) (warehouse.TableInfo, error) {
	info, err := a.deps.Warehouse.GetTable(ctx, a.Dataset, a.Table)
	if err != nil {
		return warehouse.TableInfo{}, fmt.Errorf("getting table %s.%s: %w", a.Dataset, a.Table, err)
	}
	return info, nil
}

// Mtime returns this artifact's effective modification time for
// dep-mtime propagation (spec.md §4.4). Dataset returns the zero Time: it
// never forces a dependent rebuild just because it was freshly created.
// Extract's mtime derives from the newest object among its destination
// URIs (spec.md §9 Open Questions), since it never updates a remote table
// of its own.
func (a *Artifact) Mtime(ctx context.Context) (time.Time, error) {
	switch a.Kind {
	case KindDataset:
		return time.Time{}, nil
	case KindExtract:
		var newest time.Time
		for _, uri := range a.DestURIs {
			t, err := a.deps.ObjectStore.BlobMtime(ctx, uri)
			if err != nil {
				return time.Time{}, fmt.Errorf("statting extract destination %q: %w", uri, err)
			}
			if t.After(newest) {
				newest = t
			}
		}
		return newest, nil
	default:
		info, err := a.tableInfo(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return info.Mtime, nil
	}
}

// ShouldUpdate implements the definition-hash protocol (spec.md §3):
// true if the remote description does not contain the current hash-tag.
// Dataset is unconditionally false. ObjectStoreLoad and Extract are
// excluded from the hash protocol — their freshness is driven entirely by
// existence and dep-mtime propagation.
func (a *Artifact) ShouldUpdate(ctx context.Context) (bool, error) {
	switch a.Kind {
	case KindDataset, KindObjectStoreLoad, KindExtract:
		return false, nil
	default:
		tag, err := a.hashTag()
		if err != nil {
			return false, err
		}
		info, err := a.tableInfo(ctx)
		if err != nil {
			return false, err
		}
		return !strings.Contains(info.Description, tag), nil
	}
}

// RequireExistsSatisfied reports whether this artifact's require_exists
// gate (ObjectStoreLoad only) is clear to dispatch. A missing blob is not
// an error — the artifact is skipped this tick and re-evaluated next tick
// (spec.md §7, SPEC_FULL.md supplemented feature 2).
func (a *Artifact) RequireExistsSatisfied(ctx context.Context) (bool, error) {
	if a.Kind != KindObjectStoreLoad || a.RequireExists == "" {
		return true, nil
	}
	ok, err := a.deps.ObjectStore.BlobExists(ctx, a.RequireExists)
	if err != nil {
		return false, fmt.Errorf("checking require_exists %q: %w", a.RequireExists, err)
	}
	return ok, nil
}

// IsRunning reports whether a remote job submitted by a previous Create
// call is still in flight.
func (a *Artifact) IsRunning(ctx context.Context) (bool, error) {
	a.mu.Lock()
	job := a.job
	a.mu.Unlock()
	if job == nil {
		return false, nil
	}
	running, err := job.Running(ctx)
	if err != nil {
		return false, fmt.Errorf("polling job for %s: %w", a.Key(), err)
	}
	if !running {
		if jobErr := job.Err(); jobErr != nil {
			a.mu.Lock()
			a.job = nil
			a.mu.Unlock()
			return false, fmt.Errorf("job for %s failed: %w", a.Key(), jobErr)
		}
		a.mu.Lock()
		a.job = nil
		a.mu.Unlock()
	}
	return running, nil
}

// Create submits this artifact's materialization. It is the sole
// unconditionally-allowed side effect for Dataset on exists=false, and for
// every other kind submits (or synchronously runs) the adapter call that
// brings the remote artifact up to date, then writes the definition-hash
// tag at most once per artifact per run (spec.md §9 Open Questions).
func (a *Artifact) Create(ctx context.Context) error {
	switch a.Kind {
	case KindDataset:
		_, err := a.deps.Warehouse.DatasetGetOrCreate(ctx, a.Dataset)
		if err != nil {
			return fmt.Errorf("creating dataset %q: %w", a.Dataset, err)
		}
		return nil

	case KindQueryTable:
		job, err := a.deps.Warehouse.SubmitQueryJob(ctx, a.Dataset, a.Table, a.FinalQuery())
		if err != nil {
			return fmt.Errorf("submitting query job for %s: %w", a.Key(), err)
		}
		a.mu.Lock()
		a.job = job
		a.mu.Unlock()
		return a.writeHashTag(ctx)

	case KindView:
		if err := a.deps.Warehouse.CreateView(ctx, a.Dataset, a.Table, a.FinalQuery()); err != nil {
			return fmt.Errorf("creating view %s: %w", a.Key(), err)
		}
		return a.writeHashTag(ctx)

	case KindLocalDataLoad:
		format, err := detectSourceFormatFromFile(a.DataFile)
		if err != nil {
			return fmt.Errorf("detecting source format for %s: %w", a.Key(), err)
		}
		opts := warehouse.LoadOptions{SourceFormat: format, WriteDisposition: warehouse.WriteTruncate}
		if format == warehouse.FormatCSV {
			opts.SkipLeadingRows = 1
		}
		job, err := a.deps.Warehouse.SubmitLoadFromFile(ctx, a.Dataset, a.Table, a.DataFile, a.Schema, opts)
		if err != nil {
			return fmt.Errorf("submitting load job for %s: %w", a.Key(), err)
		}
		a.mu.Lock()
		a.job = job
		a.mu.Unlock()
		return a.writeHashTag(ctx)

	case KindObjectStoreLoad:
		job, err := a.deps.Warehouse.SubmitLoadFromURIs(ctx, a.Dataset, a.Table, a.URIs, a.Schema, a.LoadOptions)
		if err != nil {
			return fmt.Errorf("submitting load job for %s: %w", a.Key(), err)
		}
		a.mu.Lock()
		a.job = job
		a.mu.Unlock()
		if a.LoadOptions.ExpirationDays > 0 {
			expires := time.Now().AddDate(0, 0, a.LoadOptions.ExpirationDays)
			if err := a.deps.Warehouse.UpdateTable(ctx, a.Dataset, a.Table, "", expires); err != nil {
				return fmt.Errorf("applying expiration for %s: %w", a.Key(), err)
			}
		}
		return nil

	case KindExternalTable:
		if err := a.deps.Warehouse.CreateExternalTable(ctx, a.Dataset, a.Table, a.ExternalConfig, a.Schema, a.AutoDetect); err != nil {
			return fmt.Errorf("creating external table %s: %w", a.Key(), err)
		}
		return a.writeHashTag(ctx)

	case KindScriptTable:
		result, err := a.deps.Scripts.Run(ctx, string(a.Key()), a.Script)
		if err != nil {
			return fmt.Errorf("running script for %s: %w", a.Key(), err)
		}
		tmpFile, err := writeTempPayload(string(a.Key()), result.Stdout)
		if err != nil {
			return fmt.Errorf("staging script output for %s: %w", a.Key(), err)
		}
		defer os.Remove(tmpFile)
		format := detectSourceFormat(string(firstLine(result.Stdout)))
		opts := warehouse.LoadOptions{SourceFormat: format, WriteDisposition: warehouse.WriteTruncate}
		job, err := a.deps.Warehouse.SubmitLoadFromFile(ctx, a.Dataset, a.Table, tmpFile, a.Schema, opts)
		if err != nil {
			return fmt.Errorf("submitting load job for %s: %w", a.Key(), err)
		}
		a.mu.Lock()
		a.job = job
		a.mu.Unlock()
		return a.writeHashTag(ctx)

	case KindExtract:
		job, err := a.deps.Warehouse.SubmitExtractJob(ctx, a.Dataset, a.Table, a.DestURIs)
		if err != nil {
			return fmt.Errorf("submitting extract job for %s: %w", a.Key(), err)
		}
		a.mu.Lock()
		a.job = job
		a.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("create: unknown artifact kind %s", a.Kind)
	}
}

// writeHashTag writes the current definition-hash tag into the remote
// description, guarded so it happens at most once per artifact per run
// (spec.md §9 Open Questions: "implementations must make this write
// at-most-once per artifact per run").
func (a *Artifact) writeHashTag(ctx context.Context) error {
	a.mu.Lock()
	if a.descriptionWritten {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	tag, err := a.hashTag()
	if err != nil {
		return err
	}
	if tag == "" {
		return nil
	}
	var expires time.Time
	if a.ExpirationDays > 0 {
		expires = time.Now().AddDate(0, 0, a.ExpirationDays)
	}
	if err := a.deps.Warehouse.UpdateTable(ctx, a.Dataset, a.Table, tag, expires); err != nil {
		return fmt.Errorf("writing description for %s: %w", a.Key(), err)
	}
	a.mu.Lock()
	a.descriptionWritten = true
	a.mu.Unlock()
	return nil
}

// Dump renders this artifact's definition for the --dumpToFolder debug
// mode (spec.md §4.4).
func (a *Artifact) Dump() string {
	switch a.Kind {
	case KindDataset:
		return fmt.Sprintf("-- dataset %s\n", a.Dataset)
	case KindQueryTable, KindView:
		return a.FinalQuery() + "\n"
	case KindLocalDataLoad:
		return fmt.Sprintf("-- local load %s <- %s (schema %s)\n", a.Key(), a.DataFile, a.SchemaFile)
	case KindObjectStoreLoad:
		return fmt.Sprintf("-- object-store load %s <- %s\n", a.Key(), strings.Join(a.URIs, ", "))
	case KindExternalTable:
		blob, _ := canonicalJSON(a.ExternalConfig)
		return string(blob) + "\n"
	case KindScriptTable:
		return a.Script + "\n"
	case KindExtract:
		return fmt.Sprintf("-- extract %s -> %s\n", a.SourceKey, strings.Join(a.DestURIs, ", "))
	default:
		return ""
	}
}

// detectSourceFormat implements spec.md §8 scenario 8: a body whose first
// line, with surrounding whitespace trimmed, starts with "[" or "{" is JSON,
// otherwise CSV.
func detectSourceFormat(firstLine string) warehouse.SourceFormat {
	trimmed := strings.TrimSpace(firstLine)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return warehouse.FormatJSON
	}
	return warehouse.FormatCSV
}

func detectSourceFormatFromFile(path string) (warehouse.SourceFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Scan()
	return detectSourceFormat(scanner.Text()), nil
}

func firstLine(data []byte) []byte {
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		return data[:i]
	}
	return data
}

func writeTempPayload(key string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "bqr-script-*.out")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}
