// Package warehouse defines the adapter contract the reconciliation core
// consumes from the managed data warehouse (spec.md §4.5). The core only
// depends on this interface; concrete bindings live in sibling packages
// (bigquery for production, fake for tests), following the same
// registry-of-backends shape as the teacher's internal/storage/factory.
package warehouse

import (
	"context"
	"time"
)

// WriteDisposition mirrors the load-job write behavior named in spec.md §3.
type WriteDisposition string

const (
	WriteAppend   WriteDisposition = "WRITE_APPEND"
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
)

// SourceFormat mirrors the load-job source formats named in spec.md §3.
type SourceFormat string

const (
	FormatAvro    SourceFormat = "AVRO"
	FormatJSON    SourceFormat = "NEWLINE_DELIMITED_JSON"
	FormatCSV     SourceFormat = "CSV"
	FormatBackup  SourceFormat = "DATASTORE_BACKUP"
	FormatParquet SourceFormat = "PARQUET"
	FormatORC     SourceFormat = "ORC"
)

// JobState is the lifecycle state of an asynchronous remote job.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
)

// TableInfo is what the warehouse reports back for a table lookup
// (spec.md §4.5: "table get (returning {exists, mtime, description,
// expires})").
type TableInfo struct {
	Exists      bool
	Mtime       time.Time
	Description string
	Expires     time.Time
}

// LoadOptions carries every load-option passthrough named in spec.md §3.
type LoadOptions struct {
	SourceFormat        SourceFormat
	MaxBadRecords       int
	WriteDisposition    WriteDisposition
	FieldDelimiter      string
	SkipLeadingRows      int
	AllowQuotedNewlines bool
	Encoding            string
	QuoteCharacter      string
	NullMarker          string
	IgnoreUnknownValues bool
	ExpirationDays      int // 0 = no expiration update
}

// Job represents an in-flight or completed asynchronous remote job.
type Job interface {
	ID() string
	Running(ctx context.Context) (bool, error)
	Reload(ctx context.Context) error
	Err() error
}

// Client is the full warehouse adapter contract of spec.md §4.5.
type Client interface {
	// DatasetGetOrCreate returns true if the dataset already existed;
	// dataset creation is the only unconditionally-allowed side effect on
	// exists=false (spec.md §9 "Dataset inference").
	DatasetGetOrCreate(ctx context.Context, dataset string) (existed bool, err error)

	// GetTable returns {exists, mtime, description, expires} for a table.
	GetTable(ctx context.Context, dataset, table string) (TableInfo, error)

	// DeleteTable removes a table.
	DeleteTable(ctx context.Context, dataset, table string) error

	// UpdateTable patches the writable fields of a table: description and
	// expiration.
	UpdateTable(ctx context.Context, dataset, table string, description string, expires time.Time) error

	// CreateView creates or replaces a view with the given query.
	CreateView(ctx context.Context, dataset, table, query string) error

	// SubmitQueryJob submits an async query materializing into a
	// destination table. Legacy-SQL is used unless the query's lowercased
	// form contains "#standardsql" (spec.md §4.5, §9).
	SubmitQueryJob(ctx context.Context, dataset, table, query string) (Job, error)

	// SubmitLoadFromFile submits a load job reading a local file.
	SubmitLoadFromFile(ctx context.Context, dataset, table, dataFile string, schema Schema, opts LoadOptions) (Job, error)

	// SubmitLoadFromURIs submits a load job reading one or more
	// object-store URIs.
	SubmitLoadFromURIs(ctx context.Context, dataset, table string, uris []string, schema Schema, opts LoadOptions) (Job, error)

	// CreateExternalTable creates a table whose storage configuration is a
	// user-supplied JSON object.
	CreateExternalTable(ctx context.Context, dataset, table string, config map[string]interface{}, schema Schema, autodetect bool) error

	// SubmitExtractJob exports an existing table to object-store URIs.
	SubmitExtractJob(ctx context.Context, dataset, table string, destURIs []string) (Job, error)

	// ListJobs lists jobs filtered by state, with paging (spec.md §4.5).
	// Its only caller is the --showJobs listing; the scheduler does not
	// consult it, so a restarted run does not recognize jobs it already
	// submitted.
	ListJobs(ctx context.Context, state JobState) ([]Job, error)
}

// Field describes one column of a table schema, recursively for RECORD
// fields (spec.md §6).
type Field struct {
	Name        string
	Type        string
	Mode        string
	Description string
	Fields      []Field
}

// Schema is an ordered list of fields.
type Schema []Field
