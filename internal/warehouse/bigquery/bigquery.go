// Package bigquery implements warehouse.Client against Google BigQuery.
package bigquery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/sharethis/bqreconcile/internal/warehouse"
)

// Client wraps a *bigquery.Client to satisfy warehouse.Client. location is
// threaded through every job submission for multi-region datasets, the
// --bqClientLocation flag of spec.md §6.
type Client struct {
	bq       *bigquery.Client
	location string
}

// New dials a BigQuery client for project, pinned to location.
func New(ctx context.Context, project, location string) (*Client, error) {
	c, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c.Location = location
	return &Client{bq: c, location: location}, nil
}

func (c *Client) DatasetGetOrCreate(ctx context.Context, dataset string) (bool, error) {
	ds := c.bq.Dataset(dataset)
	if _, err := ds.Metadata(ctx); err == nil {
		return true, nil
	} else if !isNotFound(err) {
		return false, fmt.Errorf("looking up dataset %q: %w", dataset, err)
	}
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: c.location}); err != nil {
		return false, fmt.Errorf("creating dataset %q: %w", dataset, err)
	}
	return false, nil
}

func (c *Client) GetTable(ctx context.Context, dataset, table string) (warehouse.TableInfo, error) {
	md, err := c.bq.Dataset(dataset).Table(table).Metadata(ctx)
	if isNotFound(err) {
		return warehouse.TableInfo{Exists: false}, nil
	}
	if err != nil {
		return warehouse.TableInfo{}, fmt.Errorf("getting table %s.%s: %w", dataset, table, err)
	}
	info := warehouse.TableInfo{
		Exists:      true,
		Mtime:       md.LastModifiedTime,
		Description: md.Description,
	}
	if md.ExpirationTime.IsZero() {
		info.Expires = time.Time{}
	} else {
		info.Expires = md.ExpirationTime
	}
	return info, nil
}

func (c *Client) DeleteTable(ctx context.Context, dataset, table string) error {
	if err := c.bq.Dataset(dataset).Table(table).Delete(ctx); err != nil {
		return fmt.Errorf("deleting table %s.%s: %w", dataset, table, err)
	}
	return nil
}

func (c *Client) UpdateTable(ctx context.Context, dataset, table, description string, expires time.Time) error {
	update := bigquery.TableMetadataToUpdate{Description: description}
	if !expires.IsZero() {
		update.ExpirationTime = expires
	}
	if _, err := c.bq.Dataset(dataset).Table(table).Update(ctx, update, ""); err != nil {
		return fmt.Errorf("updating table %s.%s: %w", dataset, table, err)
	}
	return nil
}

func (c *Client) CreateView(ctx context.Context, dataset, table, query string) error {
	tbl := c.bq.Dataset(dataset).Table(table)
	_ = tbl.Delete(ctx) // re-create on change, per spec.md §3 View
	meta := &bigquery.TableMetadata{
		ViewQuery: query,
	}
	if err := tbl.Create(ctx, meta); err != nil {
		return fmt.Errorf("creating view %s.%s: %w", dataset, table, err)
	}
	return nil
}

func (c *Client) SubmitQueryJob(ctx context.Context, dataset, table, query string) (warehouse.Job, error) {
	q := c.bq.Query(query)
	q.Location = c.location
	q.Dst = c.bq.Dataset(dataset).Table(table)
	q.WriteDisposition = bigquery.WriteTruncate
	q.AllowLargeResults = true
	q.Priority = bigquery.InteractivePriority
	// spec.md §4.5: query-backed tables never flatten nested/repeated
	// fields, and run at billing tier 2.
	q.FlattenResults = false
	q.MaxBillingTier = 2
	// Legacy vs standard SQL heuristic (spec.md §4.5, §9): legacy SQL
	// unless the query's lowercased form contains "#standardsql". That is
	// backwards from the client library's default (standard SQL), which is
	// why it is set explicitly here.
	q.UseLegacySQL = !strings.Contains(strings.ToLower(query), "#standardsql")
	q.JobIDConfig = bigquery.JobIDConfig{AddJobIDSuffix: true}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitting query job for %s.%s: %w", dataset, table, err)
	}
	return &jobWrapper{job: job}, nil
}

func (c *Client) SubmitLoadFromFile(ctx context.Context, dataset, table, dataFile string, schema warehouse.Schema, opts warehouse.LoadOptions) (warehouse.Job, error) {
	f, err := os.Open(dataFile)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", dataFile, err)
	}
	defer f.Close()

	src := bigquery.NewReaderSource(f)
	src.SourceFormat = toBQSourceFormat(opts.SourceFormat)
	src.MaxBadRecords = int64(opts.MaxBadRecords)
	if opts.SourceFormat == warehouse.FormatCSV {
		src.SkipLeadingRows = 1
	}
	if len(schema) > 0 {
		src.Schema = toBQSchema(schema)
	} else {
		src.AutoDetect = true
	}

	loader := c.bq.Dataset(dataset).Table(table).LoaderFrom(src)
	loader.WriteDisposition = toBQWriteDisposition(opts.WriteDisposition)

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitting load job for %s.%s: %w", dataset, table, err)
	}
	return &jobWrapper{job: job}, nil
}

func (c *Client) SubmitLoadFromURIs(ctx context.Context, dataset, table string, uris []string, schema warehouse.Schema, opts warehouse.LoadOptions) (warehouse.Job, error) {
	gcsRef := bigquery.NewGCSReference(uris...)
	gcsRef.SourceFormat = toBQSourceFormat(opts.SourceFormat)
	gcsRef.MaxBadRecords = int64(opts.MaxBadRecords)
	gcsRef.FieldDelimiter = opts.FieldDelimiter
	gcsRef.AllowQuotedNewlines = opts.AllowQuotedNewlines
	gcsRef.Encoding = bigquery.Encoding(opts.Encoding)
	gcsRef.IgnoreUnknownValues = opts.IgnoreUnknownValues
	if opts.SourceFormat == warehouse.FormatCSV {
		gcsRef.SkipLeadingRows = 1
	} else {
		gcsRef.SkipLeadingRows = int64(opts.SkipLeadingRows)
	}
	if len(schema) > 0 {
		gcsRef.Schema = toBQSchema(schema)
	} else {
		gcsRef.AutoDetect = true
	}

	loader := c.bq.Dataset(dataset).Table(table).LoaderFrom(gcsRef)
	loader.WriteDisposition = toBQWriteDisposition(opts.WriteDisposition)

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitting load job for %s.%s: %w", dataset, table, err)
	}
	return &jobWrapper{job: job}, nil
}

func (c *Client) CreateExternalTable(ctx context.Context, dataset, table string, config map[string]interface{}, schema warehouse.Schema, autodetect bool) error {
	ext := &bigquery.ExternalDataConfig{
		SourceFormat: toBQSourceFormatFromString(fmt.Sprintf("%v", config["source_format"])),
		AutoDetect:   autodetect,
	}
	switch uris := config["source_uris"].(type) {
	case []string:
		ext.SourceURIs = uris
	case []interface{}:
		for _, u := range uris {
			ext.SourceURIs = append(ext.SourceURIs, fmt.Sprintf("%v", u))
		}
	}
	if len(schema) > 0 {
		ext.Schema = toBQSchema(schema)
	}
	meta := &bigquery.TableMetadata{
		ExternalDataConfig: ext,
	}
	if err := c.bq.Dataset(dataset).Table(table).Create(ctx, meta); err != nil {
		return fmt.Errorf("creating external table %s.%s: %w", dataset, table, err)
	}
	return nil
}

func (c *Client) SubmitExtractJob(ctx context.Context, dataset, table string, destURIs []string) (warehouse.Job, error) {
	gcsRef := bigquery.NewGCSReference(destURIs...)
	extractor := c.bq.Dataset(dataset).Table(table).ExtractorTo(gcsRef)
	job, err := extractor.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("submitting extract job for %s.%s: %w", dataset, table, err)
	}
	return &jobWrapper{job: job}, nil
}

func (c *Client) ListJobs(ctx context.Context, state warehouse.JobState) ([]warehouse.Job, error) {
	it := c.bq.Jobs(ctx)
	it.State = toBQJobState(state)

	var out []warehouse.Job
	for {
		j, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing jobs in state %s: %w", state, err)
		}
		out = append(out, &jobWrapper{job: j})
	}
	return out, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if ok := asGoogleAPIError(err, &apiErr); ok {
		return apiErr.Code == 404
	}
	return false
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	if e, ok := err.(*googleapi.Error); ok {
		*target = e
		return true
	}
	return false
}

func toBQSourceFormat(f warehouse.SourceFormat) bigquery.DataFormat {
	switch f {
	case warehouse.FormatAvro:
		return bigquery.Avro
	case warehouse.FormatJSON:
		return bigquery.JSON
	case warehouse.FormatCSV:
		return bigquery.CSV
	case warehouse.FormatBackup:
		return bigquery.DatastoreBackup
	case warehouse.FormatParquet:
		return bigquery.Parquet
	case warehouse.FormatORC:
		return bigquery.ORC
	default:
		return bigquery.JSON
	}
}

func toBQSourceFormatFromString(s string) bigquery.DataFormat {
	return toBQSourceFormat(warehouse.SourceFormat(strings.ToUpper(s)))
}

func toBQWriteDisposition(w warehouse.WriteDisposition) bigquery.TableWriteDisposition {
	switch w {
	case warehouse.WriteAppend:
		return bigquery.WriteAppend
	case warehouse.WriteEmpty:
		return bigquery.WriteEmpty
	default:
		return bigquery.WriteTruncate
	}
}

func toBQJobState(s warehouse.JobState) bigquery.State {
	switch s {
	case warehouse.JobRunning:
		return bigquery.Running
	case warehouse.JobDone:
		return bigquery.Done
	default:
		return bigquery.Pending
	}
}

func toBQSchema(fields warehouse.Schema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(fields))
	for _, f := range fields {
		fs := &bigquery.FieldSchema{
			Name:        f.Name,
			Type:        bigquery.FieldType(f.Type),
			Description: f.Description,
			Repeated:    f.Mode == "REPEATED",
			Required:    f.Mode == "REQUIRED",
		}
		if len(f.Fields) > 0 {
			fs.Schema = toBQSchema(f.Fields)
		}
		out = append(out, fs)
	}
	return out
}

// jobWrapper adapts *bigquery.Job to warehouse.Job.
type jobWrapper struct {
	job *bigquery.Job
}

func (j *jobWrapper) ID() string { return j.job.ID() }

func (j *jobWrapper) Running(ctx context.Context) (bool, error) {
	status, err := j.job.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("polling job %s: %w", j.job.ID(), err)
	}
	return status.State != bigquery.Done, nil
}

func (j *jobWrapper) Reload(ctx context.Context) error {
	_, err := j.job.Status(ctx)
	if err != nil {
		return fmt.Errorf("reloading job %s: %w", j.job.ID(), err)
	}
	return nil
}

func (j *jobWrapper) Err() error {
	status, err := j.job.LastStatus()
	if status == nil || err != nil {
		return nil
	}
	if status.Err() != nil {
		return status.Err()
	}
	return nil
}

var _ warehouse.Client = (*Client)(nil)
