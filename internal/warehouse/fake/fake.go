// Package fake provides an in-memory warehouse.Client for scheduler and
// artifact tests, grounded on the teacher's in-memory storage backend
// (internal/storage/memory in the teacher tree) but shaped to the
// warehouse contract instead of an issue store.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharethis/bqreconcile/internal/warehouse"
)

type table struct {
	exists      bool
	mtime       time.Time
	description string
	expires     time.Time
}

type job struct {
	id      string
	running bool
	err     error
	onDone  func()
}

func (j *job) ID() string { return j.id }

func (j *job) Running(ctx context.Context) (bool, error) {
	return j.running, nil
}

func (j *job) Reload(ctx context.Context) error {
	return nil
}

func (j *job) Err() error { return j.err }

// Client is a fully in-process warehouse, safe for concurrent use.
type Client struct {
	mu sync.Mutex

	Datasets map[string]bool
	Tables   map[string]*table // keyed by "dataset.table"
	Jobs     map[string]*job
	Location string

	// CreateCalls counts every create-shaped call (SubmitQueryJob,
	// SubmitLoadFromFile, SubmitLoadFromURIs, CreateExternalTable,
	// CreateView, SubmitExtractJob) for idempotence assertions (spec.md §8
	// invariant 3).
	CreateCalls int

	// FailNext, if set, is returned (and cleared) by the next create-shaped
	// call, to exercise §7's "adapter errors on create are non-fatal".
	FailNext error

	// AutoFinishJobs marks every submitted job as immediately done, which
	// is what scheduler tests want unless they are specifically exercising
	// in-flight polling.
	AutoFinishJobs bool

	jobSeq int
}

// New creates an empty fake warehouse.
func New() *Client {
	return &Client{
		Datasets:       make(map[string]bool),
		Tables:         make(map[string]*table),
		Jobs:           make(map[string]*job),
		AutoFinishJobs: true,
	}
}

func key(dataset, t string) string { return dataset + "." + t }

func (c *Client) takeFailure() error {
	err := c.FailNext
	c.FailNext = nil
	return err
}

func (c *Client) newJob() *job {
	c.jobSeq++
	j := &job{id: fmt.Sprintf("job-%d", c.jobSeq), running: !c.AutoFinishJobs}
	c.Jobs[j.id] = j
	return j
}

func (c *Client) DatasetGetOrCreate(ctx context.Context, dataset string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existed := c.Datasets[dataset]
	c.Datasets[dataset] = true
	return existed, nil
}

func (c *Client) GetTable(ctx context.Context, dataset, t string) (warehouse.TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tb, ok := c.Tables[key(dataset, t)]
	if !ok {
		return warehouse.TableInfo{Exists: false}, nil
	}
	return warehouse.TableInfo{
		Exists:      tb.exists,
		Mtime:       tb.mtime,
		Description: tb.description,
		Expires:     tb.expires,
	}, nil
}

func (c *Client) DeleteTable(ctx context.Context, dataset, t string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Tables, key(dataset, t))
	return nil
}

func (c *Client) UpdateTable(ctx context.Context, dataset, t string, description string, expires time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tb := c.ensureTable(dataset, t)
	tb.description = description
	if !expires.IsZero() {
		tb.expires = expires
	}
	return nil
}

func (c *Client) ensureTable(dataset, t string) *table {
	k := key(dataset, t)
	tb, ok := c.Tables[k]
	if !ok {
		tb = &table{}
		c.Tables[k] = tb
	}
	return tb
}

func (c *Client) CreateView(ctx context.Context, dataset, t, query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return err
	}
	tb := c.ensureTable(dataset, t)
	tb.exists = true
	tb.mtime = time.Now()
	return nil
}

func (c *Client) SubmitQueryJob(ctx context.Context, dataset, t, query string) (warehouse.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	tb := c.ensureTable(dataset, t)
	tb.exists = true
	tb.mtime = time.Now()
	return c.newJob(), nil
}

func (c *Client) SubmitLoadFromFile(ctx context.Context, dataset, t, dataFile string, schema warehouse.Schema, opts warehouse.LoadOptions) (warehouse.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	tb := c.ensureTable(dataset, t)
	tb.exists = true
	tb.mtime = time.Now()
	return c.newJob(), nil
}

func (c *Client) SubmitLoadFromURIs(ctx context.Context, dataset, t string, uris []string, schema warehouse.Schema, opts warehouse.LoadOptions) (warehouse.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	tb := c.ensureTable(dataset, t)
	tb.exists = true
	tb.mtime = time.Now()
	return c.newJob(), nil
}

func (c *Client) CreateExternalTable(ctx context.Context, dataset, t string, config map[string]interface{}, schema warehouse.Schema, autodetect bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return err
	}
	tb := c.ensureTable(dataset, t)
	tb.exists = true
	tb.mtime = time.Now()
	return nil
}

func (c *Client) SubmitExtractJob(ctx context.Context, dataset, t string, destURIs []string) (warehouse.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls++
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	return c.newJob(), nil
}

func (c *Client) ListJobs(ctx context.Context, state warehouse.JobState) ([]warehouse.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []warehouse.Job
	for _, j := range c.Jobs {
		running := j.running
		if (state == warehouse.JobRunning) == running {
			out = append(out, j)
		}
	}
	return out, nil
}

// SetTable seeds table state directly, for test setup (e.g. asserting
// idempotence against a pre-existing description hash-tag).
func (c *Client) SetTable(dataset, t string, exists bool, mtime time.Time, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tb := c.ensureTable(dataset, t)
	tb.exists = exists
	tb.mtime = mtime
	tb.description = description
}

var _ warehouse.Client = (*Client)(nil)
