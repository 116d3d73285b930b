// Package fake provides an in-memory objectstore.Client for tests.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sharethis/bqreconcile/internal/objectstore"
)

type object struct {
	data  []byte
	mtime time.Time
}

// Client is a fully in-process object store, safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	Objects map[string]*object

	// Clock lets tests pin the mtime assigned to puts/uploads; defaults
	// to time.Now.
	Clock func() time.Time
}

// New creates an empty fake object store.
func New() *Client {
	return &Client{Objects: make(map[string]*object), Clock: time.Now}
}

// Put seeds an object directly, for test setup.
func (c *Client) Put(uri string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Objects[uri] = &object{data: data, mtime: c.Clock()}
}

// PutAt seeds an object with an explicit mtime, for dep-mtime propagation
// tests.
func (c *Client) PutAt(uri string, data []byte, mtime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Objects[uri] = &object{data: data, mtime: mtime}
}

func (c *Client) BlobExists(ctx context.Context, uri string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Objects[uri]
	return ok, nil
}

func (c *Client) BlobMtime(ctx context.Context, uri string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.Objects[uri]
	if !ok {
		return time.Time{}, nil
	}
	return obj.mtime, nil
}

func (c *Client) ListByPrefix(ctx context.Context, prefix, suffix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for uri := range c.Objects {
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		if suffix != "" && !strings.HasSuffix(uri, suffix) {
			continue
		}
		out = append(out, uri)
	}
	return out, nil
}

func (c *Client) Upload(ctx context.Context, uri string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Objects[uri] = &object{data: data, mtime: c.Clock()}
	return nil
}

var _ objectstore.Client = (*Client)(nil)
