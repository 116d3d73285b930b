// Package gcs implements objectstore.Client against Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/sharethis/bqreconcile/internal/objectstore"
)

// Client wraps a *storage.Client to satisfy objectstore.Client.
type Client struct {
	gcs *storage.Client
}

// New dials a GCS client using application-default credentials, the way
// the teacher's adapters are constructed once per process and shared
// across artifacts (spec.md §9 "Ownership of artifacts").
func New(ctx context.Context) (*Client, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &Client{gcs: c}, nil
}

// splitURI splits a "gs://bucket/key" URI into its parts.
func splitURI(uri string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return parts[0], parts[1], nil
}

func (c *Client) BlobExists(ctx context.Context, uri string) (bool, error) {
	bucket, object, err := splitURI(uri)
	if err != nil {
		return false, err
	}
	_, err = c.gcs.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blob %q: %w", uri, err)
	}
	return true, nil
}

func (c *Client) BlobMtime(ctx context.Context, uri string) (time.Time, error) {
	bucket, object, err := splitURI(uri)
	if err != nil {
		return time.Time{}, err
	}
	attrs, err := c.gcs.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("statting blob %q: %w", uri, err)
	}
	return attrs.Updated, nil
}

func (c *Client) ListByPrefix(ctx context.Context, prefix, suffix string) ([]string, error) {
	bucket, objPrefix, err := splitURI(prefix)
	if err != nil {
		return nil, err
	}

	it := c.gcs.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: objPrefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s*: %w", bucket, objPrefix, err)
		}
		if suffix != "" && !strings.HasSuffix(attrs.Name, suffix) {
			continue
		}
		out = append(out, fmt.Sprintf("gs://%s/%s", bucket, attrs.Name))
	}
	return out, nil
}

func (c *Client) Upload(ctx context.Context, uri string, data []byte) error {
	bucket, object, err := splitURI(uri)
	if err != nil {
		return err
	}
	w := c.gcs.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, strings.NewReader(string(data))); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading %q: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing upload of %q: %w", uri, err)
	}
	return nil
}

var _ objectstore.Client = (*Client)(nil)
