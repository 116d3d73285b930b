// Package objectstore defines the adapter contract the reconciliation core
// consumes from cloud object storage (spec.md §4.5).
package objectstore

import (
	"context"
	"time"
)

// Client is the object-store adapter contract: blob existence, listing,
// and upload.
type Client interface {
	// BlobExists reports whether the object named by uri (a "gs://..."
	// URI) exists.
	BlobExists(ctx context.Context, uri string) (bool, error)

	// BlobMtime returns the last-modified time of the object named by
	// uri, or the zero Time if it does not exist. Extract artifacts have
	// no remote table of their own; their mtime derives from the newest
	// object among their destination URIs (spec.md §9 Open Questions),
	// which needs this beyond the plain existence check.
	BlobMtime(ctx context.Context, uri string) (time.Time, error)

	// ListByPrefix lists blobs under prefix. If suffix is non-empty, only
	// blobs whose key ends with suffix are returned — the single
	// "*"-suffix filter named in spec.md §4.5.
	ListByPrefix(ctx context.Context, prefix, suffix string) ([]string, error)

	// Upload writes data to uri, creating or replacing the object.
	Upload(ctx context.Context, uri string, data []byte) error
}
