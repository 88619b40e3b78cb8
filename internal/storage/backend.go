// Package storage defines the storage backend contract and its two
// implementations: a filesystem backend backed by extended attributes for
// metadata, and an S3-compatible backend that proxies to an upstream
// bucket. The engine never touches files or HTTP requests directly; it
// only calls through this interface.
package storage

import (
	"context"
	"io"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
)

// ObjectEntry pairs a user-visible key with its stored metadata, as
// produced by a deltaspace-wide bulk listing.
type ObjectEntry struct {
	Key      string
	Metadata domain.FileMetadata
}

// Backend persists reference baselines, deltas, and passthrough objects,
// plus the bucket- and deltaspace-level structure above them. Every method
// is safe for concurrent use; callers serialize mutations to a single
// deltaspace themselves (see internal/engine) rather than relying on the
// backend for that.
//
// NotFound, BucketNotFound, BucketNotEmpty, AlreadyExists, TooLarge, and
// DiskFull conditions are reported as internal/errors sentinel errors
// wrapped with fmt.Errorf("%w", ...); callers use errors.Is to test for
// them. Anything else is an opaque I/O failure.
type Backend interface {
	// Bucket operations.
	CreateBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	ListBuckets(ctx context.Context) ([]string, error)
	HeadBucket(ctx context.Context, bucket string) (bool, error)

	// Reference operations. A deltaspace has at most one reference; it is
	// the baseline every delta in that deltaspace is computed against.
	PutReference(ctx context.Context, bucket, prefix string, data []byte, metadata domain.FileMetadata) error
	PutReferenceMetadata(ctx context.Context, bucket, prefix string, metadata domain.FileMetadata) error
	GetReference(ctx context.Context, bucket, prefix string) ([]byte, error)
	GetReferenceMetadata(ctx context.Context, bucket, prefix string) (domain.FileMetadata, error)
	HasReference(ctx context.Context, bucket, prefix string) bool
	DeleteReference(ctx context.Context, bucket, prefix string) error

	// Delta operations.
	PutDelta(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error
	GetDelta(ctx context.Context, bucket, prefix, filename string) ([]byte, error)
	GetDeltaMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error)
	DeleteDelta(ctx context.Context, bucket, prefix, filename string) error

	// Passthrough operations: objects the router decided are not worth
	// delta-encoding, stored verbatim under their own name.
	PutPassthrough(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error
	GetPassthrough(ctx context.Context, bucket, prefix, filename string) ([]byte, error)
	GetPassthroughMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error)
	DeletePassthrough(ctx context.Context, bucket, prefix, filename string) error

	// PutPassthroughChunked streams r to storage without ever holding the
	// whole object in memory, for pre-chunked (multipart-assembled or
	// aws-chunked) uploads the engine has already hashed incrementally.
	PutPassthroughChunked(ctx context.Context, bucket, prefix, filename string, r io.Reader, metadata domain.FileMetadata) error

	// GetPassthroughStream opens a passthrough object for constant-memory
	// streaming. The caller must close the returned ReadCloser.
	GetPassthroughStream(ctx context.Context, bucket, prefix, filename string) (io.ReadCloser, error)

	// PutDirectoryMarker records a zero-byte "directory" placeholder, the
	// S3 convention for a key ending in '/' with no content.
	PutDirectoryMarker(ctx context.Context, bucket, prefix string) error

	// Scanning operations.
	ScanDeltaspace(ctx context.Context, bucket, prefix string) ([]domain.FileMetadata, error)
	ListDeltaspaces(ctx context.Context, bucket string) ([]string, error)
	BulkListObjects(ctx context.Context, bucket, prefix string) ([]ObjectEntry, error)
	TotalSize(ctx context.Context, bucket string) (uint64, error)
}
