package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/uid"
)

const referenceFilename = "reference.bin"

// FilesystemBackend stores every deltaspace as a real directory under root:
//
//	{root}/{bucket}/deltaspaces/{prefix}/
//	  reference.bin   reference baseline, metadata in a xattr
//	  {name}.delta    delta-encoded object, metadata in a xattr
//	  {name}          passthrough object under its original name, metadata in a xattr
//
// Each bucket is a real subdirectory of root; there is no separate bucket
// index.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates a backend rooted at dir, validating that the
// underlying filesystem supports the extended attributes object metadata
// is stored in.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", dir, err)
	}
	if err := validateXattrSupport(dir); err != nil {
		return nil, err
	}
	return &FilesystemBackend{root: dir}, nil
}

func (b *FilesystemBackend) bucketDir(bucket string) string {
	return filepath.Join(b.root, bucket)
}

func (b *FilesystemBackend) deltaspacesDir(bucket string) string {
	return filepath.Join(b.bucketDir(bucket), "deltaspaces")
}

func (b *FilesystemBackend) deltaspaceDir(bucket, prefix string) string {
	if prefix == "" {
		return b.deltaspacesDir(bucket)
	}
	return filepath.Join(b.deltaspacesDir(bucket), prefix)
}

func (b *FilesystemBackend) referencePath(bucket, prefix string) string {
	return filepath.Join(b.deltaspaceDir(bucket, prefix), referenceFilename)
}

func (b *FilesystemBackend) deltaPath(bucket, prefix, filename string) string {
	return filepath.Join(b.deltaspaceDir(bucket, prefix), filename+".delta")
}

func (b *FilesystemBackend) passthroughPath(bucket, prefix, filename string) string {
	return filepath.Join(b.deltaspaceDir(bucket, prefix), filename)
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// atomicWrite writes data to path using the crash-only write-temp, fsync,
// rename pattern: a reader never observes a partially written file.
func atomicWrite(path string, data []byte) error {
	if err := ensureParentDir(path); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dg-tmp-*")
	if err != nil {
		return toDiskError(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	return nil
}

// atomicWriteStream is atomicWrite for an io.Reader of unknown size, so a
// large pre-chunked upload is never fully buffered in memory.
func atomicWriteStream(path string, r io.Reader) error {
	if err := ensureParentDir(path); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dg-tmp-*")
	if err != nil {
		return toDiskError(err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return toDiskError(err)
	}
	return nil
}

func toDiskError(err error) error {
	var perr *os.PathError
	if errors.As(err, &perr) {
		if errno, ok := perr.Err.(syscall.Errno); ok && errno == syscall.ENOSPC {
			return fmt.Errorf("%w", dgerrors.ErrDiskFull)
		}
	}
	return err
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// === Bucket operations ===

func (b *FilesystemBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(b.bucketDir(bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket %q: %w", bucket, err)
	}
	return nil
}

func (b *FilesystemBackend) DeleteBucket(ctx context.Context, bucket string) error {
	dir := b.bucketDir(bucket)
	if !pathExists(dir) {
		return fmt.Errorf("bucket %q: %w", bucket, dgerrors.ErrBucketNotFound)
	}
	if entries, err := os.ReadDir(b.deltaspacesDir(bucket)); err == nil && len(entries) > 0 {
		return fmt.Errorf("bucket %q: %w", bucket, dgerrors.ErrBucketNotEmpty)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", bucket, err)
	}
	return nil
}

func (b *FilesystemBackend) ListBuckets(ctx context.Context) ([]string, error) {
	if !pathExists(b.root) {
		return nil, nil
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	var buckets []string
	for _, e := range entries {
		if e.IsDir() {
			buckets = append(buckets, e.Name())
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}

func (b *FilesystemBackend) HeadBucket(ctx context.Context, bucket string) (bool, error) {
	return isDir(b.bucketDir(bucket)), nil
}

// === Reference operations ===

func (b *FilesystemBackend) GetReference(ctx context.Context, bucket, prefix string) ([]byte, error) {
	path := b.referencePath(bucket, prefix)
	if !pathExists(path) {
		return nil, fmt.Errorf("reference for %s/%s: %w", bucket, prefix, dgerrors.ErrNotFound)
	}
	return os.ReadFile(path)
}

func (b *FilesystemBackend) PutReference(ctx context.Context, bucket, prefix string, data []byte, metadata domain.FileMetadata) error {
	path := b.referencePath(bucket, prefix)
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("writing reference for %s/%s: %w", bucket, prefix, err)
	}
	if err := writeXattrMetadata(path, metadata); err != nil {
		return fmt.Errorf("writing reference metadata for %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

func (b *FilesystemBackend) PutReferenceMetadata(ctx context.Context, bucket, prefix string, metadata domain.FileMetadata) error {
	return writeXattrMetadata(b.referencePath(bucket, prefix), metadata)
}

func (b *FilesystemBackend) GetReferenceMetadata(ctx context.Context, bucket, prefix string) (domain.FileMetadata, error) {
	return readXattrMetadata(b.referencePath(bucket, prefix))
}

func (b *FilesystemBackend) HasReference(ctx context.Context, bucket, prefix string) bool {
	return pathExists(b.referencePath(bucket, prefix))
}

func (b *FilesystemBackend) DeleteReference(ctx context.Context, bucket, prefix string) error {
	path := b.referencePath(bucket, prefix)
	if !pathExists(path) {
		return fmt.Errorf("reference for %s/%s: %w", bucket, prefix, dgerrors.ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting reference for %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

// === Shared data-file helpers, eliminating delta/passthrough duplication ===

func (b *FilesystemBackend) getObjectFile(path, label string) ([]byte, error) {
	if !pathExists(path) {
		return nil, fmt.Errorf("%s: %w", label, dgerrors.ErrNotFound)
	}
	return os.ReadFile(path)
}

func (b *FilesystemBackend) putObjectFile(path string, data []byte, metadata domain.FileMetadata) error {
	if err := atomicWrite(path, data); err != nil {
		return err
	}
	return writeXattrMetadata(path, metadata)
}

func (b *FilesystemBackend) deleteObjectFile(path, label string) error {
	if !pathExists(path) {
		return fmt.Errorf("%s: %w", label, dgerrors.ErrNotFound)
	}
	return os.Remove(path)
}

// === Delta operations ===

func (b *FilesystemBackend) GetDelta(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return b.getObjectFile(b.deltaPath(bucket, prefix, filename), fmt.Sprintf("delta %s/%s/%s", bucket, prefix, filename))
}

func (b *FilesystemBackend) PutDelta(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error {
	return b.putObjectFile(b.deltaPath(bucket, prefix, filename), data, metadata)
}

func (b *FilesystemBackend) GetDeltaMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error) {
	return readXattrMetadata(b.deltaPath(bucket, prefix, filename))
}

func (b *FilesystemBackend) DeleteDelta(ctx context.Context, bucket, prefix, filename string) error {
	return b.deleteObjectFile(b.deltaPath(bucket, prefix, filename), fmt.Sprintf("delta %s/%s/%s", bucket, prefix, filename))
}

// === Passthrough operations ===

func (b *FilesystemBackend) GetPassthrough(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return b.getObjectFile(b.passthroughPath(bucket, prefix, filename), fmt.Sprintf("passthrough %s/%s/%s", bucket, prefix, filename))
}

func (b *FilesystemBackend) PutPassthrough(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error {
	return b.putObjectFile(b.passthroughPath(bucket, prefix, filename), data, metadata)
}

func (b *FilesystemBackend) GetPassthroughMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error) {
	return readXattrMetadata(b.passthroughPath(bucket, prefix, filename))
}

func (b *FilesystemBackend) DeletePassthrough(ctx context.Context, bucket, prefix, filename string) error {
	return b.deleteObjectFile(b.passthroughPath(bucket, prefix, filename), fmt.Sprintf("passthrough %s/%s/%s", bucket, prefix, filename))
}

func (b *FilesystemBackend) PutPassthroughChunked(ctx context.Context, bucket, prefix, filename string, r io.Reader, metadata domain.FileMetadata) error {
	path := b.passthroughPath(bucket, prefix, filename)
	if err := atomicWriteStream(path, r); err != nil {
		return fmt.Errorf("streaming passthrough write for %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return writeXattrMetadata(path, metadata)
}

func (b *FilesystemBackend) GetPassthroughStream(ctx context.Context, bucket, prefix, filename string) (io.ReadCloser, error) {
	path := b.passthroughPath(bucket, prefix, filename)
	if !pathExists(path) {
		return nil, fmt.Errorf("passthrough %s/%s/%s: %w", bucket, prefix, filename, dgerrors.ErrNotFound)
	}
	return os.Open(path)
}

func (b *FilesystemBackend) PutDirectoryMarker(ctx context.Context, bucket, prefix string) error {
	markerName := uid.New() + ".dirmarker"
	path := filepath.Join(b.deltaspaceDir(bucket, prefix), markerName)
	// Listings build a key as "{prefix}/{OriginalName}" from the directory
	// the marker sits in, so only a bucket-root marker carries a name.
	name := "/"
	if strings.TrimSuffix(prefix, "/") != "" {
		name = ""
	}
	metadata := domain.NewPassthroughMetadata(name, "", "d41d8cd98f00b204e9800998ecf8427e", 0, "", nil)
	return b.putObjectFile(path, nil, metadata)
}

// === Scanning operations ===

func (b *FilesystemBackend) ScanDeltaspace(ctx context.Context, bucket, prefix string) ([]domain.FileMetadata, error) {
	dir := b.deltaspaceDir(bucket, prefix)
	if !pathExists(dir) {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning deltaspace %s/%s: %w", bucket, prefix, err)
	}

	var out []domain.FileMetadata
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		isDataFile := name == referenceFilename || strings.HasSuffix(name, ".delta") || !strings.HasPrefix(name, ".")
		if !isDataFile {
			continue
		}
		meta, err := readXattrMetadata(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (b *FilesystemBackend) ListDeltaspaces(ctx context.Context, bucket string) ([]string, error) {
	deltaspacesDir := b.deltaspacesDir(bucket)
	if !pathExists(deltaspacesDir) {
		return nil, nil
	}
	prefixes := make(map[string]struct{})
	if err := findDeltaspacesRecursive(deltaspacesDir, deltaspacesDir, prefixes); err != nil {
		return nil, fmt.Errorf("listing deltaspaces for bucket %q: %w", bucket, err)
	}
	out := make([]string, 0, len(prefixes))
	for p := range prefixes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func findDeltaspacesRecursive(baseDir, currentDir string, prefixes map[string]struct{}) error {
	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return err
	}
	hasDataFiles := false
	for _, entry := range entries {
		path := filepath.Join(currentDir, entry.Name())
		if entry.IsDir() {
			if err := findDeltaspacesRecursive(baseDir, path, prefixes); err != nil {
				return err
			}
			continue
		}
		name := entry.Name()
		if name == referenceFilename || strings.HasSuffix(name, ".delta") || !strings.HasPrefix(name, ".") {
			hasDataFiles = true
		}
	}
	if hasDataFiles {
		if rel, err := filepath.Rel(baseDir, currentDir); err == nil {
			if rel == "." {
				rel = ""
			}
			prefixes[rel] = struct{}{}
		}
	}
	return nil
}

func (b *FilesystemBackend) BulkListObjects(ctx context.Context, bucket, prefix string) ([]ObjectEntry, error) {
	deltaspacesDir := b.deltaspacesDir(bucket)
	walkRoot := deltaspacesDir
	if prefix != "" {
		walkRoot = filepath.Join(deltaspacesDir, prefix)
	}
	if !pathExists(walkRoot) {
		return nil, nil
	}

	var results []ObjectEntry
	if err := bulkWalkRecursive(deltaspacesDir, walkRoot, &results); err != nil {
		return nil, fmt.Errorf("bulk listing %s/%s: %w", bucket, prefix, err)
	}
	return results, nil
}

func bulkWalkRecursive(deltaspacesDir, currentDir string, results *[]ObjectEntry) error {
	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(currentDir, entry.Name())
		if entry.IsDir() {
			if err := bulkWalkRecursive(deltaspacesDir, path, results); err != nil {
				return err
			}
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == referenceFilename {
			continue
		}
		meta, err := readXattrMetadata(path)
		if err != nil {
			continue
		}
		if meta.IsReference() {
			continue
		}
		relDir, err := filepath.Rel(deltaspacesDir, currentDir)
		if err != nil || relDir == "." {
			relDir = ""
		}
		userKey := meta.OriginalName
		if relDir != "" {
			userKey = relDir + "/" + meta.OriginalName
		}
		*results = append(*results, ObjectEntry{Key: userKey, Metadata: meta})
	}
	return nil
}

func (b *FilesystemBackend) TotalSize(ctx context.Context, bucket string) (uint64, error) {
	dir := b.root
	if bucket != "" {
		dir = b.bucketDir(bucket)
	}
	return dirSize(dir)
}

func dirSize(path string) (uint64, error) {
	if !isDir(path) {
		return 0, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			sub, err := dirSize(full)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += uint64(info.Size())
	}
	return total, nil
}

// CleanTempFiles removes orphaned ".dg-tmp-*" scratch files left behind by
// atomicWrite/atomicWriteStream when the process was killed between the
// write and the rename. Safe to call on every startup: a crash-only
// recovery step, not a correctness requirement, since a reader never sees
// a temp file under its final name.
func (b *FilesystemBackend) CleanTempFiles() error {
	return filepath.Walk(b.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".dg-tmp-") {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
		}
		return nil
	})
}

var _ Backend = (*FilesystemBackend)(nil)
