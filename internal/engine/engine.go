// Package engine is the core orchestrator: it decides, per PUT, whether an
// object is stored verbatim, promoted to a deltaspace reference, or encoded
// as a delta against the reference, and reverses that decision on GET. It
// is the only component that understands the reference/delta/passthrough
// distinction; everything below it (storage, cache, codec) is a dumb,
// reusable primitive.
package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/beshu-tech/deltaglider-proxy/internal/codec"
	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/metrics"
	"github.com/beshu-tech/deltaglider-proxy/internal/refcache"
	"github.com/beshu-tech/deltaglider-proxy/internal/router"
	"github.com/beshu-tech/deltaglider-proxy/internal/storage"
)

// internalReferenceName is the sentinel OriginalName a reference carries
// once it has been (re)written in the current format: a reference whose
// OriginalName is still a real filename is a pre-migration baseline that
// was itself the first addressable object in its deltaspace.
const internalReferenceName = "__reference__"

// prefixLockCleanupThreshold is the map size at which Delete attempts to
// prune idle per-deltaspace lock entries.
const prefixLockCleanupThreshold = 1024

// Config configures an Engine's resource limits and behavior.
type Config struct {
	// MaxDeltaRatio is the worst delta/original ratio tolerated when a
	// deltaspace is being seeded; at or above this, the first file falls
	// back to passthrough storage instead of committing the deltaspace.
	MaxDeltaRatio float64
	// MaxObjectSize is the largest object (or assembled multipart upload)
	// accepted, in bytes.
	MaxObjectSize uint64
	// CacheSizeMB bounds the reference cache's total weighted size.
	CacheSizeMB int
	// VerifyOnRead recomputes and checks the SHA-256 of every
	// delta-reconstructed GET against its stored metadata.
	VerifyOnRead bool
	// CodecConcurrency bounds concurrent encode/decode operations. Zero
	// defaults to the number of CPUs.
	CodecConcurrency int
	// CodecTempDir is passed through to the codec for scratch files.
	CodecTempDir string
}

// RetrieveResult is returned by RetrieveStream: either a constant-memory
// stream (passthrough objects) or an already-reconstructed buffer (delta
// and reference objects, which xdelta3 requires fully in memory).
type RetrieveResult struct {
	Stream   io.ReadCloser
	Data     []byte
	Metadata domain.FileMetadata
}

// Streamed reports whether the result carries an open Stream rather than
// a buffered Data slice.
func (r *RetrieveResult) Streamed() bool { return r.Stream != nil }

// ListEntry is one row of a ListObjectsV2Page: a fully-qualified key (no
// bucket, no deltaspace-internal structure) paired with its metadata.
type ListEntry struct {
	Key      string
	Metadata domain.FileMetadata
}

// ListObjectsV2Page is one page of a deltaspace-spanning listing, already
// delimiter-collapsed: Objects and CommonPrefixes together are the presented
// entries counted toward max_keys, not a pre-collapse raw-key page.
type ListObjectsV2Page struct {
	Objects               []ListEntry
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

type lockEntry struct {
	mu       sync.Mutex
	refcount int32
}

// Engine is the core orchestrator. It holds the storage backend, the
// delta codec, the file router, the reference cache, a bounded semaphore
// capping concurrent codec operations, and a map from deltaspace id to
// its serializing lock.
type Engine struct {
	backend storage.Backend
	codec   *codec.Codec
	router  *router.FileRouter
	cache   *refcache.Cache

	maxDeltaRatio float64
	maxObjectSize uint64
	verifyOnRead  bool

	codecSem *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[string]*lockEntry
}

// New constructs an Engine over backend. cfg.CodecConcurrency <= 0 defaults
// to runtime.NumCPU().
func New(backend storage.Backend, cfg Config) (*Engine, error) {
	cache, err := refcache.New(cfg.CacheSizeMB)
	if err != nil {
		return nil, fmt.Errorf("constructing reference cache: %w", err)
	}

	concurrency := cfg.CodecConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	return &Engine{
		backend:       backend,
		codec:         codec.New(int64(cfg.MaxObjectSize), cfg.CodecTempDir),
		router:        router.New(),
		cache:         cache,
		maxDeltaRatio: cfg.MaxDeltaRatio,
		maxObjectSize: cfg.MaxObjectSize,
		verifyOnRead:  cfg.VerifyOnRead,
		codecSem:      semaphore.NewWeighted(int64(concurrency)),
		locks:         make(map[string]*lockEntry),
	}, nil
}

// MaxObjectSize returns the configured maximum object size in bytes.
func (e *Engine) MaxObjectSize() uint64 { return e.maxObjectSize }

// IsDeltaEligible reports whether key's filename qualifies for delta
// compression, ignoring its deltaspace.
func (e *Engine) IsDeltaEligible(key string) bool {
	k := domain.ParseObjectKey("_", key)
	return e.router.IsDeltaEligible(k.Filename)
}

func cacheKey(bucket, prefix string) string { return bucket + "/" + prefix }

// acquirePrefixLock acquires the serializing lock for (bucket, prefix),
// blocking until it is held, and returns a release function. Different
// deltaspaces never contend with each other.
func (e *Engine) acquirePrefixLock(bucket, prefix string) func() {
	key := cacheKey(bucket, prefix)

	e.locksMu.Lock()
	entry, ok := e.locks[key]
	if !ok {
		entry = &lockEntry{}
		e.locks[key] = entry
	}
	atomic.AddInt32(&entry.refcount, 1)
	e.locksMu.Unlock()

	waitStart := time.Now()
	entry.mu.Lock()
	metrics.PrefixLockWaitDuration.Observe(time.Since(waitStart).Seconds())
	return func() {
		entry.mu.Unlock()
		atomic.AddInt32(&entry.refcount, -1)
	}
}

// cleanupPrefixLocks prunes lock entries whose refcount has dropped to
// zero once the map has grown past prefixLockCleanupThreshold, avoiding
// unbounded growth under a long-running process that touches many
// distinct deltaspaces.
func (e *Engine) cleanupPrefixLocks() {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	if len(e.locks) <= prefixLockCleanupThreshold {
		return
	}
	before := len(e.locks)
	for key, entry := range e.locks {
		if atomic.LoadInt32(&entry.refcount) == 0 {
			delete(e.locks, key)
		}
	}
	if removed := before - len(e.locks); removed > 0 {
		slog.Debug("pruned idle prefix locks", "removed", removed, "remaining", len(e.locks))
	}
}

// getReferenceCached returns the deltaspace's reference bytes, populating
// the cache from the backend on a miss.
func (e *Engine) getReferenceCached(ctx context.Context, bucket, prefix string) ([]byte, error) {
	key := cacheKey(bucket, prefix)
	if data, ok := e.cache.Get(key); ok {
		return data, nil
	}

	data, err := e.backend.GetReference(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("loading reference for %s: %w", key, err)
	}
	e.cache.Put(key, data)
	return data, nil
}

func (e *Engine) acquireCodecPermit(ctx context.Context) error {
	return e.codecSem.Acquire(ctx, 1)
}

func (e *Engine) releaseCodecPermit() {
	e.codecSem.Release(1)
}

// deleteDeltaIfExists deletes a delta object, treating NotFound as success.
func (e *Engine) deleteDeltaIfExists(ctx context.Context, bucket, prefix, filename string) error {
	err := e.backend.DeleteDelta(ctx, bucket, prefix, filename)
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}

// deletePassthroughIfExists deletes a passthrough object, treating
// NotFound as success.
func (e *Engine) deletePassthroughIfExists(ctx context.Context, bucket, prefix, filename string) error {
	err := e.backend.DeletePassthrough(ctx, bucket, prefix, filename)
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, dgerrors.ErrNotFound)
}

// Store is the engine's PUT path: it chooses between passthrough storage
// and delta-against-reference storage, possibly seeding a new deltaspace
// reference along the way.
func (e *Engine) Store(ctx context.Context, bucket, key string, data []byte, contentType string, userMetadata map[string]string) (domain.StoreResult, error) {
	if uint64(len(data)) > e.maxObjectSize {
		return domain.StoreResult{}, fmt.Errorf("object is %d bytes (max %d): %w", len(data), e.maxObjectSize, dgerrors.ErrTooLarge)
	}

	objKey := domain.ParseObjectKey(bucket, key)
	if err := objKey.ValidateObject(); err != nil {
		return domain.StoreResult{}, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	prefix := objKey.DeltaspaceID()

	sha256Hex := hashHex(sha256.New(), data)
	md5Hex := hashHex(md5.New(), data)

	slog.Info("storing object", "bucket", bucket, "key", key, "size", len(data), "sha256", sha256Hex[:8])

	if !e.router.IsDeltaEligible(objKey.Filename) {
		release := e.acquirePrefixLock(bucket, prefix)
		defer release()
		if err := e.deleteDeltaIfExists(ctx, bucket, prefix, objKey.Filename); err != nil {
			return domain.StoreResult{}, err
		}
		return e.storePassthrough(ctx, bucket, objKey, prefix, data, sha256Hex, md5Hex, contentType, userMetadata)
	}

	release := e.acquirePrefixLock(bucket, prefix)
	defer release()

	hadReference := e.backend.HasReference(ctx, bucket, prefix)

	var refMeta domain.FileMetadata
	if hadReference {
		var err error
		refMeta, err = e.backend.GetReferenceMetadata(ctx, bucket, prefix)
		if err != nil {
			return domain.StoreResult{}, fmt.Errorf("loading reference metadata for %s/%s: %w", bucket, prefix, err)
		}
	} else {
		var err error
		refMeta, err = e.installReferenceBaseline(ctx, bucket, objKey, prefix, data, sha256Hex, md5Hex, contentType)
		if err != nil {
			return domain.StoreResult{}, err
		}
	}

	reference, err := e.getReferenceCached(ctx, bucket, prefix)
	if err != nil {
		return domain.StoreResult{}, err
	}

	if err := e.acquireCodecPermit(ctx); err != nil {
		return domain.StoreResult{}, fmt.Errorf("acquiring codec permit: %w", err)
	}
	encodeStart := time.Now()
	delta, err := e.codec.Encode(ctx, reference, data)
	metrics.CodecDuration.WithLabelValues("encode").Observe(time.Since(encodeStart).Seconds())
	e.releaseCodecPermit()
	if err != nil {
		return domain.StoreResult{}, fmt.Errorf("encoding delta for %s: %w", objKey, err)
	}
	ratio := codec.CompressionRatio(int64(len(data)), int64(len(delta)))
	metrics.CompressionRatio.Observe(ratio)

	slog.Debug("delta computed", "original_size", len(data), "delta_size", len(delta), "ratio", ratio)

	// Only apply the ratio threshold when seeding a brand new deltaspace.
	// Once a reference exists, every subsequent delta-eligible PUT is
	// stored as a delta regardless of ratio: the deltaspace has already
	// committed to the reference's storage cost.
	if !hadReference && ratio >= e.maxDeltaRatio {
		e.cache.Invalidate(cacheKey(bucket, prefix))
		if err := e.backend.DeleteReference(ctx, bucket, prefix); err != nil {
			return domain.StoreResult{}, fmt.Errorf("rolling back seeded reference for %s/%s: %w", bucket, prefix, err)
		}
		if err := e.deleteDeltaIfExists(ctx, bucket, prefix, objKey.Filename); err != nil {
			return domain.StoreResult{}, err
		}
		return e.storePassthrough(ctx, bucket, objKey, prefix, data, sha256Hex, md5Hex, contentType, userMetadata)
	}

	metadata := domain.NewDeltaMetadata(
		objKey.Filename, sha256Hex, md5Hex, uint64(len(data)),
		prefix+"/reference.bin", refMeta.FileSHA256, uint64(len(delta)),
		contentType, userMetadata,
	)

	if err := e.deletePassthroughIfExists(ctx, bucket, prefix, objKey.Filename); err != nil {
		return domain.StoreResult{}, err
	}
	if err := e.backend.PutDelta(ctx, bucket, prefix, objKey.Filename, delta, metadata); err != nil {
		return domain.StoreResult{}, fmt.Errorf("storing delta for %s: %w", objKey, err)
	}

	return domain.StoreResult{Metadata: metadata, StoredSize: uint64(len(delta))}, nil
}

func (e *Engine) installReferenceBaseline(ctx context.Context, bucket string, objKey domain.ObjectKey, prefix string, data []byte, sha256Hex, md5Hex, contentType string) (domain.FileMetadata, error) {
	metadata := domain.NewReferenceMetadata(internalReferenceName, objKey.FullKey(), sha256Hex, md5Hex, uint64(len(data)), contentType, nil)
	if err := e.backend.PutReference(ctx, bucket, prefix, data, metadata); err != nil {
		return domain.FileMetadata{}, fmt.Errorf("installing reference baseline for %s/%s: %w", bucket, prefix, err)
	}
	e.cache.Put(cacheKey(bucket, prefix), data)
	return metadata, nil
}

// StoreDirectoryMarker records a zero-byte "folder" placeholder for a key
// ending in '/'. Directory markers are never delta-encoded and are not
// resolved by a direct GET/HEAD of the key itself. On the filesystem backend
// they appear in listings; the S3 backend stores them under the literal
// "{bucket}/{prefix}/" key, which ScanDeltaspace skips, so there they do not
// appear in listings either.
func (e *Engine) StoreDirectoryMarker(ctx context.Context, bucket, key string) (domain.StoreResult, error) {
	prefix := strings.TrimSuffix(key, "/")
	if err := domain.ValidatePrefix(prefix); err != nil {
		return domain.StoreResult{}, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	if err := e.backend.PutDirectoryMarker(ctx, bucket, prefix); err != nil {
		return domain.StoreResult{}, fmt.Errorf("storing directory marker %s/%s: %w", bucket, key, err)
	}
	return domain.StoreResult{Metadata: domain.NewDirectoryMetadata(key, "")}, nil
}

func (e *Engine) storePassthrough(ctx context.Context, bucket string, objKey domain.ObjectKey, prefix string, data []byte, sha256Hex, md5Hex, contentType string, userMetadata map[string]string) (domain.StoreResult, error) {
	metadata := domain.NewPassthroughMetadata(objKey.Filename, sha256Hex, md5Hex, uint64(len(data)), contentType, userMetadata)
	if err := e.backend.PutPassthrough(ctx, bucket, prefix, objKey.Filename, data, metadata); err != nil {
		return domain.StoreResult{}, fmt.Errorf("storing passthrough object %s: %w", objKey, err)
	}
	return domain.StoreResult{Metadata: metadata, StoredSize: uint64(len(data))}, nil
}

// StorePassthroughChunked stores a non-delta-eligible object from an
// ordered list of already-uploaded chunks without ever concatenating them
// into one buffer. SHA-256 and MD5 are computed incrementally across the
// chunk list.
func (e *Engine) StorePassthroughChunked(ctx context.Context, bucket, key string, chunks [][]byte, totalSize uint64, contentType string, userMetadata map[string]string) (domain.StoreResult, error) {
	if totalSize > e.maxObjectSize {
		return domain.StoreResult{}, fmt.Errorf("object is %d bytes (max %d): %w", totalSize, e.maxObjectSize, dgerrors.ErrTooLarge)
	}

	objKey := domain.ParseObjectKey(bucket, key)
	if err := objKey.ValidateObject(); err != nil {
		return domain.StoreResult{}, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	prefix := objKey.DeltaspaceID()

	shaHasher := sha256.New()
	md5Hasher := md5.New()
	for _, chunk := range chunks {
		shaHasher.Write(chunk)
		md5Hasher.Write(chunk)
	}
	sha256Hex := hex.EncodeToString(shaHasher.Sum(nil))
	md5Hex := hex.EncodeToString(md5Hasher.Sum(nil))

	slog.Info("storing chunked object", "bucket", bucket, "key", key, "size", totalSize, "chunks", len(chunks), "sha256", sha256Hex[:8])

	release := e.acquirePrefixLock(bucket, prefix)
	defer release()

	if err := e.deleteDeltaIfExists(ctx, bucket, prefix, objKey.Filename); err != nil {
		return domain.StoreResult{}, err
	}

	metadata := domain.NewPassthroughMetadata(objKey.Filename, sha256Hex, md5Hex, totalSize, contentType, userMetadata)

	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	if err := e.backend.PutPassthroughChunked(ctx, bucket, prefix, objKey.Filename, io.MultiReader(readers...), metadata); err != nil {
		return domain.StoreResult{}, fmt.Errorf("storing chunked passthrough object %s: %w", objKey, err)
	}

	return domain.StoreResult{Metadata: metadata, StoredSize: totalSize}, nil
}

// resolveObjectMetadata checks both the delta and passthrough slots for
// filename, preferring whichever is newer if somehow both exist (a
// crash-recovery overlap window).
func (e *Engine) resolveObjectMetadata(ctx context.Context, bucket, prefix, originalName string) (domain.FileMetadata, bool, error) {
	filename := originalName
	if idx := lastSlash(originalName); idx >= 0 {
		filename = originalName[idx+1:]
	}

	delta, deltaErr := e.backend.GetDeltaMetadata(ctx, bucket, prefix, filename)
	passthrough, passthroughErr := e.backend.GetPassthroughMetadata(ctx, bucket, prefix, filename)

	switch {
	case deltaErr == nil && passthroughErr == nil:
		if !delta.CreatedAt.Before(passthrough.CreatedAt) {
			return delta, true, nil
		}
		return passthrough, true, nil
	case deltaErr == nil:
		return delta, true, nil
	case passthroughErr == nil:
		return passthrough, true, nil
	default:
		return domain.FileMetadata{}, false, nil
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// resolveMetadataWithMigration resolves an object's metadata, attempting a
// one-shot legacy-reference migration if a direct lookup finds nothing.
func (e *Engine) resolveMetadataWithMigration(ctx context.Context, bucket, prefix string, objKey domain.ObjectKey) (domain.FileMetadata, bool, error) {
	meta, found, err := e.resolveObjectMetadata(ctx, bucket, prefix, objKey.FullKey())
	if err != nil || found {
		return meta, found, err
	}

	migrated, err := e.migrateLegacyReferenceIfNeeded(ctx, bucket, prefix, objKey.Filename)
	if err != nil {
		return domain.FileMetadata{}, false, err
	}
	if !migrated {
		return domain.FileMetadata{}, false, nil
	}
	return e.resolveObjectMetadata(ctx, bucket, prefix, objKey.FullKey())
}

// migrateLegacyReferenceIfNeeded detects a reference baseline that predates
// the current format (one whose OriginalName is still a real filename
// rather than the internal sentinel) and, if it matches filename, installs
// it as an addressable zero-diff delta and renames the reference's
// OriginalName to the sentinel. It takes no lock of its own: when reached
// from Delete it runs under that caller's per-deltaspace lock, while Head and
// RetrieveStream reach it without holding any lock.
func (e *Engine) migrateLegacyReferenceIfNeeded(ctx context.Context, bucket, prefix, filename string) (bool, error) {
	if !e.backend.HasReference(ctx, bucket, prefix) {
		return false, nil
	}

	refMeta, err := e.backend.GetReferenceMetadata(ctx, bucket, prefix)
	if err != nil {
		return false, fmt.Errorf("loading reference metadata for migration check on %s/%s: %w", bucket, prefix, err)
	}
	if refMeta.OriginalName == internalReferenceName || refMeta.OriginalName != filename {
		return false, nil
	}

	reference, err := e.getReferenceCached(ctx, bucket, prefix)
	if err != nil {
		return false, err
	}

	if err := e.acquireCodecPermit(ctx); err != nil {
		return false, fmt.Errorf("acquiring codec permit for legacy migration: %w", err)
	}
	delta, err := e.codec.Encode(ctx, reference, reference)
	e.releaseCodecPermit()
	if err != nil {
		return false, fmt.Errorf("encoding zero-diff delta for legacy reference %s/%s: %w", bucket, prefix, err)
	}

	deltaMeta := domain.NewDeltaMetadata(
		filename, refMeta.FileSHA256, refMeta.MD5, refMeta.FileSize,
		prefix+"/reference.bin", refMeta.FileSHA256, uint64(len(delta)),
		refMeta.ContentType, nil,
	)

	if err := e.deletePassthroughIfExists(ctx, bucket, prefix, filename); err != nil {
		return false, err
	}
	if err := e.backend.PutDelta(ctx, bucket, prefix, filename, delta, deltaMeta); err != nil {
		return false, fmt.Errorf("storing migrated delta for %s/%s/%s: %w", bucket, prefix, filename, err)
	}

	refMeta.OriginalName = internalReferenceName
	if err := e.backend.PutReferenceMetadata(ctx, bucket, prefix, refMeta); err != nil {
		// Best-effort: the migrated delta is already durable and correct.
		// The rename is not retried: a later GET resolves the delta
		// directly and does not re-enter this migration, so the reference
		// keeps its legacy OriginalName.
		slog.Warn("renaming legacy reference after migration failed", "bucket", bucket, "prefix", prefix, "error", err)
	}

	slog.Info("migrated legacy reference", "bucket", bucket, "prefix", prefix, "filename", filename)
	return true, nil
}

// Head resolves an object's metadata without fetching its bytes.
func (e *Engine) Head(ctx context.Context, bucket, key string) (domain.FileMetadata, error) {
	objKey := domain.ParseObjectKey(bucket, key)
	if err := objKey.ValidateObject(); err != nil {
		return domain.FileMetadata{}, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	prefix := objKey.DeltaspaceID()

	meta, found, err := e.resolveMetadataWithMigration(ctx, bucket, prefix, objKey)
	if err != nil {
		return domain.FileMetadata{}, err
	}
	if !found {
		return domain.FileMetadata{}, fmt.Errorf("%s: %w", objKey, dgerrors.ErrNotFound)
	}
	return meta, nil
}

// RetrieveStream is the engine's GET path. Passthrough objects are
// returned as an open stream for constant-memory delivery; reference and
// delta objects are reconstructed fully in memory, since xdelta3 requires
// both operands resident.
func (e *Engine) RetrieveStream(ctx context.Context, bucket, key string) (*RetrieveResult, error) {
	objKey := domain.ParseObjectKey(bucket, key)
	if err := objKey.ValidateObject(); err != nil {
		return nil, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	prefix := objKey.DeltaspaceID()

	meta, found, err := e.resolveMetadataWithMigration(ctx, bucket, prefix, objKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", objKey, dgerrors.ErrNotFound)
	}

	slog.Info("retrieving object", "bucket", bucket, "key", key, "storage", meta.StorageInfo.Label)

	if meta.IsPassthrough() {
		stream, err := e.backend.GetPassthroughStream(ctx, bucket, prefix, objKey.Filename)
		if err != nil {
			return nil, fmt.Errorf("streaming passthrough object %s: %w", objKey, err)
		}
		return &RetrieveResult{Stream: stream, Metadata: meta}, nil
	}

	data, err := e.retrieveBuffered(ctx, bucket, prefix, objKey, meta)
	if err != nil {
		return nil, err
	}
	return &RetrieveResult{Data: data, Metadata: meta}, nil
}

// Retrieve fully buffers an object, collecting a streamed passthrough
// result if necessary. Use RetrieveStream directly when constant-memory
// delivery of passthrough objects matters to the caller.
func (e *Engine) Retrieve(ctx context.Context, bucket, key string) ([]byte, domain.FileMetadata, error) {
	result, err := e.RetrieveStream(ctx, bucket, key)
	if err != nil {
		return nil, domain.FileMetadata{}, err
	}
	if !result.Streamed() {
		return result.Data, result.Metadata, nil
	}
	defer result.Stream.Close()
	data, err := io.ReadAll(result.Stream)
	if err != nil {
		return nil, domain.FileMetadata{}, fmt.Errorf("reading streamed object %s: %w", key, err)
	}
	return data, result.Metadata, nil
}

func (e *Engine) retrieveBuffered(ctx context.Context, bucket, prefix string, objKey domain.ObjectKey, meta domain.FileMetadata) ([]byte, error) {
	var data []byte
	switch {
	case meta.IsReference():
		// Not reachable via the addressable-object resolution paths above
		// (references are never returned by resolveObjectMetadata), kept
		// only as a defensive fallback.
		var err error
		data, err = e.backend.GetReference(ctx, bucket, prefix)
		if err != nil {
			return nil, fmt.Errorf("reading reference %s/%s: %w", bucket, prefix, err)
		}
	case meta.IsDelta():
		reference, err := e.getReferenceCached(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		delta, err := e.backend.GetDelta(ctx, bucket, prefix, objKey.Filename)
		if err != nil {
			return nil, fmt.Errorf("reading delta %s: %w", objKey, err)
		}
		if err := e.acquireCodecPermit(ctx); err != nil {
			return nil, fmt.Errorf("acquiring codec permit: %w", err)
		}
		decodeStart := time.Now()
		data, err = e.codec.Decode(ctx, reference, delta)
		metrics.CodecDuration.WithLabelValues("decode").Observe(time.Since(decodeStart).Seconds())
		e.releaseCodecPermit()
		if err != nil {
			return nil, fmt.Errorf("decoding delta %s: %w", objKey, err)
		}
	default:
		var err error
		data, err = e.backend.GetPassthrough(ctx, bucket, prefix, objKey.Filename)
		if err != nil {
			return nil, fmt.Errorf("reading passthrough object %s: %w", objKey, err)
		}
	}

	if e.verifyOnRead {
		actual := hashHex(sha256.New(), data)
		if actual != meta.FileSHA256 {
			slog.Warn("checksum mismatch on read", "key", objKey.String(), "expected", meta.FileSHA256, "actual", actual)
			return nil, fmt.Errorf("%s: expected sha256 %s, got %s: %w", objKey, meta.FileSHA256, actual, dgerrors.ErrChecksumMismatch)
		}
	}

	return data, nil
}

// Delete removes an object, then drops the deltaspace's reference baseline
// if no user-visible objects remain in it.
func (e *Engine) Delete(ctx context.Context, bucket, key string) error {
	objKey := domain.ParseObjectKey(bucket, key)
	if err := objKey.ValidateObject(); err != nil {
		return fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}
	prefix := objKey.DeltaspaceID()

	release := e.acquirePrefixLock(bucket, prefix)
	defer func() {
		release()
		e.cleanupPrefixLocks()
	}()

	meta, found, err := e.resolveMetadataWithMigration(ctx, bucket, prefix, objKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", objKey, dgerrors.ErrNotFound)
	}

	switch {
	case meta.IsReference():
		return fmt.Errorf("%w: reference objects are internal and cannot be deleted directly", dgerrors.ErrInvalidArgument)
	case meta.IsDelta():
		if err := e.backend.DeleteDelta(ctx, bucket, prefix, objKey.Filename); err != nil {
			return fmt.Errorf("deleting delta %s: %w", objKey, err)
		}
	default:
		if err := e.backend.DeletePassthrough(ctx, bucket, prefix, objKey.Filename); err != nil {
			return fmt.Errorf("deleting passthrough object %s: %w", objKey, err)
		}
	}

	remaining, err := e.backend.ScanDeltaspace(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("re-scanning deltaspace %s/%s after delete: %w", bucket, prefix, err)
	}
	hasObjects := false
	for _, m := range remaining {
		if !m.IsReference() {
			hasObjects = true
			break
		}
	}
	if !hasObjects && e.backend.HasReference(ctx, bucket, prefix) {
		e.cache.Invalidate(cacheKey(bucket, prefix))
		if err := e.backend.DeleteReference(ctx, bucket, prefix); err != nil {
			return fmt.Errorf("dropping emptied reference for %s/%s: %w", bucket, prefix, err)
		}
	}

	return nil
}

// localPrefixCouldMatch reports whether a deltaspace id (a bucket-relative
// local prefix) could possibly contain keys matching the user-supplied
// listing prefix, letting ListObjectsV2 skip scanning deltaspaces that
// cannot contribute.
func localPrefixCouldMatch(localPrefix, prefix string) bool {
	if prefix == "" {
		return true
	}
	if localPrefix == "" {
		// Root-level keys are bare filenames with no '/'; they can only
		// match a prefix that itself contains no '/'.
		return !containsSlash(prefix)
	}
	lpSlash := localPrefix + "/"
	return hasPrefix(lpSlash, prefix) || hasPrefix(prefix, lpSlash)
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// presentedEntry is either a direct object or a delimiter-collapsed common
// prefix, ordered and paginated together the way S3 counts both toward
// max_keys on the same page.
type presentedEntry struct {
	sortKey  string
	isPrefix bool
	entry    ListEntry
}

// ListObjectsV2 lists user-visible objects across every deltaspace in
// bucket whose local prefix could match prefix, deduplicating crash-overlap
// delta/passthrough pairs by keeping the newer of the two. When delimiter is
// non-empty, keys sharing a segment after prefix are collapsed into a single
// CommonPrefixes entry before sorting, pagination, and max_keys truncation
// are applied, so a collapsed prefix counts once toward max_keys rather than
// once per raw key it absorbs.
func (e *Engine) ListObjectsV2(ctx context.Context, bucket, prefix, delimiter string, maxKeys int, continuationToken string) (ListObjectsV2Page, error) {
	if err := domain.ValidatePrefix(prefix); err != nil {
		return ListObjectsV2Page{}, fmt.Errorf("%w: %v", dgerrors.ErrInvalidArgument, err)
	}

	deltaspaceIDs, err := e.backend.ListDeltaspaces(ctx, bucket)
	if err != nil {
		return ListObjectsV2Page{}, fmt.Errorf("listing deltaspaces in %s: %w", bucket, err)
	}

	latest := make(map[string]domain.FileMetadata)
	for _, localPrefix := range deltaspaceIDs {
		if !localPrefixCouldMatch(localPrefix, prefix) {
			continue
		}

		metas, err := e.backend.ScanDeltaspace(ctx, bucket, localPrefix)
		if err != nil {
			return ListObjectsV2Page{}, fmt.Errorf("scanning deltaspace %s/%s: %w", bucket, localPrefix, err)
		}

		for _, meta := range metas {
			if meta.IsReference() {
				continue
			}
			fullKey := meta.OriginalName
			if localPrefix != "" {
				fullKey = localPrefix + "/" + meta.OriginalName
			}
			if existing, ok := latest[fullKey]; !ok || meta.CreatedAt.After(existing.CreatedAt) {
				latest[fullKey] = meta
			}
		}
	}

	seenPrefixes := make(map[string]struct{})
	combined := make([]presentedEntry, 0, len(latest))
	for key, meta := range latest {
		if prefix != "" && !hasPrefix(key, prefix) {
			continue
		}
		if delimiter != "" {
			rest := key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if _, ok := seenPrefixes[cp]; ok {
					continue
				}
				seenPrefixes[cp] = struct{}{}
				combined = append(combined, presentedEntry{sortKey: cp, isPrefix: true})
				continue
			}
		}
		combined = append(combined, presentedEntry{sortKey: key, entry: ListEntry{Key: key, Metadata: meta}})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].sortKey < combined[j].sortKey })

	if continuationToken != "" {
		filtered := combined[:0]
		for _, it := range combined {
			if it.sortKey > continuationToken {
				filtered = append(filtered, it)
			}
		}
		combined = filtered
	}

	isTruncated := maxKeys > 0 && len(combined) > maxKeys
	if isTruncated {
		combined = combined[:maxKeys]
	}

	page := ListObjectsV2Page{IsTruncated: isTruncated}
	for _, it := range combined {
		if it.isPrefix {
			page.CommonPrefixes = append(page.CommonPrefixes, it.sortKey)
		} else {
			page.Objects = append(page.Objects, it.entry)
		}
	}
	if isTruncated && len(combined) > 0 {
		page.NextContinuationToken = combined[len(combined)-1].sortKey
	}
	return page, nil
}

// CreateBucket, DeleteBucket, ListBuckets, and HeadBucket delegate directly
// to the storage backend; the engine adds no delta-specific behavior at
// the bucket level.

func (e *Engine) CreateBucket(ctx context.Context, bucket string) error {
	return e.backend.CreateBucket(ctx, bucket)
}

func (e *Engine) DeleteBucket(ctx context.Context, bucket string) error {
	return e.backend.DeleteBucket(ctx, bucket)
}

func (e *Engine) ListBuckets(ctx context.Context) ([]string, error) {
	return e.backend.ListBuckets(ctx)
}

func (e *Engine) HeadBucket(ctx context.Context, bucket string) (bool, error) {
	return e.backend.HeadBucket(ctx, bucket)
}

func hashHex(h hash.Hash, data []byte) string {
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
