// Package multipart holds in-memory state for multipart uploads. Parts are
// buffered in memory until CompleteMultipartUpload assembles them and hands
// the result to the engine for delta compression; uploads are ephemeral and
// are lost on restart, which clients are expected to handle gracefully.
package multipart

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

// PartInfo describes a single uploaded part, as returned by ListParts.
type PartInfo struct {
	PartNumber   int
	ETag         string
	Size         uint64
	LastModified time.Time
}

// UploadInfo describes an in-progress upload, as returned by ListUploads.
type UploadInfo struct {
	Bucket    string
	Key       string
	UploadID  string
	Initiated time.Time
}

// PartHandle is one ordered, validated part of a completed upload, handed
// to the caller instead of an assembled buffer so passthrough objects never
// need a contiguous in-memory copy of the whole upload.
type PartHandle struct {
	PartNumber int
	Data       []byte
}

// CompletedUpload is the result of assembling a completed multipart upload.
type CompletedUpload struct {
	Data         []byte
	ETag         string
	ContentType  string
	UserMetadata map[string]string
}

// CompletedParts is the result of validating a completed multipart upload
// without assembling it into a single buffer.
type CompletedParts struct {
	Parts        []PartHandle
	TotalSize    uint64
	ETag         string
	ContentType  string
	UserMetadata map[string]string
}

type partData struct {
	data       []byte
	md5Hex     string
	md5Raw     [16]byte
	size       uint64
	uploadedAt time.Time
}

type upload struct {
	uploadID     string
	bucket       string
	key          string
	createdAt    time.Time
	contentType  string
	userMetadata map[string]string
	parts        map[int]*partData
}

// RequestedPart is one entry of the ordered (part_number, etag) list a
// CompleteMultipartUpload request names.
type RequestedPart struct {
	PartNumber int
	ETag       string
}

// Store is a process-wide, thread-safe, in-memory store of multipart
// upload state, keyed by upload ID.
type Store struct {
	mu            sync.RWMutex
	uploads       map[string]*upload
	maxObjectSize uint64
	idCounter     uint64
}

// New creates a Store that rejects completions whose assembled size would
// exceed maxObjectSize.
func New(maxObjectSize uint64) *Store {
	return &Store{
		uploads:       make(map[string]*upload),
		maxObjectSize: maxObjectSize,
	}
}

// Create starts a new multipart upload and returns its upload ID.
func (s *Store) Create(bucket, key, contentType string, userMetadata map[string]string) string {
	s.mu.Lock()
	counter := s.idCounter
	s.idCounter++
	s.mu.Unlock()

	now := time.Now().UTC()
	uploadID := deriveUploadID(counter, now, bucket, key)

	u := &upload{
		uploadID:     uploadID,
		bucket:       bucket,
		key:          key,
		createdAt:    now,
		contentType:  contentType,
		userMetadata: userMetadata,
		parts:        make(map[int]*partData),
	}

	s.mu.Lock()
	s.uploads[uploadID] = u
	s.mu.Unlock()

	return uploadID
}

// deriveUploadID derives a 32-hex-char upload ID from SHA-256(counter ||
// timestamp_nanos || bucket || key), truncated to its first 16 bytes.
func deriveUploadID(counter uint64, at time.Time, bucket, key string) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], counter)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(bucket))
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// UploadPart stores a part's bytes and returns its quoted ETag. Re-uploading
// an existing part number replaces its prior bytes (last write wins).
func (s *Store) UploadPart(uploadID, bucket, key string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("part number must be between 1 and 10000: %w", dgerrors.ErrInvalidArgument)
	}

	md5Raw := md5.Sum(data)
	md5Hex := hex.EncodeToString(md5Raw[:])
	etag := `"` + md5Hex + `"`

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.bucket != bucket || u.key != key {
		return "", fmt.Errorf("upload %s: %w", uploadID, dgerrors.ErrNoSuchUpload)
	}

	u.parts[partNumber] = &partData{
		data:       data,
		md5Hex:     md5Hex,
		md5Raw:     md5Raw,
		size:       uint64(len(data)),
		uploadedAt: time.Now().UTC(),
	}

	return etag, nil
}

// validate checks requestedParts against the upload's stored parts per the
// rules shared by Complete and CompleteParts: non-empty, strictly ascending
// part numbers, each part present with a matching ETag, and a running size
// that never exceeds maxObjectSize. It returns the resolved parts in order.
func (s *Store) validate(uploadID, bucket, key string, requestedParts []RequestedPart) (*upload, []*partData, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.bucket != bucket || u.key != key {
		return nil, nil, 0, fmt.Errorf("upload %s: %w", uploadID, dgerrors.ErrNoSuchUpload)
	}

	if len(requestedParts) == 0 {
		return nil, nil, 0, fmt.Errorf("you must specify at least one part: %w", dgerrors.ErrInvalidPart)
	}

	for i := 1; i < len(requestedParts); i++ {
		if requestedParts[i-1].PartNumber >= requestedParts[i].PartNumber {
			return nil, nil, 0, dgerrors.ErrInvalidPartOrder
		}
	}

	resolved := make([]*partData, 0, len(requestedParts))
	var totalSize uint64
	for _, rp := range requestedParts {
		part, ok := u.parts[rp.PartNumber]
		if !ok {
			return nil, nil, 0, fmt.Errorf("part %d has not been uploaded: %w", rp.PartNumber, dgerrors.ErrInvalidPart)
		}
		requestedClean := strings.Trim(rp.ETag, `"`)
		if requestedClean != part.md5Hex {
			return nil, nil, 0, fmt.Errorf("ETag mismatch for part %d: expected %q, got %q: %w",
				rp.PartNumber, part.md5Hex, requestedClean, dgerrors.ErrInvalidPart)
		}

		totalSize += part.size
		if totalSize > s.maxObjectSize {
			return nil, nil, 0, fmt.Errorf("assembled object size %d exceeds maximum %d: %w",
				totalSize, s.maxObjectSize, dgerrors.ErrEntityTooLarge)
		}

		resolved = append(resolved, part)
	}

	return u, resolved, totalSize, nil
}

// multipartETag computes the S3-compatible multipart ETag: MD5 of the
// concatenation of each part's raw MD5 digest, suffixed with "-N".
func multipartETag(parts []*partData) string {
	h := md5.New()
	for _, p := range parts {
		h.Write(p.md5Raw[:])
	}
	return fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(h.Sum(nil)), len(parts))
}

// Complete assembles the requested parts into a single contiguous buffer.
// It does not remove the upload; callers call Remove once the assembled
// object has been durably stored.
func (s *Store) Complete(uploadID, bucket, key string, requestedParts []RequestedPart) (*CompletedUpload, error) {
	u, parts, totalSize, err := s.validate(uploadID, bucket, key, requestedParts)
	if err != nil {
		return nil, err
	}

	assembled := make([]byte, 0, totalSize)
	for _, p := range parts {
		assembled = append(assembled, p.data...)
	}

	return &CompletedUpload{
		Data:         assembled,
		ETag:         multipartETag(parts),
		ContentType:  u.contentType,
		UserMetadata: u.userMetadata,
	}, nil
}

// CompleteParts validates the same way as Complete but returns the ordered
// raw part handles instead of an assembled buffer, so a passthrough object
// can be streamed to storage part-by-part without ever holding a
// contiguous copy larger than a single part.
func (s *Store) CompleteParts(uploadID, bucket, key string, requestedParts []RequestedPart) (*CompletedParts, error) {
	u, parts, totalSize, err := s.validate(uploadID, bucket, key, requestedParts)
	if err != nil {
		return nil, err
	}

	handles := make([]PartHandle, len(parts))
	for i, p := range parts {
		handles[i] = PartHandle{PartNumber: requestedParts[i].PartNumber, Data: p.data}
	}

	return &CompletedParts{
		Parts:        handles,
		TotalSize:    totalSize,
		ETag:         multipartETag(parts),
		ContentType:  u.contentType,
		UserMetadata: u.userMetadata,
	}, nil
}

// Remove discards an upload's state, used after a successful Complete or
// CompleteParts has been durably stored.
func (s *Store) Remove(uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
}

// Abort discards an in-progress upload.
func (s *Store) Abort(uploadID, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.bucket != bucket || u.key != key {
		return fmt.Errorf("upload %s: %w", uploadID, dgerrors.ErrNoSuchUpload)
	}

	delete(s.uploads, uploadID)
	return nil
}

// ListParts returns every uploaded part for uploadID, ordered by part number.
func (s *Store) ListParts(uploadID, bucket, key string) ([]PartInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.bucket != bucket || u.key != key {
		return nil, fmt.Errorf("upload %s: %w", uploadID, dgerrors.ErrNoSuchUpload)
	}

	parts := make([]PartInfo, 0, len(u.parts))
	for num, pd := range u.parts {
		parts = append(parts, PartInfo{
			PartNumber:   num,
			ETag:         `"` + pd.md5Hex + `"`,
			Size:         pd.size,
			LastModified: pd.uploadedAt,
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// ListUploads returns in-progress uploads, optionally filtered by bucket
// and key prefix, ordered by (key, upload ID).
func (s *Store) ListUploads(bucket, prefix string) []UploadInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]UploadInfo, 0, len(s.uploads))
	for _, u := range s.uploads {
		if bucket != "" && u.bucket != bucket {
			continue
		}
		if prefix != "" && !strings.HasPrefix(u.key, prefix) {
			continue
		}
		result = append(result, UploadInfo{
			Bucket:    u.bucket,
			Key:       u.key,
			UploadID:  u.uploadID,
			Initiated: u.createdAt,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key != result[j].Key {
			return result[i].Key < result[j].Key
		}
		return result[i].UploadID < result[j].UploadID
	})
	return result
}

// CleanupExpired drops uploads older than maxAge and returns how many were
// removed. Intended to be called periodically by a background goroutine.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, u := range s.uploads {
		if u.createdAt.Before(cutoff) {
			delete(s.uploads, id)
			removed++
		}
	}
	return removed
}
