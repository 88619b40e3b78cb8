package domain

import (
	"fmt"
	"time"
)

// Tool identifies the producer of stored metadata, for forward compatibility.
const Tool = "deltaglider/0.1.0"

// StorageLabel is the stable, user-facing name for a StorageInfo variant.
type StorageLabel string

const (
	LabelReference   StorageLabel = "reference"
	LabelDelta       StorageLabel = "delta"
	LabelPassthrough StorageLabel = "passthrough"
	LabelDirectory   StorageLabel = "directory"
)

// StorageInfo is the tagged union of per-object storage strategies. Label
// selects the variant; only the fields of that variant are set.
type StorageInfo struct {
	Label StorageLabel

	// Reference fields.
	SourceName string // set when Label == LabelReference

	// Delta fields.
	RefKey    string
	RefSHA256 string
	DeltaSize uint64
	DeltaCmd  string
}

// ReferenceInfo builds the storage_info envelope for a reference baseline.
// sourceName records the key the reference was seeded from. The engine marks
// its own references with the internal sentinel in FileMetadata.OriginalName,
// not in SourceName; SourceName never holds the sentinel.
func ReferenceInfo(sourceName string) StorageInfo {
	return StorageInfo{Label: LabelReference, SourceName: sourceName}
}

// DeltaInfo builds the storage_info envelope for a delta object.
func DeltaInfo(originalName, refKey, refSHA256 string, deltaSize uint64) StorageInfo {
	return StorageInfo{
		Label:     LabelDelta,
		RefKey:    refKey,
		RefSHA256: refSHA256,
		DeltaSize: deltaSize,
		DeltaCmd:  fmt.Sprintf("xdelta3 -e -9 -s reference.bin %s %s.delta", originalName, originalName),
	}
}

// PassthroughInfo builds the storage_info envelope for a verbatim object.
func PassthroughInfo() StorageInfo {
	return StorageInfo{Label: LabelPassthrough}
}

// DirectoryInfo builds the storage_info envelope for a zero-byte directory marker.
func DirectoryInfo() StorageInfo {
	return StorageInfo{Label: LabelDirectory}
}

// FileMetadata is the sidecar record persisted alongside every stored
// object (as a filesystem xattr, or as S3 user-metadata headers).
type FileMetadata struct {
	Tool         string            `json:"tool"`
	OriginalName string            `json:"original_name"`
	FileSHA256   string            `json:"file_sha256"`
	FileSize     uint64            `json:"file_size"`
	MD5          string            `json:"md5"`
	CreatedAt    time.Time         `json:"created_at"`
	ContentType  string            `json:"content_type,omitempty"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	StorageInfo  StorageInfo       `json:"storage_info"`
}

// NewReferenceMetadata builds the metadata record for a newly installed
// reference baseline.
func NewReferenceMetadata(originalName, sourceName, sha256, md5 string, size uint64, contentType string, userMeta map[string]string) FileMetadata {
	return FileMetadata{
		Tool:         Tool,
		OriginalName: originalName,
		FileSHA256:   sha256,
		FileSize:     size,
		MD5:          md5,
		CreatedAt:    time.Now().UTC(),
		ContentType:  contentType,
		UserMetadata: userMeta,
		StorageInfo:  ReferenceInfo(sourceName),
	}
}

// NewDeltaMetadata builds the metadata record for a delta-encoded object.
func NewDeltaMetadata(originalName, sha256, md5 string, size uint64, refKey, refSHA256 string, deltaSize uint64, contentType string, userMeta map[string]string) FileMetadata {
	return FileMetadata{
		Tool:         Tool,
		OriginalName: originalName,
		FileSHA256:   sha256,
		FileSize:     size,
		MD5:          md5,
		CreatedAt:    time.Now().UTC(),
		ContentType:  contentType,
		UserMetadata: userMeta,
		StorageInfo:  DeltaInfo(originalName, refKey, refSHA256, deltaSize),
	}
}

// NewPassthroughMetadata builds the metadata record for a verbatim object.
func NewPassthroughMetadata(originalName, sha256, md5 string, size uint64, contentType string, userMeta map[string]string) FileMetadata {
	return FileMetadata{
		Tool:         Tool,
		OriginalName: originalName,
		FileSHA256:   sha256,
		FileSize:     size,
		MD5:          md5,
		CreatedAt:    time.Now().UTC(),
		ContentType:  contentType,
		UserMetadata: userMeta,
		StorageInfo:  PassthroughInfo(),
	}
}

// NewDirectoryMetadata builds the metadata record for a directory marker:
// a zero-byte object whose key ends in "/".
func NewDirectoryMetadata(originalName string, contentType string) FileMetadata {
	return FileMetadata{
		Tool:         Tool,
		OriginalName: originalName,
		FileSHA256:   emptySHA256Hex,
		FileSize:     0,
		MD5:          emptyMD5Hex,
		CreatedAt:    time.Now().UTC(),
		ContentType:  contentType,
		StorageInfo:  DirectoryInfo(),
	}
}

// emptySHA256Hex and emptyMD5Hex are the hashes of a zero-byte payload,
// used for directory markers which are never hashed from actual content.
const (
	emptySHA256Hex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	emptyMD5Hex    = "d41d8cd98f00b204e9800998ecf8427e"
)

// ETag returns the quoted MD5, matching S3's single-PUT ETag convention.
func (m FileMetadata) ETag() string { return `"` + m.MD5 + `"` }

func (m FileMetadata) IsReference() bool   { return m.StorageInfo.Label == LabelReference }
func (m FileMetadata) IsDelta() bool       { return m.StorageInfo.Label == LabelDelta }
func (m FileMetadata) IsPassthrough() bool { return m.StorageInfo.Label == LabelPassthrough }
func (m FileMetadata) IsDirectory() bool   { return m.StorageInfo.Label == LabelDirectory }

// CompressionRatio returns delta_size/file_size for delta objects, and ok=false otherwise.
func (m FileMetadata) CompressionRatio() (ratio float64, ok bool) {
	if m.StorageInfo.Label != LabelDelta || m.FileSize == 0 {
		return 0, false
	}
	return float64(m.StorageInfo.DeltaSize) / float64(m.FileSize), true
}

// StoreResult is returned by the engine's store operations.
type StoreResult struct {
	Metadata   FileMetadata
	StoredSize uint64
}
