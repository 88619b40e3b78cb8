// S3Backend proxies the storage contract to an upstream S3-compatible
// service via the AWS SDK for Go v2. It stores per-object metadata as
// x-amz-meta-dg-* headers rather than filesystem xattrs, using the same
// field names the original DeltaGlider CLI writes so objects created by
// either tool remain readable by the other.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

// s3API is the subset of the AWS S3 client the backend depends on, so tests
// can substitute a mock.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend maps (bucket, prefix, filename) onto a single upstream bucket's
// key space as "{bucket}/{prefix}/{name}", since one gateway may front
// several logical buckets but only one upstream S3 bucket.
type S3Backend struct {
	client   s3API
	upstream string
}

// NewS3Backend creates an S3Backend talking to the given upstream bucket,
// using static credentials if both are non-empty, otherwise the default
// AWS credential chain.
func NewS3Backend(ctx context.Context, upstreamBucket, region, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpointURL) })
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	b := &S3Backend{client: client, upstream: upstreamBucket}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(upstreamBucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream bucket %q: %w", upstreamBucket, err)
	}
	return b, nil
}

// NewS3BackendWithClient builds a backend around a pre-constructed client,
// for tests.
func NewS3BackendWithClient(upstreamBucket string, client s3API) *S3Backend {
	return &S3Backend{client: client, upstream: upstreamBucket}
}

func (b *S3Backend) referenceKey(bucket, prefix string) string {
	return joinKey(bucket, prefix, referenceFilename)
}

func (b *S3Backend) deltaKey(bucket, prefix, filename string) string {
	return joinKey(bucket, prefix, filename+".delta")
}

func (b *S3Backend) passthroughKey(bucket, prefix, filename string) string {
	return joinKey(bucket, prefix, filename)
}

func joinKey(bucket, prefix, name string) string {
	parts := make([]string, 0, 3)
	parts = append(parts, bucket)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, name)
	return strings.Join(parts, "/")
}

// metadataToHeaders renders a FileMetadata as the dg-* header set the
// original DeltaGlider CLI recognizes.
func metadataToHeaders(meta domain.FileMetadata) map[string]string {
	h := map[string]string{
		"dg-tool":          meta.Tool,
		"dg-original-name": meta.OriginalName,
		"dg-file-sha256":   meta.FileSHA256,
		"dg-file-size":     strconv.FormatUint(meta.FileSize, 10),
		"dg-created-at":    meta.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
		"dg-md5":           meta.MD5,
	}
	switch meta.StorageInfo.Label {
	case domain.LabelReference:
		h["dg-note"] = "reference"
		h["dg-source-name"] = meta.StorageInfo.SourceName
	case domain.LabelDelta:
		h["dg-note"] = "delta"
		h["dg-ref-key"] = meta.StorageInfo.RefKey
		h["dg-ref-sha256"] = meta.StorageInfo.RefSHA256
		h["dg-delta-size"] = strconv.FormatUint(meta.StorageInfo.DeltaSize, 10)
		h["dg-delta-cmd"] = meta.StorageInfo.DeltaCmd
	default:
		h["dg-note"] = "direct"
	}
	for k, v := range meta.UserMetadata {
		h["dg-user-"+k] = v
	}
	return h
}

func headersToMetadata(h map[string]string, contentType string) (domain.FileMetadata, error) {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := h[k]; ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	tool, ok := get("dg-tool")
	if !ok {
		return domain.FileMetadata{}, fmt.Errorf("missing dg-tool header: %w", dgerrors.ErrNotFound)
	}
	originalName, _ := get("dg-original-name", "dg-source-name")
	fileSHA256, _ := get("dg-file-sha256")
	fileSizeStr, _ := get("dg-file-size")
	fileSize, _ := strconv.ParseUint(fileSizeStr, 10, 64)
	md5, _ := get("dg-md5")
	createdAtStr, _ := get("dg-created-at")
	createdAt, err := time.Parse("2006-01-02T15:04:05.000000Z", createdAtStr)
	if err != nil {
		createdAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			createdAt = time.Now().UTC()
		}
	}

	note, _ := get("dg-note")
	refKey, hasRefKey := get("dg-ref-key")

	var storageInfo domain.StorageInfo
	switch {
	case note == "reference":
		sourceName, _ := get("dg-source-name")
		if sourceName == "" {
			sourceName = originalName
		}
		storageInfo = domain.ReferenceInfo(sourceName)
	case hasRefKey || strings.HasPrefix(note, "delta") || strings.HasPrefix(note, "zero-diff"):
		refSHA256, _ := get("dg-ref-sha256")
		deltaSizeStr, _ := get("dg-delta-size")
		deltaSize, _ := strconv.ParseUint(deltaSizeStr, 10, 64)
		deltaCmd, _ := get("dg-delta-cmd")
		storageInfo = domain.StorageInfo{
			Label:     domain.LabelDelta,
			RefKey:    refKey,
			RefSHA256: refSHA256,
			DeltaSize: deltaSize,
			DeltaCmd:  deltaCmd,
		}
	default:
		storageInfo = domain.PassthroughInfo()
	}

	userMeta := map[string]string{}
	for k, v := range h {
		if trimmed, ok := strings.CutPrefix(k, "dg-user-"); ok {
			userMeta[trimmed] = v
		}
	}
	if len(userMeta) == 0 {
		userMeta = nil
	}

	return domain.FileMetadata{
		Tool:         tool,
		OriginalName: originalName,
		FileSHA256:   fileSHA256,
		FileSize:     fileSize,
		MD5:          md5,
		CreatedAt:    createdAt,
		ContentType:  contentType,
		UserMetadata: userMeta,
		StorageInfo:  storageInfo,
	}, nil
}

func (b *S3Backend) putObjectWithMetadata(ctx context.Context, key string, data []byte, metadata domain.FileMetadata) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.upstream),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      metadataToHeaders(metadata),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) getObject(ctx context.Context, key, label string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.upstream), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", label, dgerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *S3Backend) getObjectMetadata(ctx context.Context, key, label string) (domain.FileMetadata, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.upstream), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return domain.FileMetadata{}, fmt.Errorf("%s: %w", label, dgerrors.ErrNotFound)
		}
		return domain.FileMetadata{}, fmt.Errorf("S3 HeadObject %s: %w", key, err)
	}
	contentType := aws.ToString(resp.ContentType)
	return headersToMetadata(resp.Metadata, contentType)
}

func (b *S3Backend) deleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.upstream), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) objectExists(ctx context.Context, key string) bool {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.upstream), Key: aws.String(key)})
	return err == nil
}

// === Bucket operations ===
//
// The upstream bucket is shared by every gateway bucket, namespaced by key
// prefix, so bucket creation/deletion never touches the upstream service;
// only delimiter-based listing makes the namespace visible.

func (b *S3Backend) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

func (b *S3Backend) DeleteBucket(ctx context.Context, bucket string) error {
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.upstream),
		Prefix:  aws.String(bucket + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("checking bucket %q contents: %w", bucket, err)
	}
	if len(resp.Contents) > 0 {
		return fmt.Errorf("bucket %q: %w", bucket, dgerrors.ErrBucketNotEmpty)
	}
	return nil
}

func (b *S3Backend) ListBuckets(ctx context.Context) ([]string, error) {
	var buckets []string
	var token *string
	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.upstream),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing buckets: %w", err)
		}
		for _, cp := range resp.CommonPrefixes {
			buckets = append(buckets, strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return buckets, nil
}

func (b *S3Backend) HeadBucket(ctx context.Context, bucket string) (bool, error) {
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.upstream),
		Prefix:  aws.String(bucket + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	return len(resp.Contents) > 0, nil
}

// === Reference operations ===

func (b *S3Backend) PutReference(ctx context.Context, bucket, prefix string, data []byte, metadata domain.FileMetadata) error {
	return b.putObjectWithMetadata(ctx, b.referenceKey(bucket, prefix), data, metadata)
}

// PutReferenceMetadata is a no-op: S3 has no in-place metadata rewrite,
// only a full re-PUT (with its own body). The engine's legacy-migration
// rename goes through this call, so on the S3 backend a migrated
// reference keeps its legacy OriginalName.
func (b *S3Backend) PutReferenceMetadata(ctx context.Context, bucket, prefix string, metadata domain.FileMetadata) error {
	return nil
}

func (b *S3Backend) GetReference(ctx context.Context, bucket, prefix string) ([]byte, error) {
	return b.getObject(ctx, b.referenceKey(bucket, prefix), fmt.Sprintf("reference %s/%s", bucket, prefix))
}

func (b *S3Backend) GetReferenceMetadata(ctx context.Context, bucket, prefix string) (domain.FileMetadata, error) {
	return b.getObjectMetadata(ctx, b.referenceKey(bucket, prefix), fmt.Sprintf("reference %s/%s", bucket, prefix))
}

func (b *S3Backend) HasReference(ctx context.Context, bucket, prefix string) bool {
	return b.objectExists(ctx, b.referenceKey(bucket, prefix))
}

func (b *S3Backend) DeleteReference(ctx context.Context, bucket, prefix string) error {
	return b.deleteObject(ctx, b.referenceKey(bucket, prefix))
}

// === Delta operations ===

func (b *S3Backend) PutDelta(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error {
	return b.putObjectWithMetadata(ctx, b.deltaKey(bucket, prefix, filename), data, metadata)
}

func (b *S3Backend) GetDelta(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return b.getObject(ctx, b.deltaKey(bucket, prefix, filename), fmt.Sprintf("delta %s/%s/%s", bucket, prefix, filename))
}

func (b *S3Backend) GetDeltaMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error) {
	return b.getObjectMetadata(ctx, b.deltaKey(bucket, prefix, filename), fmt.Sprintf("delta %s/%s/%s", bucket, prefix, filename))
}

func (b *S3Backend) DeleteDelta(ctx context.Context, bucket, prefix, filename string) error {
	return b.deleteObject(ctx, b.deltaKey(bucket, prefix, filename))
}

// === Passthrough operations ===

func (b *S3Backend) PutPassthrough(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error {
	return b.putObjectWithMetadata(ctx, b.passthroughKey(bucket, prefix, filename), data, metadata)
}

func (b *S3Backend) GetPassthrough(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return b.getObject(ctx, b.passthroughKey(bucket, prefix, filename), fmt.Sprintf("passthrough %s/%s/%s", bucket, prefix, filename))
}

func (b *S3Backend) GetPassthroughMetadata(ctx context.Context, bucket, prefix, filename string) (domain.FileMetadata, error) {
	return b.getObjectMetadata(ctx, b.passthroughKey(bucket, prefix, filename), fmt.Sprintf("passthrough %s/%s/%s", bucket, prefix, filename))
}

func (b *S3Backend) DeletePassthrough(ctx context.Context, bucket, prefix, filename string) error {
	return b.deleteObject(ctx, b.passthroughKey(bucket, prefix, filename))
}

// PutPassthroughChunked reads r fully before upload: the upstream PutObject
// call needs a known Content-Length (or a seekable body), so unlike the
// filesystem backend this cannot stream in genuinely constant memory.
func (b *S3Backend) PutPassthroughChunked(ctx context.Context, bucket, prefix, filename string, r io.Reader, metadata domain.FileMetadata) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading passthrough body for %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return b.putObjectWithMetadata(ctx, b.passthroughKey(bucket, prefix, filename), data, metadata)
}

func (b *S3Backend) GetPassthroughStream(ctx context.Context, bucket, prefix, filename string) (io.ReadCloser, error) {
	key := b.passthroughKey(bucket, prefix, filename)
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.upstream), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("passthrough %s/%s/%s: %w", bucket, prefix, filename, dgerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}
	return resp.Body, nil
}

func (b *S3Backend) PutDirectoryMarker(ctx context.Context, bucket, prefix string) error {
	key := joinKey(bucket, prefix, "")
	metadata := domain.NewPassthroughMetadata(strings.TrimSuffix(prefix, "/")+"/", "", "d41d8cd98f00b204e9800998ecf8427e", 0, "", nil)
	return b.putObjectWithMetadata(ctx, key, nil, metadata)
}

// === Scanning operations ===

func (b *S3Backend) listKeysWithPrefix(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	var token *string
	for {
		resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.upstream),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		objects = append(objects, resp.Contents...)
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return objects, nil
}

func (b *S3Backend) ScanDeltaspace(ctx context.Context, bucket, prefix string) ([]domain.FileMetadata, error) {
	searchPrefix := joinKey(bucket, prefix, "")
	objects, err := b.listKeysWithPrefix(ctx, searchPrefix)
	if err != nil {
		return nil, fmt.Errorf("scanning deltaspace %s/%s: %w", bucket, prefix, err)
	}

	var out []domain.FileMetadata
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		meta, err := b.getObjectMetadata(ctx, key, key)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (b *S3Backend) ListDeltaspaces(ctx context.Context, bucket string) ([]string, error) {
	objects, err := b.listKeysWithPrefix(ctx, bucket+"/")
	if err != nil {
		return nil, fmt.Errorf("listing deltaspaces for bucket %q: %w", bucket, err)
	}
	seen := make(map[string]struct{})
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		rest := strings.TrimPrefix(key[:idx], bucket)
		rest = strings.TrimPrefix(rest, "/")
		seen[rest] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func (b *S3Backend) BulkListObjects(ctx context.Context, bucket, prefix string) ([]ObjectEntry, error) {
	searchPrefix := bucket + "/"
	if prefix != "" {
		searchPrefix = joinKey(bucket, prefix, "")
	}
	objects, err := b.listKeysWithPrefix(ctx, searchPrefix)
	if err != nil {
		return nil, fmt.Errorf("bulk listing %s/%s: %w", bucket, prefix, err)
	}

	var out []ObjectEntry
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/"+referenceFilename) {
			continue
		}
		meta, err := b.getObjectMetadata(ctx, key, key)
		if err != nil || meta.IsReference() {
			continue
		}
		rel := strings.TrimPrefix(key, bucket+"/")
		var userKey string
		if idx := strings.LastIndex(rel, "/"); idx >= 0 {
			userKey = rel[:idx+1] + meta.OriginalName
		} else {
			userKey = meta.OriginalName
		}
		out = append(out, ObjectEntry{Key: userKey, Metadata: meta})
	}
	return out, nil
}

func (b *S3Backend) TotalSize(ctx context.Context, bucket string) (uint64, error) {
	prefix := ""
	if bucket != "" {
		prefix = bucket + "/"
	}
	objects, err := b.listKeysWithPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("computing total size: %w", err)
	}
	var total uint64
	for _, obj := range objects {
		total += uint64(aws.ToInt64(obj.Size))
	}
	return total, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ Backend = (*S3Backend)(nil)
