package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	s3err "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

// mockS3Client is a minimal in-memory stand-in for the s3API subset
// S3Backend depends on, grounded on the teacher's aws_test.go mock.
type mockS3Client struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[key] = data
	m.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	if _, ok := m.objects[key]; !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.HeadObjectOutput{
		ContentType: aws.String("application/octet-stream"),
		Metadata:    m.metadata[key],
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(in.Key))
	delete(m.metadata, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	var contents []types.Object
	seenCommon := make(map[string]struct{})
	var commonPrefixes []types.CommonPrefix

	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if _, ok := seenCommon[cp]; !ok {
					seenCommon[cp] = struct{}{}
					commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		size := int64(len(m.objects[key]))
		contents = append(contents, types.Object{Key: aws.String(key), Size: aws.Int64(size)})
	}

	return &s3.ListObjectsV2Output{
		Contents:       contents,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    aws.Bool(false),
	}, nil
}

func newTestS3Backend() (*S3Backend, *mockS3Client) {
	client := newMockS3Client()
	return NewS3BackendWithClient("upstream-bucket", client), client
}

func TestS3BackendBucketLifecycle(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	if err := b.CreateBucket(ctx, "widgets"); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if exists, err := b.HeadBucket(ctx, "widgets"); err != nil || exists {
		t.Fatalf("HeadBucket (empty namespace) = (%v, %v), want (false, nil)", exists, err)
	}

	meta := refMeta("widget-1.0.0.bin")
	if err := b.PutReference(ctx, "widgets", "releases/widget", []byte("ref-bytes"), meta); err != nil {
		t.Fatalf("PutReference: %v", err)
	}
	if exists, err := b.HeadBucket(ctx, "widgets"); err != nil || !exists {
		t.Fatalf("HeadBucket (after put) = (%v, %v), want (true, nil)", exists, err)
	}

	buckets, err := b.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 1 || buckets[0] != "widgets" {
		t.Fatalf("ListBuckets = %v, want [widgets]", buckets)
	}
}

func TestS3BackendReferenceRoundTrip(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	data := []byte("reference payload")
	meta := refMeta("widget-1.0.0.bin")
	if err := b.PutReference(ctx, "bkt", "releases/widget", data, meta); err != nil {
		t.Fatalf("PutReference: %v", err)
	}
	if !b.HasReference(ctx, "bkt", "releases/widget") {
		t.Fatal("HasReference should be true after PutReference")
	}

	got, err := b.GetReference(ctx, "bkt", "releases/widget")
	if err != nil {
		t.Fatalf("GetReference: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetReference = %q, want %q", got, data)
	}

	gotMeta, err := b.GetReferenceMetadata(ctx, "bkt", "releases/widget")
	if err != nil {
		t.Fatalf("GetReferenceMetadata: %v", err)
	}
	if gotMeta.OriginalName != meta.OriginalName {
		t.Errorf("GetReferenceMetadata.OriginalName = %q, want %q", gotMeta.OriginalName, meta.OriginalName)
	}

	if err := b.DeleteReference(ctx, "bkt", "releases/widget"); err != nil {
		t.Fatalf("DeleteReference: %v", err)
	}
	if b.HasReference(ctx, "bkt", "releases/widget") {
		t.Fatal("HasReference should be false after delete")
	}
}

func TestS3BackendGetReferenceNotFound(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	_, err := b.GetReference(ctx, "bkt", "missing")
	if !errors.Is(err, s3err.ErrNotFound) {
		t.Errorf("GetReference error = %v, want wrapping ErrNotFound", err)
	}
}

func TestS3BackendDeleteBucketRejectsNonEmpty(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	if err := b.PutPassthrough(ctx, "bkt", "docs", "readme.txt", []byte("hi"), refMeta("readme.txt")); err != nil {
		t.Fatalf("PutPassthrough: %v", err)
	}
	if err := b.DeleteBucket(ctx, "bkt"); err == nil {
		t.Fatal("DeleteBucket should fail for a non-empty bucket")
	}
}

func TestS3BackendPassthroughChunkedAndStream(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	content := strings.Repeat("payload ", 2048)
	meta := refMeta("big.bin")
	if err := b.PutPassthroughChunked(ctx, "bkt", "big", "big.bin", strings.NewReader(content), meta); err != nil {
		t.Fatalf("PutPassthroughChunked: %v", err)
	}

	rc, err := b.GetPassthroughStream(ctx, "bkt", "big", "big.bin")
	if err != nil {
		t.Fatalf("GetPassthroughStream: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content {
		t.Error("streamed content did not round-trip")
	}
}

func TestS3BackendScanDeltaspaceSkipsDirectoryMarkers(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	if err := b.PutReference(ctx, "bkt", "releases/widget", []byte("ref"), refMeta("widget-1.0.0.bin")); err != nil {
		t.Fatalf("PutReference: %v", err)
	}
	if err := b.PutDelta(ctx, "bkt", "releases/widget", "widget-1.0.1.bin.delta", []byte("delta"), refMeta("widget-1.0.1.bin")); err != nil {
		t.Fatalf("PutDelta: %v", err)
	}
	if err := b.PutDirectoryMarker(ctx, "bkt", "releases/widget/sub/"); err != nil {
		t.Fatalf("PutDirectoryMarker: %v", err)
	}

	entries, err := b.ScanDeltaspace(ctx, "bkt", "releases/widget")
	if err != nil {
		t.Fatalf("ScanDeltaspace: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ScanDeltaspace returned %d entries, want 2 (directory marker excluded)", len(entries))
	}
}

func TestS3BackendBulkListObjectsAndTotalSize(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()

	if err := b.PutReference(ctx, "bkt", "releases/widget", []byte("1234567"), refMeta("widget-1.0.0.bin")); err != nil {
		t.Fatalf("PutReference: %v", err)
	}
	if err := b.PutPassthrough(ctx, "bkt", "docs", "readme.txt", []byte("hello"), refMeta("readme.txt")); err != nil {
		t.Fatalf("PutPassthrough: %v", err)
	}

	entries, err := b.BulkListObjects(ctx, "bkt", "")
	if err != nil {
		t.Fatalf("BulkListObjects: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("BulkListObjects returned no entries")
	}

	total, err := b.TotalSize(ctx, "bkt")
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total == 0 {
		t.Error("TotalSize should be non-zero once objects exist")
	}
}

