package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/storage"
)

func TestLocalPrefixCouldMatch(t *testing.T) {
	cases := []struct {
		localPrefix, prefix string
		want                bool
	}{
		{"releases/v1.0", "", true},
		{"", "", true},
		{"releases/v1.0", "releases/v1.0/", true},
		{"releases/v1.0", "releases/v1.0/app", true},
		{"releases/v1.0", "releases/", true},
		{"releases/v1.0", "rel", true},
		{"releases/v1.0", "backups/", false},
		{"releases/v1.0", "staging/", false},
		{"", "app", true},
		{"", "releases/", false},
	}
	for _, c := range cases {
		got := localPrefixCouldMatch(c.localPrefix, c.prefix)
		if got != c.want {
			t.Errorf("localPrefixCouldMatch(%q, %q) = %v, want %v", c.localPrefix, c.prefix, got, c.want)
		}
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}
	e, err := New(backend, Config{
		MaxDeltaRatio: 0.8,
		MaxObjectSize: 100 * 1024 * 1024,
		CacheSizeMB:   16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func similarZip(seed byte, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed
	}
	// Every byte, the last four included, equals seed: each version is a
	// single run of one byte value, so delta-encoding one version against
	// another produces a small delta instead of a near-full copy.
	copy(data[size-4:], []byte{seed, seed, seed, seed})
	return data
}

func TestStoreRoundTripDeltaEligible(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1 := similarZip(1, 4096)
	v2 := similarZip(2, 4096)

	if _, err := e.Store(ctx, "bucket", "releases/v1.0/app.zip", v1, "application/zip", nil); err != nil {
		t.Fatalf("Store v1: %v", err)
	}
	result2, err := e.Store(ctx, "bucket", "releases/v1.0/app-v2.zip", v2, "application/zip", nil)
	if err != nil {
		t.Fatalf("Store v2: %v", err)
	}
	if !result2.Metadata.IsDelta() {
		t.Fatalf("expected second similar upload to be stored as a delta, got %s", result2.Metadata.StorageInfo.Label)
	}

	data, meta, err := e.Retrieve(ctx, "bucket", "releases/v1.0/app-v2.zip")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(data, v2) {
		t.Fatal("retrieved bytes do not match the stored delta-eligible upload")
	}
	if !meta.IsDelta() {
		t.Fatal("expected retrieved metadata to report delta storage")
	}
}

func TestStorePassthroughForIneligibleFilename(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	data := []byte("plain text content")
	result, err := e.Store(ctx, "bucket", "notes/readme.txt", data, "text/plain", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !result.Metadata.IsPassthrough() {
		t.Fatalf("expected .txt upload to be passthrough, got %s", result.Metadata.StorageInfo.Label)
	}

	got, _, err := e.Retrieve(ctx, "bucket", "notes/readme.txt")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("retrieved passthrough bytes do not match")
	}
}

func TestStoreRollsBackToPassthroughWhenDeltaIsPoor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// The ratio check applies when a file seeds an empty deltaspace: the
	// seed is encoded against itself. A 4-byte payload is smaller than any
	// VCDIFF header, so its delta ratio is above the threshold and the
	// engine falls back to passthrough without keeping a reference.
	tiny := []byte("tiny")

	result, err := e.Store(ctx, "bucket", "releases/v1.0/a.zip", tiny, "application/zip", nil)
	if err != nil {
		t.Fatalf("Store tiny: %v", err)
	}
	if !result.Metadata.IsPassthrough() {
		t.Fatalf("expected poor-ratio delta to roll back to passthrough, got %s", result.Metadata.StorageInfo.Label)
	}

	if e.backend.HasReference(ctx, "bucket", "releases/v1.0") {
		t.Fatal("expected the rolled-back reference baseline to be removed")
	}

	data, _, err := e.Retrieve(ctx, "bucket", "releases/v1.0/a.zip")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(data, tiny) {
		t.Fatal("retrieved rolled-back bytes do not match")
	}
}

func TestStoreCommitsDeltaspaceOnceSeeded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1 := similarZip(1, 4096)
	v2 := similarZip(2, 4096)
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/a.zip", v1, "application/zip", nil); err != nil {
		t.Fatalf("Store a: %v", err)
	}
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/b.zip", v2, "application/zip", nil); err != nil {
		t.Fatalf("Store b: %v", err)
	}

	unrelated := make([]byte, 4096)
	for i := range unrelated {
		unrelated[i] = byte(255 - i)
	}
	result, err := e.Store(ctx, "bucket", "releases/v1.0/c.zip", unrelated, "application/zip", nil)
	if err != nil {
		t.Fatalf("Store c: %v", err)
	}
	if !result.Metadata.IsDelta() {
		t.Fatal("expected a third PUT into an already-committed deltaspace to stay a delta regardless of ratio")
	}
}

func TestDeleteDropsReferenceWhenDeltaspaceEmpties(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1 := similarZip(1, 4096)
	v2 := similarZip(2, 4096)
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/a.zip", v1, "application/zip", nil); err != nil {
		t.Fatalf("Store a: %v", err)
	}
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/b.zip", v2, "application/zip", nil); err != nil {
		t.Fatalf("Store b: %v", err)
	}

	if err := e.Delete(ctx, "bucket", "releases/v1.0/b.zip"); err != nil {
		t.Fatalf("Delete b: %v", err)
	}
	if !e.backend.HasReference(ctx, "bucket", "releases/v1.0") {
		t.Fatal("expected reference to survive while the deltaspace still has an object")
	}

	if err := e.Delete(ctx, "bucket", "releases/v1.0/a.zip"); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	if e.backend.HasReference(ctx, "bucket", "releases/v1.0") {
		t.Fatal("expected reference to be dropped once the deltaspace emptied")
	}

	if _, err := e.Head(ctx, "bucket", "releases/v1.0/a.zip"); !errors.Is(err, dgerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteRejectsReferenceObject(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1 := similarZip(1, 4096)
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/a.zip", v1, "application/zip", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	err := e.Delete(ctx, "bucket", "releases/v1.0/__reference__")
	if !errors.Is(err, dgerrors.ErrNotFound) {
		t.Fatalf("expected the internal reference name to resolve as not found (it is not addressable), got %v", err)
	}
}

func TestMigrateLegacyReference(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	data := []byte("legacy baseline content, addressable by its own original filename")
	sum := sha256.Sum256(data)
	legacyMeta := domain.NewReferenceMetadata("legacy.zip", "releases/v1.0/legacy.zip", hex.EncodeToString(sum[:]), "md5ignored", uint64(len(data)), "application/zip", nil)
	if err := e.backend.PutReference(ctx, "bucket", "releases/v1.0", data, legacyMeta); err != nil {
		t.Fatalf("PutReference: %v", err)
	}

	got, meta, err := e.Retrieve(ctx, "bucket", "releases/v1.0/legacy.zip")
	if err != nil {
		t.Fatalf("Retrieve (should trigger migration): %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("migrated object bytes do not match the original reference content")
	}
	if !meta.IsDelta() {
		t.Fatalf("expected migrated legacy reference to become an addressable delta, got %s", meta.StorageInfo.Label)
	}

	refMeta, err := e.backend.GetReferenceMetadata(ctx, "bucket", "releases/v1.0")
	if err != nil {
		t.Fatalf("GetReferenceMetadata: %v", err)
	}
	if refMeta.OriginalName != internalReferenceName {
		t.Fatalf("expected reference to be renamed to the internal sentinel, got %q", refMeta.OriginalName)
	}
}

func TestHeadNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.Head(ctx, "bucket", "missing/key.zip"); !errors.Is(err, dgerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListObjectsV2AcrossDeltaspaces(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.Store(ctx, "bucket", "releases/v1.0/app.zip", similarZip(1, 2048), "application/zip", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Store(ctx, "bucket", "releases/v1.0/app-v2.zip", similarZip(2, 2048), "application/zip", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Store(ctx, "bucket", "backups/dump.sql", []byte("dump content"), "", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Store(ctx, "bucket", "notes.txt", []byte("root note"), "text/plain", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	page, err := e.ListObjectsV2(ctx, "bucket", "", "", 0, "")
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(page.Objects) != 4 {
		t.Fatalf("got %d objects, want 4", len(page.Objects))
	}
	for i := 1; i < len(page.Objects); i++ {
		if page.Objects[i-1].Key >= page.Objects[i].Key {
			t.Fatal("expected objects sorted by key")
		}
	}

	releasesPage, err := e.ListObjectsV2(ctx, "bucket", "releases/", "", 0, "")
	if err != nil {
		t.Fatalf("ListObjectsV2 with prefix: %v", err)
	}
	if len(releasesPage.Objects) != 2 {
		t.Fatalf("got %d objects under releases/, want 2", len(releasesPage.Objects))
	}
}

// TestListObjectsV2DelimiterCollapsesBeforeTruncation reproduces the
// dir1/dir2 scenario where a naive implementation truncates the raw key
// list before delimiter collapsing: four keys split 3-under-dir1,
// 1-under-dir2 with max-keys=2 must still produce exactly one untruncated
// page with two CommonPrefixes entries ("dir1/", "dir2/"), since each
// collapsed entry counts once toward max-keys rather than once per absorbed
// key.
func TestListObjectsV2DelimiterCollapsesBeforeTruncation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, key := range []string{"dir1/a.txt", "dir1/b.txt", "dir1/c.txt", "dir2/d.txt"} {
		if _, err := e.Store(ctx, "bucket", key, []byte("content-"+key), "text/plain", nil); err != nil {
			t.Fatalf("Store %s: %v", key, err)
		}
	}

	page, err := e.ListObjectsV2(ctx, "bucket", "", "/", 2, "")
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(page.Objects) != 0 {
		t.Fatalf("got %d objects, want 0 (all keys collapse into common prefixes)", len(page.Objects))
	}
	if len(page.CommonPrefixes) != 2 || page.CommonPrefixes[0] != "dir1/" || page.CommonPrefixes[1] != "dir2/" {
		t.Fatalf("got CommonPrefixes %v, want [dir1/ dir2/] on a single page since both collapse to 2 presented entries", page.CommonPrefixes)
	}
	if page.IsTruncated {
		t.Fatal("page should not be truncated: 2 collapsed entries fit within max-keys=2")
	}
}

// TestListObjectsV2DelimiterPaginationNoDuplicatePrefix exercises a tighter
// max-keys than TestListObjectsV2DelimiterCollapsesBeforeTruncation so
// pagination actually spans a page boundary, and checks the same common
// prefix is never reported on two different pages.
func TestListObjectsV2DelimiterPaginationNoDuplicatePrefix(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, key := range []string{"dir1/a.txt", "dir1/b.txt", "dir1/c.txt", "dir2/d.txt"} {
		if _, err := e.Store(ctx, "bucket", key, []byte("content-"+key), "text/plain", nil); err != nil {
			t.Fatalf("Store %s: %v", key, err)
		}
	}

	page, err := e.ListObjectsV2(ctx, "bucket", "", "/", 1, "")
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(page.CommonPrefixes) != 1 || page.CommonPrefixes[0] != "dir1/" {
		t.Fatalf("got CommonPrefixes %v, want [dir1/]", page.CommonPrefixes)
	}
	if !page.IsTruncated {
		t.Fatal("expected page 1 to be truncated")
	}

	next, err := e.ListObjectsV2(ctx, "bucket", "", "/", 1, page.NextContinuationToken)
	if err != nil {
		t.Fatalf("ListObjectsV2 (page 2): %v", err)
	}
	if len(next.CommonPrefixes) != 1 || next.CommonPrefixes[0] != "dir2/" {
		t.Fatalf("got CommonPrefixes %v, want [dir2/] (dir1/ must not reappear)", next.CommonPrefixes)
	}
}

func TestListObjectsV2Truncation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 5; i++ {
		key := string(rune('a'+i)) + ".txt"
		if _, err := e.Store(ctx, "bucket", key, []byte("content"), "text/plain", nil); err != nil {
			t.Fatalf("Store %s: %v", key, err)
		}
	}

	page, err := e.ListObjectsV2(ctx, "bucket", "", "", 2, "")
	if err != nil {
		t.Fatalf("ListObjectsV2: %v", err)
	}
	if len(page.Objects) != 2 || !page.IsTruncated {
		t.Fatalf("got %d objects, truncated=%v; want 2, truncated=true", len(page.Objects), page.IsTruncated)
	}

	next, err := e.ListObjectsV2(ctx, "bucket", "", "", 2, page.NextContinuationToken)
	if err != nil {
		t.Fatalf("ListObjectsV2 (page 2): %v", err)
	}
	if len(next.Objects) != 2 {
		t.Fatalf("got %d objects on page 2, want 2", len(next.Objects))
	}
	if next.Objects[0].Key <= page.Objects[len(page.Objects)-1].Key {
		t.Fatal("expected page 2 to continue strictly after page 1's last key")
	}
}

func TestStoreRejectsOversizedObject(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}
	e, err := New(backend, Config{MaxDeltaRatio: 0.8, MaxObjectSize: 10, CacheSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = e.Store(ctx, "bucket", "big.zip", make([]byte, 11), "", nil)
	if !errors.Is(err, dgerrors.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestStorePassthroughChunkedRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	chunks := [][]byte{[]byte("hello, "), []byte("chunked "), []byte("world")}
	var total int
	for _, c := range chunks {
		total += len(c)
	}

	result, err := e.StorePassthroughChunked(ctx, "bucket", "big/file.bin", chunks, uint64(total), "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("StorePassthroughChunked: %v", err)
	}
	if result.StoredSize != uint64(total) {
		t.Fatalf("got stored size %d, want %d", result.StoredSize, total)
	}

	retrieveResult, err := e.RetrieveStream(ctx, "bucket", "big/file.bin")
	if err != nil {
		t.Fatalf("RetrieveStream: %v", err)
	}
	if !retrieveResult.Streamed() {
		t.Fatal("expected a streamed result for a passthrough object")
	}
	defer retrieveResult.Stream.Close()

	data, err := io.ReadAll(retrieveResult.Stream)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(data) != "hello, chunked world" {
		t.Fatalf("got %q, want %q", data, "hello, chunked world")
	}
}
