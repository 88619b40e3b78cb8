package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	"github.com/beshu-tech/deltaglider-proxy/internal/storage"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}
	eng, err := engine.New(backend, engine.Config{
		MaxDeltaRatio: 0.8,
		MaxObjectSize: 64 * 1024 * 1024,
		CacheSizeMB:   16,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func TestBucketHandlerCreateListHeadDelete(t *testing.T) {
	eng := newTestEngine(t)
	h := NewBucketHandler(eng, "owner", "owner", "us-east-1")

	// CreateBucket.
	req := httptest.NewRequest(http.MethodPut, "/mybucket", nil)
	w := httptest.NewRecorder()
	h.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Re-creating the same bucket is treated as success (us-east-1 quirk).
	w = httptest.NewRecorder()
	h.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket (idempotent): status = %d", w.Code)
	}

	// HeadBucket.
	req = httptest.NewRequest(http.MethodHead, "/mybucket", nil)
	w = httptest.NewRecorder()
	h.HeadBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("HeadBucket: status = %d", w.Code)
	}
	if got := w.Header().Get("x-amz-bucket-region"); got != "us-east-1" {
		t.Errorf("x-amz-bucket-region = %q, want us-east-1", got)
	}

	// HeadBucket on a bucket that doesn't exist.
	req = httptest.NewRequest(http.MethodHead, "/nosuchbucket", nil)
	w = httptest.NewRecorder()
	h.HeadBucket(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("HeadBucket (missing): status = %d", w.Code)
	}

	// ListBuckets.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	h.ListBuckets(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ListBuckets: status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Name>mybucket</Name>") {
		t.Errorf("ListBuckets body missing bucket name: %s", w.Body.String())
	}

	// DeleteBucket.
	req = httptest.NewRequest(http.MethodDelete, "/mybucket", nil)
	w = httptest.NewRecorder()
	h.DeleteBucket(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DeleteBucket: status = %d, body = %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodHead, "/mybucket", nil)
	w = httptest.NewRecorder()
	h.HeadBucket(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("HeadBucket (after delete): status = %d", w.Code)
	}
}

func TestBucketHandlerGetBucketLocationUsEast1(t *testing.T) {
	eng := newTestEngine(t)
	h := NewBucketHandler(eng, "owner", "owner", "us-east-1")

	req := httptest.NewRequest(http.MethodPut, "/loc-bucket", nil)
	w := httptest.NewRecorder()
	h.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/loc-bucket?location", nil)
	w = httptest.NewRecorder()
	h.GetBucketLocation(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GetBucketLocation: status = %d", w.Code)
	}
	// us-east-1 is reported as an empty LocationConstraint.
	if strings.Contains(w.Body.String(), "us-east-1") {
		t.Errorf("GetBucketLocation should omit region for us-east-1: %s", w.Body.String())
	}
}

func TestBucketHandlerGetBucketVersioningIsAlwaysEmpty(t *testing.T) {
	eng := newTestEngine(t)
	h := NewBucketHandler(eng, "owner", "owner", "us-east-1")

	req := httptest.NewRequest(http.MethodPut, "/vbucket", nil)
	w := httptest.NewRecorder()
	h.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/vbucket?versioning", nil)
	w = httptest.NewRecorder()
	h.GetBucketVersioning(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GetBucketVersioning: status = %d, body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "<Status>") {
		t.Errorf("GetBucketVersioning should report no Status element: %s", w.Body.String())
	}
}
