package handlers

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beshu-tech/deltaglider-proxy/internal/multipart"
)

func TestMultipartUploadAndCompletePassthrough(t *testing.T) {
	eng := newTestEngine(t)
	mp := multipart.New(eng.MaxObjectSize())

	bh := NewBucketHandler(eng, "owner", "owner", "us-east-1")
	req := httptest.NewRequest(http.MethodPut, "/mpbucket", nil)
	w := httptest.NewRecorder()
	bh.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket: status = %d", w.Code)
	}

	h := NewMultipartHandler(eng, mp)

	// A non-delta-eligible key (plain text) stays passthrough through
	// CompleteMultipartUpload.
	req = httptest.NewRequest(http.MethodPost, "/mpbucket/big.txt?uploads", nil)
	w = httptest.NewRecorder()
	h.CreateMultipartUpload(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateMultipartUpload: status = %d, body = %s", w.Code, w.Body.String())
	}

	var initiated struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.Unmarshal(w.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("unmarshal InitiateMultipartUploadResult: %v", err)
	}
	if initiated.UploadID == "" {
		t.Fatal("expected non-empty UploadID")
	}

	part1 := bytes.Repeat([]byte("a"), 5*1024*1024)
	part2 := []byte("tail bytes")

	etag1 := uploadPart(t, h, "mpbucket", "big.txt", initiated.UploadID, 1, part1)
	etag2 := uploadPart(t, h, "mpbucket", "big.txt", initiated.UploadID, 2, part2)

	completeBody := buildCompleteXML([]completePartSpec{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	req = httptest.NewRequest(http.MethodPost, "/mpbucket/big.txt?uploadId="+initiated.UploadID, bytes.NewReader(completeBody))
	w = httptest.NewRecorder()
	h.CompleteMultipartUpload(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CompleteMultipartUpload: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Object is now retrievable and holds the concatenated parts.
	oh := NewObjectHandler(eng, mp)
	req = httptest.NewRequest(http.MethodGet, "/mpbucket/big.txt", nil)
	w = httptest.NewRecorder()
	oh.GetObject(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GetObject: status = %d", w.Code)
	}
	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(w.Body.Bytes(), want) {
		t.Errorf("GetObject body length = %d, want %d", w.Body.Len(), len(want))
	}
}

func TestMultipartAbort(t *testing.T) {
	eng := newTestEngine(t)
	mp := multipart.New(eng.MaxObjectSize())
	bh := NewBucketHandler(eng, "owner", "owner", "us-east-1")

	req := httptest.NewRequest(http.MethodPut, "/abortbucket", nil)
	w := httptest.NewRecorder()
	bh.CreateBucket(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("CreateBucket: status = %d", w.Code)
	}

	h := NewMultipartHandler(eng, mp)
	req = httptest.NewRequest(http.MethodPost, "/abortbucket/file.bin?uploads", nil)
	w = httptest.NewRecorder()
	h.CreateMultipartUpload(w, req)
	var initiated struct {
		UploadID string `xml:"UploadId"`
	}
	xml.Unmarshal(w.Body.Bytes(), &initiated)

	req = httptest.NewRequest(http.MethodDelete, "/abortbucket/file.bin?uploadId="+initiated.UploadID, nil)
	w = httptest.NewRecorder()
	h.AbortMultipartUpload(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("AbortMultipartUpload: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Aborting a second time returns NoSuchUpload.
	w = httptest.NewRecorder()
	h.AbortMultipartUpload(w, req)
	if w.Code == http.StatusNoContent {
		t.Fatalf("second AbortMultipartUpload should fail, got 204")
	}
}

func uploadPart(t *testing.T, h *MultipartHandler, bucket, key, uploadID string, partNumber int, data []byte) string {
	t.Helper()
	path := fmt.Sprintf("/%s/%s?partNumber=%d&uploadId=%s", bucket, key, partNumber, uploadID)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	w := httptest.NewRecorder()
	h.UploadPart(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("UploadPart %d: status = %d, body = %s", partNumber, w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	sum := md5.Sum(data)
	want := `"` + hex.EncodeToString(sum[:]) + `"`
	if etag != want {
		t.Errorf("UploadPart %d: ETag = %q, want %q", partNumber, etag, want)
	}
	return etag
}

type completePartSpec struct {
	PartNumber int
	ETag       string
}

func buildCompleteXML(parts []completePartSpec) []byte {
	var buf bytes.Buffer
	buf.WriteString("<CompleteMultipartUpload>")
	for _, p := range parts {
		fmt.Fprintf(&buf, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", p.PartNumber, p.ETag)
	}
	buf.WriteString("</CompleteMultipartUpload>")
	return buf.Bytes()
}
