package multipart

import (
	"bytes"
	"errors"
	"testing"
	"time"

	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

func TestCreateAndUploadPart(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	data := make([]byte, 1024)
	etag, err := s.UploadPart(uploadID, "bucket", "key.bin", 1, data)
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if etag[0] != '"' || etag[len(etag)-1] != '"' {
		t.Fatalf("expected quoted ETag, got %q", etag)
	}
}

func TestCompleteRoundtrip(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	part1 := bytes.Repeat([]byte{1}, 100)
	part2 := bytes.Repeat([]byte{2}, 200)

	etag1, err := s.UploadPart(uploadID, "bucket", "key.bin", 1, part1)
	if err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}
	etag2, err := s.UploadPart(uploadID, "bucket", "key.bin", 2, part2)
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}

	result, err := s.Complete(uploadID, "bucket", "key.bin", []RequestedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(result.Data) != 300 {
		t.Fatalf("got %d bytes, want 300", len(result.Data))
	}
	if !bytes.Equal(result.Data[:100], part1) || !bytes.Equal(result.Data[100:], part2) {
		t.Fatal("assembled data does not match parts in order")
	}
	if result.ETag[len(result.ETag)-3:] != `-2"` {
		t.Fatalf("expected ETag suffix -2, got %q", result.ETag)
	}
}

func TestCompletePartsReturnsHandlesNotBuffer(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	part1 := bytes.Repeat([]byte{1}, 50)
	part2 := bytes.Repeat([]byte{2}, 75)
	etag1, _ := s.UploadPart(uploadID, "bucket", "key.bin", 1, part1)
	etag2, _ := s.UploadPart(uploadID, "bucket", "key.bin", 2, part2)

	result, err := s.CompleteParts(uploadID, "bucket", "key.bin", []RequestedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if err != nil {
		t.Fatalf("CompleteParts: %v", err)
	}
	if result.TotalSize != 125 {
		t.Fatalf("got total size %d, want 125", result.TotalSize)
	}
	if len(result.Parts) != 2 {
		t.Fatalf("got %d part handles, want 2", len(result.Parts))
	}
	if !bytes.Equal(result.Parts[0].Data, part1) || !bytes.Equal(result.Parts[1].Data, part2) {
		t.Fatal("part handle data does not match uploaded parts")
	}
}

func TestAbort(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	if err := s.Abort(uploadID, "bucket", "key.bin"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	_, err := s.UploadPart(uploadID, "bucket", "key.bin", 1, make([]byte, 10))
	if !errors.Is(err, dgerrors.ErrNoSuchUpload) {
		t.Fatalf("expected ErrNoSuchUpload after abort, got %v", err)
	}
}

func TestBucketKeyMismatch(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket-a", "key.bin", "", nil)

	_, err := s.UploadPart(uploadID, "bucket-b", "key.bin", 1, make([]byte, 10))
	if !errors.Is(err, dgerrors.ErrNoSuchUpload) {
		t.Fatalf("expected ErrNoSuchUpload on bucket mismatch, got %v", err)
	}
}

func TestInvalidPartNumber(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	if _, err := s.UploadPart(uploadID, "bucket", "key.bin", 0, make([]byte, 10)); err == nil {
		t.Fatal("expected error for part number 0")
	}
	if _, err := s.UploadPart(uploadID, "bucket", "key.bin", 10001, make([]byte, 10)); err == nil {
		t.Fatal("expected error for part number 10001")
	}
}

func TestListParts(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	for i := 1; i <= 3; i++ {
		if _, err := s.UploadPart(uploadID, "bucket", "key.bin", i, bytes.Repeat([]byte{byte(i)}, 100)); err != nil {
			t.Fatalf("UploadPart %d: %v", i, err)
		}
	}

	parts, err := s.ListParts(uploadID, "bucket", "key.bin")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			t.Fatalf("parts[%d].PartNumber = %d, want %d", i, p.PartNumber, i+1)
		}
	}
}

func TestOverwritePart(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	etag1, _ := s.UploadPart(uploadID, "bucket", "key.bin", 1, bytes.Repeat([]byte{1}, 100))
	etag2, _ := s.UploadPart(uploadID, "bucket", "key.bin", 1, bytes.Repeat([]byte{2}, 100))

	if etag1 == etag2 {
		t.Fatal("expected overwriting a part to change its ETag")
	}

	parts, err := s.ListParts(uploadID, "bucket", "key.bin")
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if parts[0].ETag != etag2 {
		t.Fatalf("got ETag %q, want %q", parts[0].ETag, etag2)
	}
}

func TestCompleteRejectsEmptyParts(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	if _, err := s.Complete(uploadID, "bucket", "key.bin", nil); err == nil {
		t.Fatal("expected error completing with zero parts")
	}
}

func TestCompleteRejectsOutOfOrderParts(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	etag1, _ := s.UploadPart(uploadID, "bucket", "key.bin", 1, make([]byte, 10))
	etag2, _ := s.UploadPart(uploadID, "bucket", "key.bin", 2, make([]byte, 10))

	_, err := s.Complete(uploadID, "bucket", "key.bin", []RequestedPart{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	if !errors.Is(err, dgerrors.ErrInvalidPartOrder) {
		t.Fatalf("expected ErrInvalidPartOrder, got %v", err)
	}
}

func TestCompleteRejectsOversizedObject(t *testing.T) {
	s := New(150)
	uploadID := s.Create("bucket", "key.bin", "", nil)

	etag1, _ := s.UploadPart(uploadID, "bucket", "key.bin", 1, make([]byte, 100))
	etag2, _ := s.UploadPart(uploadID, "bucket", "key.bin", 2, make([]byte, 100))

	_, err := s.Complete(uploadID, "bucket", "key.bin", []RequestedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if !errors.Is(err, dgerrors.ErrEntityTooLarge) {
		t.Fatalf("expected ErrEntityTooLarge, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := New(100 * 1024 * 1024)
	uploadID := s.Create("bucket", "key.bin", "", nil)
	s.uploads[uploadID].createdAt = time.Now().UTC().Add(-2 * time.Hour)
	s.Create("bucket", "fresh.bin", "", nil)

	removed := s.CleanupExpired(time.Hour)
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}

	if _, err := s.ListParts(uploadID, "bucket", "key.bin"); !errors.Is(err, dgerrors.ErrNoSuchUpload) {
		t.Fatalf("expected expired upload to be gone, got %v", err)
	}
}
