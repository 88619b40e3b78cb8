// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	s3err "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/multipart"
	"github.com/beshu-tech/deltaglider-proxy/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
// Parts are buffered in the multipart store; completion hands the
// assembled (or, for non-delta-eligible keys, still-chunked) payload to
// the engine, which decides the storage strategy exactly as it would for
// a single-shot PutObject.
type MultipartHandler struct {
	engine    *engine.Engine
	multipart *multipart.Store
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(eng *engine.Engine, mp *multipart.Store) *MultipartHandler {
	return &MultipartHandler{engine: eng, multipart: mp}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and initiates
// a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	userMeta := extractUserMetadata(r)

	uploadID := h.multipart.Create(bucketName, key, contentType, userMeta)

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// buffers a single part of a multipart upload. Part-copy
// (X-Amz-Copy-Source) is not supported: every part must be uploaded
// directly.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	maxSize := int64(h.engine.MaxObjectSize())
	if r.ContentLength > maxSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		slog.Error("UploadPart body read error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	etag, err := h.multipart.UploadPart(uploadID, bucketName, key, partNumber, data)
	if err != nil {
		slog.Error("UploadPart error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object. Delta-
// eligible keys are assembled into a single buffer and delta-encoded
// through Engine.Store; other keys are streamed part-by-part through
// Engine.StorePassthroughChunked so a large passthrough object is never
// held as one contiguous in-memory copy.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	completeParts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(completeParts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	requestedParts := make([]multipart.RequestedPart, len(completeParts))
	for i, p := range completeParts {
		requestedParts[i] = multipart.RequestedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	var compositeETag string
	var storeErr error

	if h.engine.IsDeltaEligible(key) {
		completed, err := h.multipart.Complete(uploadID, bucketName, key, requestedParts)
		if err != nil {
			slog.Error("CompleteMultipartUpload validation error", "error", err)
			xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
			return
		}
		compositeETag = completed.ETag
		_, storeErr = h.engine.Store(ctx, bucketName, key, completed.Data, completed.ContentType, completed.UserMetadata)
	} else {
		completed, err := h.multipart.CompleteParts(uploadID, bucketName, key, requestedParts)
		if err != nil {
			slog.Error("CompleteMultipartUpload validation error", "error", err)
			xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
			return
		}
		compositeETag = completed.ETag
		chunks := make([][]byte, len(completed.Parts))
		for i, p := range completed.Parts {
			chunks[i] = p.Data
		}
		_, storeErr = h.engine.StorePassthroughChunked(ctx, bucketName, key, chunks, completed.TotalSize, completed.ContentType, completed.UserMetadata)
	}

	if storeErr != nil {
		slog.Error("CompleteMultipartUpload store error", "error", storeErr)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(storeErr))
		return
	}

	h.multipart.Remove(uploadID)

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     compositeETag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, discarding its buffered parts.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.multipart.Abort(uploadID, bucketName, key); err != nil {
		if goerrors.Is(err, s3err.ErrNoSuchUpload) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
