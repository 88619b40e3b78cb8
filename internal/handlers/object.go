// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"bytes"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	s3err "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/multipart"
	"github.com/beshu-tech/deltaglider-proxy/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations. It
// delegates all storage-strategy decisions (reference/delta/passthrough,
// deltaspace locking, reference caching) to the engine, and all in-flight
// multipart upload state to the multipart store.
type ObjectHandler struct {
	engine    *engine.Engine
	multipart *multipart.Store
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(eng *engine.Engine, mp *multipart.Store) *ObjectHandler {
	return &ObjectHandler{engine: eng, multipart: mp}
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket, or PUT with an X-Amz-Copy-Source header, which is
// dispatched to CopyObject instead. Keys ending in '/' are stored as
// zero-byte directory markers rather than passed to the delta engine.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.CopyObject(w, r)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("PutObject HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if strings.HasSuffix(key, "/") {
		result, err := h.engine.StoreDirectoryMarker(ctx, bucketName, key)
		if err != nil {
			slog.Error("PutObject directory marker error", "error", err)
			xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
			return
		}
		setObjectResponseHeaders(w, result.Metadata, result.StoredSize)
		w.WriteHeader(http.StatusOK)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	userMeta := extractUserMetadata(r)

	maxSize := int64(h.engine.MaxObjectSize())

	var body io.Reader = r.Body
	if isAWSChunked(r) {
		body = newAWSChunkedReader(r.Body)
		if n, ok := decodedContentLength(r); ok && n > maxSize {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
			return
		}
	} else if r.ContentLength > maxSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	data, err := io.ReadAll(io.LimitReader(body, maxSize+1))
	if err != nil {
		slog.Error("PutObject body read error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result, err := h.engine.Store(ctx, bucketName, key, data, contentType, userMeta)
	if err != nil {
		slog.Error("PutObject store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	setObjectResponseHeaders(w, result.Metadata, result.StoredSize)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data
// and metadata from the specified bucket. Supports range requests (Range
// header) and conditional requests (If-Match, If-None-Match,
// If-Modified-Since, If-Unmodified-Since). Passthrough objects stream
// directly from the backend; reference and delta objects are served from
// the engine's already-reconstructed buffer.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	result, err := h.engine.RetrieveStream(ctx, bucketName, key)
	if err != nil {
		slog.Error("GetObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}
	if result.Streamed() {
		defer result.Stream.Close()
	}
	meta := result.Metadata
	storedSize := storedSizeOf(meta)

	if statusCode, skip := checkConditionalHeaders(r, meta.ETag(), meta.CreatedAt); skip {
		w.Header().Set("ETag", meta.ETag())
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.CreatedAt))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, int64(meta.FileSize))
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.FileSize))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		reader, readErr := h.rangeReader(result, start)
		if readErr != nil {
			slog.Error("GetObject range error", "error", readErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		rangeLen := end - start + 1

		setObjectResponseHeaders(w, meta, storedSize)
		applyResponseOverrides(w, r)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.FileSize))
		w.WriteHeader(http.StatusPartialContent)

		io.CopyN(w, reader, rangeLen)
		return
	}

	setObjectResponseHeaders(w, meta, storedSize)
	applyResponseOverrides(w, r)
	w.WriteHeader(http.StatusOK)

	if result.Streamed() {
		io.Copy(w, result.Stream)
		return
	}
	w.Write(result.Data)
}

// rangeReader returns a reader positioned at start, seeking a streamed
// result or slicing a buffered one.
func (h *ObjectHandler) rangeReader(result *engine.RetrieveResult, start int64) (io.Reader, error) {
	if result.Streamed() {
		if _, err := io.CopyN(io.Discard, result.Stream, start); err != nil {
			return nil, err
		}
		return result.Stream, nil
	}
	if start >= int64(len(result.Data)) {
		return bytes.NewReader(nil), nil
	}
	return bytes.NewReader(result.Data[start:]), nil
}

// HeadObject handles HEAD /{bucket}/{object} and returns the object
// metadata without the object body. Supports conditional requests.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	meta, err := h.engine.Head(ctx, bucketName, key)
	if err != nil {
		slog.Error("HeadObject error", "error", err)
		w.WriteHeader(mapEngineError(err).HTTPStatus)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, meta.ETag(), meta.CreatedAt); skip {
		w.Header().Set("ETag", meta.ETag())
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.CreatedAt))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, meta, storedSizeOf(meta))
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object} and removes the
// specified object. When the request carries an uploadId query parameter
// it instead aborts the named in-progress multipart upload. Idempotent:
// deleting a non-existent object returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if uploadID := r.URL.Query().Get("uploadId"); uploadID != "" {
		if err := h.multipart.Abort(uploadID, bucketName, key); err != nil && !goerrors.Is(err, s3err.ErrNoSuchUpload) {
			slog.Error("AbortMultipartUpload error", "error", err)
			xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.engine.Delete(ctx, bucketName, key); err != nil && !goerrors.Is(err, s3err.ErrNotFound) {
		slog.Error("DeleteObject error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete and performs a multi-object
// delete. The request body contains an XML list of keys to delete.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		slog.Error("DeleteObjects XML parse error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, obj := range deleteReq.Objects {
		if err := h.engine.Delete(ctx, bucketName, obj.Key); err != nil && !goerrors.Is(err, s3err.ErrNotFound) {
			slog.Error("DeleteObjects error", "key", obj.Key, "error", err)
			s3e := mapEngineError(err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    s3e.Code,
				Message: s3e.Message,
			})
			continue
		}
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{object} with an X-Amz-Copy-Source
// header, copying an object from one location to another. Supports
// x-amz-metadata-directive: COPY (default, keep source content-type and
// user metadata) or REPLACE (use request headers). The copy is
// implemented as a buffered read-then-store through the engine, so a
// REPLACE onto a different deltaspace still benefits from delta encoding.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	data, srcMeta, err := h.engine.Retrieve(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("CopyObject retrieve error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	if proceed, condErr := checkCopySourceConditionals(r, srcMeta.ETag(), srcMeta.CreatedAt); !proceed {
		xmlutil.WriteErrorResponse(w, r, condErr)
		return
	}

	contentType := srcMeta.ContentType
	userMeta := srcMeta.UserMetadata

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if directive == "REPLACE" {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			contentType = ct
		}
		userMeta = extractUserMetadata(r)
	}

	result, err := h.engine.Store(ctx, dstBucket, dstKey, data, contentType, userMeta)
	if err != nil {
		slog.Error("CopyObject store error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	xmlutil.RenderCopyObject(w, &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(result.Metadata.CreatedAt),
		ETag:         result.Metadata.ETag(),
	})
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 and returns a listing of
// objects in the bucket. The engine performs delimiter-based common-prefix
// collapsing itself, before max-keys pagination, since a collapsed prefix
// must count once toward max-keys rather than once per key it absorbs.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListObjectsV2 HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	token := continuationToken
	if token == "" {
		token = startAfter
	}

	page, err := h.engine.ListObjectsV2(ctx, bucketName, prefix, delimiter, maxKeys, token)
	if err != nil {
		slog.Error("ListObjectsV2 error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name:         bucketName,
		Prefix:       prefix,
		MaxKeys:      maxKeys,
		IsTruncated:  page.IsTruncated,
		EncodingType: encodingType,
	}
	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if startAfter != "" {
		result.StartAfter = startAfter
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if page.IsTruncated && page.NextContinuationToken != "" {
		result.NextContinuationToken = page.NextContinuationToken
	}

	for _, obj := range page.Objects {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(obj.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(obj.Metadata.CreatedAt),
			ETag:         obj.Metadata.ETag(),
			Size:         int64(obj.Metadata.FileSize),
			StorageClass: "STANDARD",
		})
	}
	for _, cp := range page.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(cp, encodingType),
		})
	}
	result.KeyCount = len(result.Contents) + len(result.CommonPrefixes)

	xmlutil.RenderListObjectsV2(w, result)
}

// storedSizeOf returns the number of bytes the engine actually wrote to
// the backend for meta: the delta size for delta objects, the logical
// size otherwise.
func storedSizeOf(meta domain.FileMetadata) uint64 {
	if meta.IsDelta() {
		return meta.StorageInfo.DeltaSize
	}
	return meta.FileSize
}

// extractObjectKey extracts the object key from the request URL path.
// The key is everything after the bucket name in the path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
