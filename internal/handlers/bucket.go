// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	s3err "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations. Bucket
// existence and listing are delegated directly to the engine, which in
// turn delegates to the storage backend; the engine adds no delta-specific
// behavior at the bucket level.
type BucketHandler struct {
	engine       *engine.Engine
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(eng *engine.Engine, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		engine:       eng,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns a list of all buckets. The
// backend tracks bucket names only, not creation timestamps, so every
// entry reports the time of the listing request as its CreationDate.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names, err := h.engine.ListBuckets(ctx)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := xmlutil.FormatTimeS3(time.Now())
	xmlBuckets := make([]xmlutil.Bucket, 0, len(names))
	for _, name := range names {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{Name: name, CreationDate: now})
	}

	xmlutil.RenderListBuckets(w, &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	})
}

// CreateBucket handles PUT /{bucket} and creates a new bucket with the
// specified name. Creating a bucket that already exists is treated as
// success (us-east-1 BucketAlreadyOwnedByYou behavior), since there is a
// single shared credential and therefore no concept of another owner.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	if r.ContentLength > 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(body) > 0 {
			_ = parseCreateBucketRegion(body, h.region)
		}
	}

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateBucket HeadBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if exists {
		w.Header().Set("Location", "/"+bucketName)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.engine.CreateBucket(ctx, bucketName); err != nil {
		slog.Error("CreateBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket} and removes the specified bucket.
// The bucket must be empty before it can be deleted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if err := h.engine.DeleteBucket(ctx, bucketName); err != nil {
		slog.Error("DeleteBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, mapEngineError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified
// bucket exists.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("HeadBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and returns the region
// constraint for the specified bucket. Every bucket in this gateway
// shares the single configured region.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("GetBucketLocation error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// us-east-1 quirk: return empty LocationConstraint (effectively null).
	location := h.region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketVersioning handles GET /{bucket}?versioning. Object versioning
// is an explicit non-goal, so every bucket reports an empty (disabled)
// versioning configuration rather than erroring, matching how real S3
// clients interpret a bucket that has never had versioning enabled.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	exists, err := h.engine.HeadBucket(ctx, bucketName)
	if err != nil {
		slog.Error("GetBucketVersioning error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	xmlutil.RenderVersioningConfiguration(w)
}

// parseCreateBucketRegion parses a CreateBucketConfiguration XML body to
// extract the LocationConstraint value. Returns the default region if
// parsing fails or no LocationConstraint is specified.
func parseCreateBucketRegion(body []byte, defaultRegion string) string {
	type createBucketConfig struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	var config createBucketConfig
	if err := xml.Unmarshal(body, &config); err != nil {
		return defaultRegion
	}
	if config.LocationConstraint == "" {
		return defaultRegion
	}
	return config.LocationConstraint
}
