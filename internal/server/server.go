// Package server implements the DeltaGlider HTTP server and S3-compatible route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/beshu-tech/deltaglider-proxy/internal/auth"
	"github.com/beshu-tech/deltaglider-proxy/internal/config"
	s3err "github.com/beshu-tech/deltaglider-proxy/internal/errors"
	"github.com/beshu-tech/deltaglider-proxy/internal/handlers"
	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	"github.com/beshu-tech/deltaglider-proxy/internal/multipart"
	"github.com/beshu-tech/deltaglider-proxy/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the DeltaGlider HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	engine     *engine.Engine
	multipart  *multipart.Store
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a new Server wired to the given delta engine and multipart
// store, and registers all S3-compatible routes on a Chi router with a
// Huma API layered over it for /health and /docs.
func New(cfg *config.Config, eng *engine.Engine, mp *multipart.Store) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("DeltaGlider S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		engine:    eng,
		multipart: mp,
	}

	ownerID := cfg.Auth.AccessKeyID
	ownerDisplay := cfg.Auth.AccessKeyID
	region := cfg.Server.Region

	if cfg.Auth.AccessKeyID != "" {
		cred := auth.Credential{
			AccessKeyID: cfg.Auth.AccessKeyID,
			SecretKey:   cfg.Auth.SecretAccessKey,
		}
		s.verifier = auth.NewSigV4Verifier(cred, region)
	}

	s.bucket = handlers.NewBucketHandler(eng, ownerID, ownerDisplay, region)
	s.object = handlers.NewObjectHandler(eng, mp)
	s.multi = handlers.NewMultipartHandler(eng, mp)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// Middleware chain: metricsMiddleware -> commonHeaders -> transferEncodingCheck -> authMiddleware -> metadataHeaderMiddleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	// Rewrite x-amz-meta-* headers to lowercase (must be innermost wrapper).
	handler = metadataHeaderMiddleware(handler)
	// Wrap with auth middleware if a credential was configured.
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the DeltaGlider proxy.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Register /metrics via promhttp.Handler().
	s.router.Handle("/metrics", promhttp.Handler())

	// S3 catch-all: all remaining requests go through the dispatch function.
	// Chi matches more specific routes (health, docs, metrics, openapi) first,
	// then falls through to the catch-all.
	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	// Trim leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	// Find first slash after bucket name
	idx := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
//
// Bucket ACLs, object ACLs, part-copy, and multipart-upload listing are
// not wired here: the gateway has a single shared credential (no ACL
// concept beyond it), and part-copy/listing have no sensible delta-engine
// operation to delegate to.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				s.multi.UploadPart(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			s.object.GetObject(w, r)
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			if q.Has("uploadId") {
				s.multi.AbortMultipartUpload(w, r)
			} else {
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		s.bucket.CreateBucket(w, r)
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("versioning"):
			s.bucket.GetBucketVersioning(w, r)
		default:
			// No "list-type=2" opt-out: every listing request, V1 or V2
			// query shape, is served the V2 response body. Real S3 clients
			// that still send plain ListObjects are rare enough, and the
			// V2 shape is a strict superset of what V1 callers read.
			s.object.ListObjectsV2(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		s.bucket.DeleteBucket(w, r)
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
