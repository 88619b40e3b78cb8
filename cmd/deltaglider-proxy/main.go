// Package main is the entry point for the DeltaGlider S3-compatible proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beshu-tech/deltaglider-proxy/internal/config"
	"github.com/beshu-tech/deltaglider-proxy/internal/engine"
	"github.com/beshu-tech/deltaglider-proxy/internal/logging"
	"github.com/beshu-tech/deltaglider-proxy/internal/metrics"
	"github.com/beshu-tech/deltaglider-proxy/internal/multipart"
	"github.com/beshu-tech/deltaglider-proxy/internal/server"
	"github.com/beshu-tech/deltaglider-proxy/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	addr := flag.String("addr", "", "override listen address (default: from config or 0.0.0.0:9000)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Crash-only design: every startup is recovery. No special recovery
	// mode. Steps that would normally be "recovery" run on every boot:
	// orphan temp-file cleanup (filesystem backend only) and expired
	// multipart-upload reaping (background sweep below).

	backend, err := buildBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(backend, engine.Config{
		MaxDeltaRatio:    cfg.Engine.MaxDeltaRatio,
		MaxObjectSize:    cfg.Engine.MaxObjectSize,
		CacheSizeMB:      cfg.Engine.CacheSizeMB,
		VerifyOnRead:     cfg.Engine.VerifyOnRead,
		CodecConcurrency: cfg.Engine.CodecConcurrency,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize delta engine: %v\n", err)
		os.Exit(1)
	}

	mp := multipart.New(cfg.Engine.MaxObjectSize)
	stopSweep := startMultipartSweep(mp, cfg.Engine.MultipartIdleTimeout)
	defer stopSweep()

	srv, err := server.New(cfg, eng, mp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addrStr := cfg.Server.ListenAddr

	errCh := make(chan error, 1)
	go func() {
		slog.Info("deltaglider-proxy listening", "addr", addrStr)
		if err := srv.ListenAndServe(addrStr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for
	// in-flight requests with a timeout, then exit. No cleanup --
	// crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildBackend constructs the storage backend selected by cfg.Backend.Kind.
func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend.Kind {
	case "s3":
		s3cfg := cfg.Backend.S3
		if s3cfg.Bucket == "" {
			return nil, fmt.Errorf("backend.s3.bucket is required when backend.kind is %q", "s3")
		}
		region := s3cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewS3Backend(context.Background(), s3cfg.Bucket, region, s3cfg.Endpoint, s3cfg.ForcePathStyle, s3cfg.AccessKeyID, s3cfg.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		slog.Info("storage backend selected", "kind", "s3", "bucket", s3cfg.Bucket, "region", region)
		return backend, nil
	default:
		root := cfg.Backend.Filesystem.Path
		if root == "" {
			root = "./data"
		}
		backend, err := storage.NewFilesystemBackend(root)
		if err != nil {
			return nil, err
		}
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean orphan temp files", "error", err)
		}
		slog.Info("storage backend selected", "kind", "filesystem", "path", root)
		return backend, nil
	}
}

// startMultipartSweep launches a background goroutine that periodically
// discards multipart uploads idle for longer than idleTimeoutSeconds. The
// returned function stops the sweep; it does not flush any in-progress
// upload, matching the spec's decision not to persist multipart state
// across restarts.
func startMultipartSweep(mp *multipart.Store, idleTimeoutSeconds int) func() {
	if idleTimeoutSeconds <= 0 {
		idleTimeoutSeconds = 86400
	}
	maxAge := time.Duration(idleTimeoutSeconds) * time.Second

	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := mp.CleanupExpired(maxAge); n > 0 {
					slog.Info("reaped expired multipart uploads", "count", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
