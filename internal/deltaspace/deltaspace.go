// Package deltaspace coordinates reference and delta files within a single
// (bucket, prefix) deltaspace. It holds no index: every query is answered
// by asking the storage backend directly, so state can never drift from
// what is actually on disk (or in the upstream bucket).
package deltaspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	"github.com/beshu-tech/deltaglider-proxy/internal/storage"
)

// Manager wraps a storage.Backend with deltaspace-scoped operations.
type Manager struct {
	backend storage.Backend
}

func New(backend storage.Backend) *Manager {
	return &Manager{backend: backend}
}

func (m *Manager) HasReference(ctx context.Context, bucket, prefix string) bool {
	return m.backend.HasReference(ctx, bucket, prefix)
}

func (m *Manager) GetReference(ctx context.Context, bucket, prefix string) ([]byte, error) {
	return m.backend.GetReference(ctx, bucket, prefix)
}

func (m *Manager) GetReferenceMetadata(ctx context.Context, bucket, prefix string) (domain.FileMetadata, error) {
	return m.backend.GetReferenceMetadata(ctx, bucket, prefix)
}

func (m *Manager) SetReference(ctx context.Context, bucket, prefix string, data []byte, metadata domain.FileMetadata) error {
	if err := m.backend.PutReference(ctx, bucket, prefix, data, metadata); err != nil {
		return fmt.Errorf("setting reference for %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

// SetReferenceMetadata updates the reference's metadata without rewriting
// its data. On the S3 backend this is a documented best-effort no-op; the
// engine never relies on it there (see storage.S3Backend.PutReferenceMetadata).
func (m *Manager) SetReferenceMetadata(ctx context.Context, bucket, prefix string, metadata domain.FileMetadata) error {
	return m.backend.PutReferenceMetadata(ctx, bucket, prefix, metadata)
}

func (m *Manager) StoreDelta(ctx context.Context, bucket, prefix, filename string, delta []byte, metadata domain.FileMetadata) error {
	if err := m.backend.PutDelta(ctx, bucket, prefix, filename, delta, metadata); err != nil {
		return fmt.Errorf("storing delta %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return nil
}

func (m *Manager) StorePassthrough(ctx context.Context, bucket, prefix, filename string, data []byte, metadata domain.FileMetadata) error {
	if err := m.backend.PutPassthrough(ctx, bucket, prefix, filename, data, metadata); err != nil {
		return fmt.Errorf("storing passthrough %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return nil
}

func (m *Manager) GetDelta(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return m.backend.GetDelta(ctx, bucket, prefix, filename)
}

func (m *Manager) GetPassthrough(ctx context.Context, bucket, prefix, filename string) ([]byte, error) {
	return m.backend.GetPassthrough(ctx, bucket, prefix, filename)
}

// GetMetadata resolves the metadata for an addressable object (a delta or
// a passthrough, never the internal reference) by name, preferring
// whichever of the two storage forms was written more recently — an
// object can only ever have one of the two at a time, but a concurrent
// re-store may momentarily leave both on disk during a rename window.
func (m *Manager) GetMetadata(ctx context.Context, bucket, prefix, originalName string) (domain.FileMetadata, bool, error) {
	filename := originalName
	if idx := strings.LastIndexByte(originalName, '/'); idx >= 0 {
		filename = originalName[idx+1:]
	}

	delta, deltaErr := m.backend.GetDeltaMetadata(ctx, bucket, prefix, filename)
	passthrough, passthroughErr := m.backend.GetPassthroughMetadata(ctx, bucket, prefix, filename)

	switch {
	case deltaErr == nil && passthroughErr == nil:
		if !delta.CreatedAt.Before(passthrough.CreatedAt) {
			return delta, true, nil
		}
		return passthrough, true, nil
	case deltaErr == nil:
		return delta, true, nil
	case passthroughErr == nil:
		return passthrough, true, nil
	default:
		return domain.FileMetadata{}, false, nil
	}
}

func (m *Manager) ListObjects(ctx context.Context, bucket, prefix string) ([]domain.FileMetadata, error) {
	return m.backend.ScanDeltaspace(ctx, bucket, prefix)
}

func (m *Manager) DeleteReference(ctx context.Context, bucket, prefix string) error {
	if err := m.backend.DeleteReference(ctx, bucket, prefix); err != nil {
		return fmt.Errorf("deleting reference for %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

func (m *Manager) DeleteDelta(ctx context.Context, bucket, prefix, filename string) error {
	if err := m.backend.DeleteDelta(ctx, bucket, prefix, filename); err != nil {
		return fmt.Errorf("deleting delta %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return nil
}

func (m *Manager) DeletePassthrough(ctx context.Context, bucket, prefix, filename string) error {
	if err := m.backend.DeletePassthrough(ctx, bucket, prefix, filename); err != nil {
		return fmt.Errorf("deleting passthrough %s/%s/%s: %w", bucket, prefix, filename, err)
	}
	return nil
}

func (m *Manager) ListDeltaspaces(ctx context.Context, bucket string) ([]string, error) {
	return m.backend.ListDeltaspaces(ctx, bucket)
}
