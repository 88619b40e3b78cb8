package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/beshu-tech/deltaglider-proxy/internal/domain"
	dgerrors "github.com/beshu-tech/deltaglider-proxy/internal/errors"
)

// xattrName is the single extended attribute every stored data file carries
// its FileMetadata in, as JSON. No sidecar ".meta" files.
const xattrName = "user.dg.metadata"

func readXattrMetadata(path string) (domain.FileMetadata, error) {
	var meta domain.FileMetadata
	raw, err := xattr.Get(path, xattrName)
	if err != nil {
		return meta, xattrToStorageError(err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decoding xattr metadata at %s: %w", path, err)
	}
	return meta, nil
}

func writeXattrMetadata(path string, meta domain.FileMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding xattr metadata for %s: %w", path, err)
	}
	if err := xattr.Set(path, xattrName, raw); err != nil {
		return xattrToStorageError(err)
	}
	return nil
}

func xattrToStorageError(err error) error {
	if isXattrMissing(err) {
		return fmt.Errorf("metadata at path: %w", dgerrors.ErrNotFound)
	}
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		if errno, ok := xerr.Err.(syscall.Errno); ok && errno == syscall.ENOSPC {
			return fmt.Errorf("writing xattr metadata: %w", dgerrors.ErrDiskFull)
		}
	}
	return err
}

func isXattrMissing(err error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		if errno, ok := xerr.Err.(syscall.Errno); ok {
			return errno == syscall.ENODATA || errno == syscall.ENOENT
		}
	}
	return errors.Is(err, os.ErrNotExist)
}

// validateXattrSupport probes root for extended-attribute support. Several
// widely-used filesystems (tmpfs without the user_xattr mount option, some
// network filesystems) silently or loudly refuse xattr writes; failing at
// startup with a clear message beats a cryptic error on the first PUT.
func validateXattrSupport(root string) error {
	probe := filepath.Join(root, ".dg_xattr_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("creating xattr probe file under %q: %w", root, err)
	}
	defer os.Remove(probe)

	if err := xattr.Set(probe, xattrName, []byte("xattr_test_ok")); err != nil {
		return fmt.Errorf(
			"storage root %q does not support the extended attributes object metadata requires "+
				"(ext4, XFS, Btrfs, ZFS, and APFS all support xattrs natively; tmpfs needs the "+
				"user_xattr mount option and many network filesystems do not support them at all): %w",
			root, err,
		)
	}
	got, err := xattr.Get(probe, xattrName)
	if err != nil || string(got) != "xattr_test_ok" {
		return fmt.Errorf("storage root %q returned corrupted extended attribute data on read-back", root)
	}
	return nil
}
