// Package domain holds the core data types shared by the storage backend,
// the deltaspace manager, and the engine: the parsed object key and the
// per-object metadata envelope.
package domain

import (
	"fmt"
	"strings"
)

// KeyValidationError reports a malformed bucket/key input.
type KeyValidationError struct {
	msg string
}

func (e *KeyValidationError) Error() string { return e.msg }

func keyErr(format string, args ...interface{}) *KeyValidationError {
	return &KeyValidationError{msg: fmt.Sprintf(format, args...)}
}

// ObjectKey is an S3 key split into its three addressable components.
type ObjectKey struct {
	Bucket   string
	Prefix   string // deltaspace id; empty for root-level keys
	Filename string
}

// ParseObjectKey splits a raw S3 key into (prefix, filename) on the final
// '/'. A leading '/' is trimmed first, matching S3's tolerant path parsing.
func ParseObjectKey(bucket, key string) ObjectKey {
	key = strings.TrimPrefix(key, "/")
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return ObjectKey{Bucket: bucket, Prefix: key[:idx], Filename: key[idx+1:]}
	}
	return ObjectKey{Bucket: bucket, Prefix: "", Filename: key}
}

// FullKey reassembles the prefix and filename into the original key.
func (k ObjectKey) FullKey() string {
	if k.Prefix == "" {
		return k.Filename
	}
	return k.Prefix + "/" + k.Filename
}

// DeltaspaceID returns the identifier of the deltaspace this key belongs to.
func (k ObjectKey) DeltaspaceID() string { return k.Prefix }

func (k ObjectKey) String() string {
	return fmt.Sprintf("%s/%s", k.Bucket, k.FullKey())
}

// ValidateObject checks the key for use in PUT/GET/HEAD/DELETE.
func (k ObjectKey) ValidateObject() error {
	if err := validateKeyPath(k.Prefix, true); err != nil {
		return err
	}
	if err := validateKeyPath(k.Filename, false); err != nil {
		return err
	}
	if k.Filename == "" {
		return keyErr("object key must not be empty")
	}
	if k.Filename == "." || k.Filename == ".." {
		return keyErr("invalid object filename")
	}
	return nil
}

// ValidatePrefix checks a listing/query prefix for traversal hazards.
func ValidatePrefix(prefix string) error {
	return validateKeyPath(prefix, true)
}

func validateKeyPath(value string, allowSlashes bool) error {
	if strings.ContainsRune(value, 0) {
		return keyErr("key must not contain NUL bytes")
	}
	if strings.ContainsRune(value, '\\') {
		return keyErr("key must not contain backslashes")
	}
	if !allowSlashes && strings.ContainsRune(value, '/') {
		return keyErr("key must not contain '/'")
	}
	for _, segment := range strings.Split(value, "/") {
		if segment == ".." {
			return keyErr("key must not contain '..' path segments")
		}
	}
	return nil
}
