// Package router classifies object keys as delta-eligible or passthrough
// by filename suffix.
package router

import "strings"

// Strategy is the compression strategy chosen for a given filename.
type Strategy int

const (
	DirectStore Strategy = iota
	DeltaEligible
)

var defaultExtensions = []string{
	// Archives
	"zip", "tar", "tgz", "tar.gz", "tar.bz2", "tar.xz",
	// Java/JVM packages
	"jar", "war", "ear",
	// Other archive formats
	"rar", "7z",
	// Disk images (often similar between versions)
	"dmg", "iso",
	// Database dumps
	"sql", "dump",
	// Backups
	"bak", "backup",
}

// FileRouter decides whether a filename is eligible for delta compression.
// Suffixes are pre-formatted with a leading dot at construction time to
// avoid per-call allocation in Route.
type FileRouter struct {
	deltaSuffixes []string
}

// New creates a FileRouter with the default delta-eligible extension set.
func New() *FileRouter {
	suffixes := make([]string, len(defaultExtensions))
	for i, ext := range defaultExtensions {
		suffixes[i] = "." + ext
	}
	return &FileRouter{deltaSuffixes: suffixes}
}

// Route determines the compression strategy for a filename.
func (r *FileRouter) Route(filename string) Strategy {
	lower := strings.ToLower(filename)
	for _, suffix := range r.deltaSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return DeltaEligible
		}
	}
	return DirectStore
}

// IsDeltaEligible reports whether filename qualifies for delta compression.
func (r *FileRouter) IsDeltaEligible(filename string) bool {
	return r.Route(filename) == DeltaEligible
}
