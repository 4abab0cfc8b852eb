package cache

import (
	"io/fs"

	"github.com/opencontainers/go-digest"
)

// Cache provides content-addressed file storage.
//
// Keys are the whole-file digests recorded in archive integrity metadata.
// Readers still verify cached content against the full descriptor, so a
// damaged entry is detected and removed rather than trusted.
//
// Implementations should handle their own size limits and eviction policies.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns an fs.File for reading cached content.
	// Returns nil, false if content is not cached.
	// Each call returns a new file handle.
	Get(dgst digest.Digest) (fs.File, bool)

	// Put stores content by reading from the provided fs.File.
	// The cache reads the file to completion; caller still owns/closes the file.
	Put(dgst digest.Digest, f fs.File) error

	// Delete removes cached content for the given digest.
	// Implementations should treat missing entries as a no-op.
	Delete(dgst digest.Digest) error

	// MaxBytes returns the configured cache size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current cache size in bytes.
	SizeBytes() int64

	// Prune removes cached entries until the cache is at or below targetBytes.
	// Returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}
