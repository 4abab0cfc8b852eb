// Package disk provides filesystem-backed implementations of the cache
// interfaces.
package disk

import (
	_ "crypto/sha256" // registers the hash behind digest.SHA256
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asar/cache"
)

// ErrDigestMismatch is returned by Put when content does not hash to its key.
var ErrDigestMismatch = errors.New("disk cache: content does not match digest")

// Cache implements cache.Cache using the local filesystem.
//
// Entries live at <dir>/<algorithm>/<shard>/<encoded digest>. Put hashes the
// content while copying it and refuses to store bytes that do not match the
// key. The cache is safe for concurrent use.
type Cache struct {
	store
}

var _ cache.Cache = (*Cache)(nil)

// New creates a disk-backed content cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{}
	if err := c.init(dir, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns an fs.File for reading cached content.
// Returns nil, false if the content is not cached.
func (c *Cache) Get(dgst digest.Digest) (fs.File, bool) {
	path, err := c.path(dgst)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, false
	}
	return f, true
}

// Put stores content by reading from the provided fs.File.
// The cache reads the file to completion; caller still owns/closes the file.
func (c *Cache) Put(dgst digest.Digest, f fs.File) error {
	path, err := c.path(dgst)
	if err != nil {
		return err
	}
	verifier := dgst.Verifier()
	return c.write(path, "cache-*"+tmpSuffix, io.TeeReader(f, verifier), func() error {
		if !verifier.Verified() {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, dgst)
		}
		return nil
	})
}

// Delete removes cached content for the given digest.
func (c *Cache) Delete(dgst digest.Digest) error {
	path, err := c.path(dgst)
	if err != nil {
		return err
	}
	return c.remove(path)
}

func (c *Cache) path(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("disk cache: %w", err)
	}
	return c.shardPath(filepath.Join(c.dir, dgst.Algorithm().String()), dgst.Encoded()), nil
}
