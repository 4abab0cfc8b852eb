package asar

import (
	"bytes"
	"errors"
	"io/fs"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asar/internal/file"
)

// openCached serves e from the content cache, filling it on a miss. Cache
// failures are not fatal: the file is then read from the archive.
func (a *Archive) openCached(p string, e *Entry) (*File, error) {
	dgst := e.Integrity().Digest()
	if f, ok := a.cache.Get(dgst); ok {
		a.log().Debug("file cache hit", "path", p)
		return a.fromCache(p, e, dgst, f)
	}

	a.log().Debug("file cache miss", "path", p)
	if err := a.ensureCached(p, e, dgst); err != nil {
		a.log().Debug("cache fill failed", "path", p, "error", err)
		return a.openSource(p, e, a.fileConfig(p))
	}
	if f, ok := a.cache.Get(dgst); ok {
		return a.fromCache(p, e, dgst, f)
	}
	return a.openSource(p, e, a.fileConfig(p))
}

// fromCache wraps a cached copy in a verifying handle that evicts the entry
// if it turns out to be corrupt.
func (a *Archive) fromCache(p string, e *Entry, dgst digest.Digest, f fs.File) (*File, error) {
	cfg := a.fileConfig(p)
	cfg.OnCorrupt = func() {
		a.log().Warn("corrupt cache entry", "path", p, "digest", dgst)
		_ = a.cache.Delete(dgst) //nolint:errcheck // best-effort cache cleanup
	}
	return file.NewStream(p, e, f, cfg)
}

// ensureCached populates the cache for e if not already cached.
// Uses singleflight to prevent duplicate fetches.
func (a *Archive) ensureCached(p string, e *Entry, dgst digest.Digest) error {
	_, err, _ := a.cacheGroup.Do(dgst.String(), func() (any, error) {
		if f, ok := a.cache.Get(dgst); ok {
			_ = f.Close()
			return nil, nil //nolint:nilnil // already cached
		}
		src, err := a.openSource(p, e, file.Config{})
		if err != nil {
			return nil, err
		}
		err = a.cache.Put(dgst, src)
		if cerr := src.Close(); err == nil {
			err = cerr
		}
		return nil, err
	})
	return err
}

// readEntry reads the whole file at the clean path p.
func (a *Archive) readEntry(p string, e *Entry) ([]byte, error) {
	if e.IsDir() {
		return nil, ErrIsDir
	}
	if a.cache == nil || e.Integrity() == nil {
		return a.readSource(p, e)
	}

	dgst := e.Integrity().Digest()
	if f, ok := a.cache.Get(dgst); ok {
		a.log().Debug("readfile cache hit", "path", p)
		content, err := a.readHandle(a.fromCache(p, e, dgst, f))
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, ErrIntegrity) {
			return nil, err
		}
		// The corrupt copy is gone; fall through to the archive.
	}

	a.log().Debug("readfile cache miss", "path", p)
	result, err, shared := a.readGroup.Do(dgst.String(), func() (any, error) {
		content, err := a.readSource(p, e)
		if err != nil {
			return nil, err
		}
		if putErr := a.cache.Put(dgst, newBytesFile(content)); putErr != nil {
			a.log().Debug("cache put failed", "path", p, "error", putErr)
		}
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	content := result.([]byte) //nolint:errcheck,forcetypeassert // Do returns what the closure returned
	if shared {
		content = bytes.Clone(content)
	}
	return content, nil
}

func (a *Archive) readSource(p string, e *Entry) ([]byte, error) {
	return a.readHandle(a.openSource(p, e, file.Config{OnCorrupt: a.fileConfig(p).OnCorrupt}))
}

func (a *Archive) readHandle(h *File, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	content, err := h.ReadAll()
	if cerr := h.Close(); err == nil && cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// bytesFile wraps []byte as fs.File for Cache.Put.
type bytesFile struct {
	*bytes.Reader
	size int64
}

func newBytesFile(b []byte) *bytesFile {
	return &bytesFile{Reader: bytes.NewReader(b), size: int64(len(b))}
}

func (f *bytesFile) Stat() (fs.FileInfo, error) {
	return &bytesFileInfo{size: f.size}, nil
}

func (f *bytesFile) Close() error { return nil }

// bytesFileInfo implements fs.FileInfo for bytesFile.
type bytesFileInfo struct {
	size int64
}

func (fi *bytesFileInfo) Name() string       { return "" }
func (fi *bytesFileInfo) Size() int64        { return fi.size }
func (fi *bytesFileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi *bytesFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *bytesFileInfo) IsDir() bool        { return false }
func (fi *bytesFileInfo) Sys() any           { return nil }
