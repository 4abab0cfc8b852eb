package asar

import (
	"log/slog"

	"github.com/meigma/asar/cache"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for archive operations.
// Debug level covers open stages, cache hits and misses and unpacked
// lookups. Integrity violations are logged at warn level.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithUnpackedResolver sets where unpacked files are read from.
// Without a resolver, opening an unpacked file fails with ErrNotFound.
func WithUnpackedResolver(r UnpackedResolver) Option {
	return func(a *Archive) {
		a.unpacked = r
	}
}

// WithVerifyOnClose controls whether Close drains the rest of a file to
// verify it (default: false).
//
// When false, only the bytes actually read are verified. Blocks that were
// never read are never checked.
func WithVerifyOnClose(enabled bool) Option {
	return func(a *Archive) {
		a.verifyOnClose = enabled
	}
}

// WithMaxHeaderSize bounds the header envelope Open is willing to read.
// Zero disables the limit. Defaults to DefaultMaxHeaderSize.
func WithMaxHeaderSize(n int64) Option {
	return func(a *Archive) {
		a.maxHeaderSize = n
	}
}

// WithCache enables content-addressed caching of files that carry integrity
// metadata.
//
// File content is cached after the first read, keyed by its whole-file
// digest, and served from cache afterwards. Cached content is verified
// against the full integrity descriptor while reading; a corrupt entry is
// deleted. Concurrent requests for the same content are deduplicated.
func WithCache(c cache.Cache) Option {
	return func(a *Archive) {
		a.cache = c
	}
}

// WithBlockCache caches the source in fixed-size blocks, which suits remote
// sources read in scattered ranges. The source passed to Open must implement
// cache.ByteSource. opts are passed to BlockCache.Wrap.
func WithBlockCache(c cache.BlockCache, opts ...cache.WrapOption) Option {
	return func(a *Archive) {
		a.blockCache = c
		a.blockCacheOpts = opts
	}
}
