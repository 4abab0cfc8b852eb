// Package cache provides content-addressed caching for asar archives.
//
// Two cache shapes are supported. A Cache stores whole file contents keyed by
// the digest recorded in the file's integrity metadata, so identical files are
// shared across archives. A BlockCache sits under an archive's ByteSource and
// keeps fixed-size blocks of a remote resource on local storage.
//
// Both are optional. Archives read correctly without them.
package cache
