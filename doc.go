// Package asar reads and writes asar archives.
//
// An asar archive is a single file holding a JSON header that describes a
// directory tree, followed by the raw bytes of every embedded file laid end to
// end. Files may carry block-level integrity metadata so that corruption is
// detected while reading, block by block, without reading the rest of the
// file. Files marked unpacked live outside the archive and are addressed by
// path.
//
// # Reading
//
// Open parses an archive from any ByteSource: a local file, an in-memory
// buffer, or an HTTP range source from the http subpackage. Only the header is
// read up front. File content is fetched lazily, one range at a time.
//
//	a, err := asar.OpenFile("app.asar")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	content, err := a.ReadFile("package.json")
//
// Archive implements fs.FS, fs.StatFS, fs.ReadFileFS and fs.ReadDirFS.
// The fs.FS methods follow symlinks. Resolve and OpenFile do not.
//
// # Writing
//
// Create walks a SourceTree and writes the archive to an io.Writer. DirSource
// enumerates a directory on disk, MemSource builds a tree in memory.
//
//	err := asar.CreateFile(ctx, asar.DirSource("./app"), "app.asar",
//	    asar.CreateWithUnpackGlob("*.node"),
//	)
//
// Entries are ordered lexicographically by path segment, so the same tree
// always produces the same bytes.
//
// # Errors
//
// Every failure matches one sentinel with errors.Is, so callers can tell a
// missing file from a corrupt archive from tampered content. Per-file
// failures never invalidate an open Archive.
package asar
