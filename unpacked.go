package asar

import (
	"io"
	"os"
	"path/filepath"
)

// UnpackedResolver opens the content of unpacked files. name is the file's
// clean archive path, slash-separated with no leading slash.
//
// Returning an error that matches fs.ErrNotExist is reported as ErrNotFound.
// Any other error is wrapped in a ResourceError. If the returned reader also
// implements io.ReaderAt, File.ReadAt works for the file.
type UnpackedResolver interface {
	OpenUnpacked(name string) (io.ReadCloser, error)
}

// UnpackedResolverFunc adapts a function to UnpackedResolver.
type UnpackedResolverFunc func(name string) (io.ReadCloser, error)

// OpenUnpacked calls f(name).
func (f UnpackedResolverFunc) OpenUnpacked(name string) (io.ReadCloser, error) {
	return f(name)
}

// DirResolver returns a resolver that reads unpacked files from dir, the
// layout written by CreateFile (archive path plus ".unpacked"). Lookups
// cannot escape dir, even through symlinks.
func DirResolver(dir string) UnpackedResolver {
	return UnpackedResolverFunc(func(name string) (io.ReadCloser, error) {
		f, err := os.OpenInRoot(dir, filepath.FromSlash(name))
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}
