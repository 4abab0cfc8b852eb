package asar

import (
	"fmt"
	"os"
	"path/filepath"
)

// UnpackedSuffix is appended to an archive's path to name the directory
// holding its unpacked files.
const UnpackedSuffix = ".unpacked"

// fileSource wraps *os.File to implement ByteSource.
// os.File has ReadAt but not Size, so the size is captured at construction.
type fileSource struct {
	file     *os.File
	size     int64
	sourceID string
}

// newFileSource creates a fileSource from an open file.
func newFileSource(f *os.File) (*fileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive file: %w", err)
	}
	return &fileSource{file: f, size: info.Size(), sourceID: fileSourceID(f.Name(), info)}, nil
}

// ReadAt implements io.ReaderAt.
func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the total size of the file.
func (s *fileSource) Size() int64 {
	return s.size
}

// SourceID identifies the file by path, size and modification time.
func (s *fileSource) SourceID() string {
	return s.sourceID
}

func fileSourceID(path string, info os.FileInfo) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	return fmt.Sprintf("file:%s:%d:%d", absPath, info.Size(), info.ModTime().UnixNano())
}

// ArchiveFile is an Archive backed by a local file.
// Close must be called to release the file.
type ArchiveFile struct {
	*Archive
	file *os.File
}

// Close closes the underlying archive file. Files opened from the archive
// must not be read afterwards.
func (af *ArchiveFile) Close() error {
	if af.file == nil {
		return nil
	}
	err := af.file.Close()
	af.file = nil
	return err
}

// OpenFile opens the archive at path.
//
// Unpacked files are read from path + UnpackedSuffix unless
// WithUnpackedResolver overrides it.
func OpenFile(path string, opts ...Option) (*ArchiveFile, error) {
	f, err := os.Open(path) //nolint:gosec // user-provided path is intentional
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	src, err := newFileSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	opts = append([]Option{WithUnpackedResolver(DirResolver(path + UnpackedSuffix))}, opts...)
	a, err := Open(src, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &ArchiveFile{Archive: a, file: f}, nil
}

// Interface compliance.
var (
	_ ByteSource                 = (*fileSource)(nil)
	_ interface{ Close() error } = (*ArchiveFile)(nil)
)
