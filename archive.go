package asar

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/asar/cache"
	"github.com/meigma/asar/internal/file"
	"github.com/meigma/asar/internal/framing"
	"github.com/meigma/asar/internal/sizing"
	"github.com/meigma/asar/internal/tree"
)

// DefaultMaxHeaderSize bounds the header envelope read by Open (64 MiB).
const DefaultMaxHeaderSize int64 = 64 << 20

// ByteSource provides random access to archive bytes.
//
// Implementations exist for local files (OpenFile), *bytes.Reader and HTTP
// range requests (http.Source). A source that also implements
//
//	ReadRange(off, length int64) (io.ReadCloser, error)
//
// streams each file with a single range request instead of repeated ReadAt
// calls. Sources must support concurrent ReadAt calls.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Archive provides random access to the files of an asar archive.
//
// An Archive is immutable once Open returns and is safe for concurrent use.
// Each File it opens has its own cursor. Archive implements fs.FS,
// fs.StatFS, fs.ReadFileFS and fs.ReadDirFS.
type Archive struct {
	tree           *tree.Tree
	header         []byte
	src            ByteSource
	dataOffset     int64
	maxHeaderSize  int64
	verifyOnClose  bool
	unpacked       UnpackedResolver
	cache          cache.Cache      // nil = no content caching
	blockCache     cache.BlockCache // nil = no block caching
	blockCacheOpts []cache.WrapOption
	readGroup      singleflight.Group // zero value is valid
	cacheGroup     singleflight.Group // zero value is valid
	logger         *slog.Logger
}

// Interface compliance.
var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
)

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open parses the archive held by src.
//
// Open reads the 8-byte prefix to learn the header length, reads the header
// envelope, decodes and parses it, then checks that embedded files tile the
// data region. File content is not read. Any failure is returned as is and
// no Archive is produced; Open does not retry.
func Open(src ByteSource, opts ...Option) (*Archive, error) {
	if src == nil {
		return nil, errors.New("asar: source is nil")
	}
	a := &Archive{
		src:           src,
		maxHeaderSize: DefaultMaxHeaderSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.blockCache != nil {
		cs, ok := src.(cache.ByteSource)
		if !ok {
			return nil, errors.New("asar: block cache requires a source with a SourceID")
		}
		wrapped, err := a.blockCache.Wrap(cs, a.blockCacheOpts...)
		if err != nil {
			return nil, fmt.Errorf("asar: wrap source: %w", err)
		}
		a.src = wrapped
	}

	if err := a.load(); err != nil {
		a.log().Debug("open failed", "error", err)
		return nil, err
	}
	a.log().Debug("opened archive",
		"entries", a.tree.Len(),
		"header_bytes", len(a.header),
		"data_offset", a.dataOffset,
		"data_bytes", a.tree.DataSize())
	return a, nil
}

func (a *Archive) load() error {
	size := a.src.Size()
	if size < framing.PrefixSize {
		return fmt.Errorf("%w: source holds %d bytes, need at least %d", ErrMalformedFraming, size, framing.PrefixSize)
	}
	prefix := make([]byte, framing.PrefixSize)
	if err := readFull(a.src, prefix, 0, "read header prefix"); err != nil {
		return err
	}
	envLen, err := framing.ParsePrefix(prefix)
	if err != nil {
		return err
	}
	if a.maxHeaderSize > 0 && envLen > a.maxHeaderSize {
		return fmt.Errorf("%w: header envelope of %d bytes exceeds limit of %d", ErrMalformedFraming, envLen, a.maxHeaderSize)
	}
	if envLen > size {
		return fmt.Errorf("%w: header envelope of %d bytes exceeds source size %d", ErrMalformedFraming, envLen, size)
	}

	framed := make([]byte, envLen)
	copy(framed, prefix)
	if err := readFull(a.src, framed[framing.PrefixSize:], framing.PrefixSize, "read header"); err != nil {
		return err
	}
	header, dataStart, err := framing.Decode(framed)
	if err != nil {
		return err
	}
	t, err := tree.Parse(header)
	if err != nil {
		return err
	}
	if err := t.Validate(uint64(size - dataStart)); err != nil { //nolint:gosec // dataStart <= envLen <= size
		return err
	}

	a.tree = t
	a.header = header
	a.dataOffset = dataStart
	return nil
}

// readFull fills p from off, wrapping any failure in a ResourceError.
func readFull(src io.ReaderAt, p []byte, off int64, op string) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &ResourceError{Op: op, Offset: off, Length: int64(len(p)), Err: err}
}

// Resolve returns the entry at name without following symlinks. Leading,
// trailing and repeated slashes are ignored; "" names the root.
func (a *Archive) Resolve(name string) (*Entry, error) {
	return a.tree.Resolve(name)
}

// Follow returns the entry at name, following symlinks at every position,
// together with its canonical path.
func (a *Archive) Follow(name string) (*Entry, string, error) {
	return a.tree.Follow(name)
}

// List returns the children of the directory at name in header order.
// Symlinks along the way, and a symlink at name itself, are followed.
func (a *Archive) List(name string) ([]*DirEntry, error) {
	dir, _, err := a.tree.Follow(name)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, name)
	}
	out := make([]*DirEntry, 0, dir.NumChildren())
	for childName, e := range dir.Children() {
		out = append(out, file.NewDirEntry(childName, e))
	}
	return out, nil
}

// OpenFile opens the regular file at name for reading. Symlinks are not
// followed: a symlink at name fails with ErrIsSymlink and a directory with
// ErrIsDir. Errors are *fs.PathError values wrapping the taxonomy sentinels.
//
// Embedded content is fetched lazily from the source. Unpacked content is
// opened through the configured UnpackedResolver.
func (a *Archive) OpenFile(name string) (*File, error) {
	e, err := a.tree.Resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	p, _ := tree.Clean(name) //nolint:errcheck // Resolve already accepted name
	f, err := a.openEntry(p, e)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

// openEntry opens e, which lives at the clean path p.
func (a *Archive) openEntry(p string, e *Entry) (*File, error) {
	switch e.Kind() {
	case KindDir:
		return nil, ErrIsDir
	case KindSymlink:
		return nil, ErrIsSymlink
	}
	if a.cache != nil && e.Integrity() != nil {
		return a.openCached(p, e)
	}
	return a.openSource(p, e, a.fileConfig(p))
}

// openSource opens e from the archive or, for unpacked files, the resolver.
func (a *Archive) openSource(p string, e *Entry, cfg file.Config) (*File, error) {
	if !e.Unpacked() {
		start, err := sizing.Span(a.dataOffset, e.Offset(), ErrSizeOverflow)
		if err != nil {
			return nil, err
		}
		return file.NewEmbedded(p, e, a.src, start, cfg)
	}

	if a.unpacked == nil {
		return nil, fmt.Errorf("%w: %s is unpacked and no resolver is configured", ErrNotFound, p)
	}
	a.log().Debug("opening unpacked file", "path", p)
	rc, err := a.unpacked.OpenUnpacked(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: unpacked %s: %w", ErrNotFound, p, err)
		}
		return nil, &ResourceError{Op: "open unpacked " + p, Err: err}
	}
	return file.NewStream(p, e, rc, cfg)
}

func (a *Archive) fileConfig(p string) file.Config {
	return file.Config{
		VerifyOnClose: a.verifyOnClose,
		OnCorrupt: func() {
			a.log().Warn("integrity violation", "path", p)
		},
	}
}

// Header returns the raw header JSON. The slice must not be modified.
func (a *Archive) Header() []byte {
	return a.header
}

// DataOffset returns the position of the data region in the source.
func (a *Archive) DataOffset() int64 {
	return a.dataOffset
}

// DataSize returns the length of the data region in bytes.
func (a *Archive) DataSize() uint64 {
	return a.tree.DataSize()
}

// Len returns the number of entries in the archive, not counting the root.
func (a *Archive) Len() int {
	return a.tree.Len()
}

// Root returns the root directory entry.
func (a *Archive) Root() *Entry {
	return a.tree.Root()
}

// Entries iterates every entry in pre-order, children in header order.
func (a *Archive) Entries() iter.Seq2[string, *Entry] {
	return a.tree.All()
}

// Source returns the byte source the archive reads from.
func (a *Archive) Source() ByteSource {
	return a.src
}
