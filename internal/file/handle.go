// Package file provides verified read handles over archive entries.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/integrity"
	"github.com/meigma/asar/internal/sizing"
	"github.com/meigma/asar/internal/tree"
)

// Source provides random access to an archive.
type Source interface {
	io.ReaderAt
	Size() int64
}

// rangeReader is implemented by sources that can stream a byte range with a
// single request.
type rangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// Config carries per-handle behaviour.
type Config struct {
	// VerifyOnClose drains unread content on Close so a tampered tail is
	// reported even when the caller stops early.
	VerifyOnClose bool

	// OnCorrupt, when set, is called once the first time the handle detects
	// content that does not match its integrity metadata.
	OnCorrupt func()
}

// Handle reads one file entry. Read streams content from the start and
// verifies integrity block by block as bytes flow through. ReadAt verifies
// every block it touches and may be called concurrently.
//
// Read and Close must not be called concurrently with each other.
type Handle struct {
	path  string
	entry *tree.Entry
	size  int64
	cfg   Config

	// embedded content
	src   Source
	start int64

	// external content (unpacked files, cache hits)
	stream io.ReadCloser

	r         io.Reader
	closer    io.Closer
	verifier  *integrity.Verifier
	remaining int64
	onCorrupt sync.Once
	started   bool
	done      bool
	closed    bool
	err       error
}

// Interface compliance.
var (
	_ fs.File     = (*Handle)(nil)
	_ io.ReaderAt = (*Handle)(nil)
)

// NewEmbedded returns a handle over the entry's bytes at start within src.
// start is the absolute position of the file in src.
func NewEmbedded(name string, e *tree.Entry, src Source, start int64, cfg Config) (*Handle, error) {
	h, err := newHandle(name, e, cfg)
	if err != nil {
		return nil, err
	}
	end, err := sizing.Span(start, e.Size(), asartype.ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if end > src.Size() {
		return nil, fmt.Errorf("open %s: %w: extent ends at %d past source size %d", name, asartype.ErrTreeInvariant, end, src.Size())
	}
	h.src = src
	h.start = start
	return h, nil
}

// NewStream returns a handle reading the entry's content from rc. The handle
// owns rc and closes it on Close. ReadAt works only if rc is an io.ReaderAt.
func NewStream(name string, e *tree.Entry, rc io.ReadCloser, cfg Config) (*Handle, error) {
	h, err := newHandle(name, e, cfg)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	h.stream = rc
	return h, nil
}

func newHandle(name string, e *tree.Entry, cfg Config) (*Handle, error) {
	if !e.IsFile() {
		return nil, fmt.Errorf("open %s: %s is not a regular file", name, e.Kind())
	}
	size, err := sizing.ToInt64(e.Size(), asartype.ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Handle{path: name, entry: e, size: size, cfg: cfg}, nil
}

// Entry returns the tree entry behind the handle.
func (h *Handle) Entry() *tree.Entry { return h.entry }

// Read implements io.Reader. Once a block fails verification Read returns
// (0, *IntegrityError) and keeps returning it.
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if h.err != nil {
		return 0, h.err
	}
	if err := h.init(); err != nil {
		return 0, h.fail(err)
	}
	if h.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.remaining == 0 {
		if err := h.finish(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	if int64(len(p)) > h.remaining {
		p = p[:h.remaining]
	}
	n, err := h.r.Read(p)
	if n > 0 {
		if h.verifier != nil {
			if _, verr := h.verifier.Write(p[:n]); verr != nil {
				return 0, h.fail(verr)
			}
		}
		h.remaining -= int64(n)
	}
	switch {
	case errors.Is(err, io.EOF):
		if h.remaining > 0 {
			return 0, h.fail(h.short())
		}
	case err != nil:
		return n, h.fail(h.resourceErr(h.size-h.remaining, int64(len(p)), err))
	}
	if h.remaining == 0 {
		if ferr := h.finish(); ferr != nil {
			return 0, ferr
		}
	}
	return n, nil
}

// ReadAll reads the remaining content into a buffer sized for the file.
func (h *Handle) ReadAll() ([]byte, error) {
	buf := make([]byte, 0, h.size)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := h.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadAt implements io.ReaderAt. Reads are widened to whole integrity blocks
// so each touched block can be checked before any byte is returned.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "readat", Path: h.path, Err: fs.ErrInvalid}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= h.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), h.size-off)

	desc := h.entry.Integrity()
	if desc == nil {
		n, err := h.readAt(p[:want], off)
		if err != nil {
			return n, h.corrupt(err)
		}
		return h.atEOF(n, len(p))
	}

	first, last, start := integrity.BlockSpan(desc, uint64(off), uint64(want)) //nolint:gosec // off and want are non-negative
	bs := int64(desc.BlockSize)
	blockStart := int64(start) //nolint:gosec // start <= off
	blockEnd := min(h.size, int64(last+1)*bs) //nolint:gosec // bounded by file size
	buf := make([]byte, blockEnd-blockStart)
	if _, err := h.readAt(buf, blockStart); err != nil {
		return 0, h.corrupt(err)
	}
	for i := first; i <= last; i++ {
		lo := int64(i)*bs - blockStart //nolint:gosec // block index fits in file size
		hi := min(lo+bs, int64(len(buf)))
		if err := integrity.VerifyBlock(desc, int(i), buf[lo:hi]); err != nil { //nolint:gosec // block index fits in int
			return 0, h.corrupt(err)
		}
	}
	n := copy(p[:want], buf[off-blockStart:])
	return h.atEOF(n, len(p))
}

func (h *Handle) atEOF(n, asked int) (int, error) {
	if n < asked {
		return n, io.EOF
	}
	return n, nil
}

// readAt fills p from file position off.
func (h *Handle) readAt(p []byte, off int64) (int, error) {
	var ra io.ReaderAt
	base := int64(0)
	switch {
	case h.src != nil:
		ra, base = h.src, h.start
	default:
		var ok bool
		if ra, ok = h.stream.(io.ReaderAt); !ok {
			return 0, &fs.PathError{Op: "readat", Path: h.path, Err: errors.ErrUnsupported}
		}
	}
	n, err := ra.ReadAt(p, base+off)
	if errors.Is(err, io.EOF) && n == len(p) {
		err = nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, h.short()
		}
		return n, h.resourceErr(off, int64(len(p)), err)
	}
	return n, nil
}

// Stat returns file info for the entry.
func (h *Handle) Stat() (fs.FileInfo, error) {
	return NewInfo(Base(h.path), h.entry), nil
}

// Close releases the range stream or external reader and discards
// verification state. With VerifyOnClose the rest of the content is read and
// checked first.
func (h *Handle) Close() error {
	if h.closed {
		return fs.ErrClosed
	}
	var err error
	if h.cfg.VerifyOnClose && h.err == nil && !h.done {
		_, err = io.Copy(io.Discard, h)
	}
	if h.err != nil && err == nil {
		err = h.err
	}

	if h.closer != nil {
		if cerr := h.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if h.stream != nil && h.closer == nil {
		if cerr := h.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	h.closed = true
	h.r, h.closer = nil, nil
	if h.verifier != nil {
		h.verifier.Reset()
		h.verifier = nil
	}
	return err
}

func (h *Handle) init() error {
	if h.started {
		return nil
	}
	h.started = true
	h.remaining = h.size
	if desc := h.entry.Integrity(); desc != nil {
		h.verifier = integrity.NewVerifier(desc)
	}

	switch {
	case h.stream != nil:
		h.r, h.closer = h.stream, h.stream
	case h.size == 0:
		h.r = eofReader{}
	default:
		if rr, ok := h.src.(rangeReader); ok {
			rc, err := rr.ReadRange(h.start, h.size)
			if err != nil {
				return h.resourceErr(0, h.size, err)
			}
			h.r, h.closer = rc, rc
			return nil
		}
		h.r = io.NewSectionReader(h.src, h.start, h.size)
	}
	return nil
}

// finish runs end-of-content checks once all recorded bytes were read.
func (h *Handle) finish() error {
	if h.done {
		return nil
	}
	if h.stream != nil {
		// External content must not run past the recorded size.
		var probe [1]byte
		n, err := h.r.Read(probe[:])
		if n > 0 {
			return h.fail(&asartype.IntegrityError{Block: asartype.WholeFile})
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return h.fail(h.resourceErr(h.size, 1, err))
		}
	}
	if h.verifier != nil {
		if err := h.verifier.Finish(); err != nil {
			return h.fail(err)
		}
	}
	h.done = true
	return nil
}

// short reports content that ended before the recorded size.
func (h *Handle) short() error {
	if h.stream != nil {
		return &asartype.IntegrityError{Block: asartype.WholeFile}
	}
	return h.resourceErr(h.size-h.remaining, h.remaining, io.ErrUnexpectedEOF)
}

func (h *Handle) resourceErr(off, length int64, err error) error {
	op := "read " + h.path
	base := h.start
	if h.stream != nil {
		op, base = "read unpacked "+h.path, 0
	}
	return &asartype.ResourceError{Op: op, Offset: base + off, Length: length, Err: err}
}

// fail records err as the handle's sticky error.
func (h *Handle) fail(err error) error {
	h.err = h.corrupt(err)
	return h.err
}

// corrupt attaches the path to integrity failures and fires OnCorrupt.
func (h *Handle) corrupt(err error) error {
	var ie *asartype.IntegrityError
	if !errors.As(err, &ie) {
		return err
	}
	out := *ie
	out.Path = h.path
	if h.cfg.OnCorrupt != nil {
		h.onCorrupt.Do(h.cfg.OnCorrupt)
	}
	return &out
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
