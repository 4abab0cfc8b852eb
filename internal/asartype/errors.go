package asartype

import (
	"errors"
	"fmt"
	"io/fs"
)

// kindError is a sentinel that can also match an io/fs error class, so
// callers using the fs.FS surface can test with fs.ErrNotExist and friends.
type kindError struct {
	msg   string
	class error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool {
	return e.class != nil && target == e.class
}

// Sentinel errors. Every failure returned by the codec matches exactly one
// of these with errors.Is.
var (
	// ErrMalformedFraming is returned when the binary envelope around the header is invalid.
	ErrMalformedFraming = errors.New("asar: malformed framing")

	// ErrSchema is returned when the header JSON does not describe a valid tree.
	ErrSchema = errors.New("asar: header schema error")

	// ErrInvalidPath is returned for paths containing "." or ".." segments.
	ErrInvalidPath error = &kindError{msg: "asar: invalid path", class: fs.ErrInvalid}

	// ErrSymlinkLoop is returned when following symlinks exceeds the hop limit.
	ErrSymlinkLoop = errors.New("asar: too many levels of symbolic links")

	// ErrTreeInvariant is returned when embedded file ranges do not tile the data region.
	ErrTreeInvariant = errors.New("asar: tree invariant violated")

	// ErrIntegrity is matched by every *IntegrityError.
	ErrIntegrity = errors.New("asar: integrity violation")

	// ErrNotFound is returned when a path does not name an entry of the expected kind.
	ErrNotFound error = &kindError{msg: "asar: not found", class: fs.ErrNotExist}

	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = errors.New("asar: is a directory")

	// ErrIsSymlink is returned when a file operation targets a symlink.
	ErrIsSymlink = errors.New("asar: is a symbolic link")

	// ErrNotDir is returned when a directory operation targets a non-directory.
	ErrNotDir = errors.New("asar: not a directory")

	// ErrResource is matched by every *ResourceError.
	ErrResource = errors.New("asar: backing resource error")

	// ErrSourceRead is matched by every *SourceReadError.
	ErrSourceRead = errors.New("asar: source read error")

	// ErrBuilderBug signals an internal inconsistency in the archive writer.
	// It is a defect, never the result of bad input.
	ErrBuilderBug = errors.New("asar: internal builder error")

	// ErrSizeOverflow is returned when sizes or offsets exceed supported limits.
	ErrSizeOverflow = errors.New("asar: size overflow")

	// ErrTooManyFiles is returned when a source tree exceeds the configured file limit.
	ErrTooManyFiles = errors.New("asar: too many files")
)

// WholeFile is the IntegrityError block index used when the aggregate
// digest (or the block count) is wrong rather than a single block.
const WholeFile = -1

// IntegrityError reports content that does not match its recorded digests.
type IntegrityError struct {
	// Path is the archive path of the file, when known.
	Path string

	// Block is the index of the first mismatching block, or WholeFile.
	Block int
}

func (e *IntegrityError) Error() string {
	where := "whole file"
	if e.Block != WholeFile {
		where = fmt.Sprintf("block %d", e.Block)
	}
	if e.Path == "" {
		return fmt.Sprintf("asar: integrity violation at %s", where)
	}
	return fmt.Sprintf("asar: integrity violation in %s at %s", e.Path, where)
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// ResourceError wraps a failure of the backing resource verbatim.
type ResourceError struct {
	Op     string
	Offset int64
	Length int64
	Err    error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("asar: %s [%d,+%d): %v", e.Op, e.Offset, e.Length, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrResource.
func (e *ResourceError) Is(target error) bool { return target == ErrResource }

// SourceReadError reports a source tree entry whose content could not be read
// while building an archive.
type SourceReadError struct {
	Path string
	Err  error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("asar: read source %s: %v", e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSourceRead.
func (e *SourceReadError) Is(target error) bool { return target == ErrSourceRead }
