package asar

import "github.com/meigma/asar/internal/asartype"

// Sentinel errors. Use errors.Is to classify failures.
var (
	// ErrMalformedFraming is returned by Open when the binary envelope
	// around the header is invalid.
	ErrMalformedFraming = asartype.ErrMalformedFraming

	// ErrSchema is returned by Open when the header JSON does not describe a
	// valid tree.
	ErrSchema = asartype.ErrSchema

	// ErrInvalidPath is returned for paths with "." or ".." segments.
	// It also matches fs.ErrInvalid.
	ErrInvalidPath = asartype.ErrInvalidPath

	// ErrSymlinkLoop is returned when resolving a path crosses more than
	// MaxSymlinkHops symlinks.
	ErrSymlinkLoop = asartype.ErrSymlinkLoop

	// ErrTreeInvariant is returned by Open when embedded files do not tile
	// the data region exactly.
	ErrTreeInvariant = asartype.ErrTreeInvariant

	// ErrIntegrity is matched by every *IntegrityError.
	ErrIntegrity = asartype.ErrIntegrity

	// ErrNotFound is returned when a path names no entry.
	// It also matches fs.ErrNotExist.
	ErrNotFound = asartype.ErrNotFound

	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = asartype.ErrIsDir

	// ErrIsSymlink is returned when OpenFile targets a symlink.
	ErrIsSymlink = asartype.ErrIsSymlink

	// ErrNotDir is returned when a directory operation targets a
	// non-directory.
	ErrNotDir = asartype.ErrNotDir

	// ErrResource is matched by every *ResourceError.
	ErrResource = asartype.ErrResource

	// ErrSourceRead is matched by every *SourceReadError.
	ErrSourceRead = asartype.ErrSourceRead

	// ErrBuilderBug signals an internal inconsistency in the writer.
	ErrBuilderBug = asartype.ErrBuilderBug

	// ErrSizeOverflow is returned when sizes or offsets exceed supported limits.
	ErrSizeOverflow = asartype.ErrSizeOverflow

	// ErrTooManyFiles is returned by Create when the source tree has more
	// entries than CreateWithMaxFiles allows.
	ErrTooManyFiles = asartype.ErrTooManyFiles
)

// Typed errors.
type (
	// IntegrityError reports content that does not match its recorded
	// digests. Block is the first bad block, or WholeFile.
	IntegrityError = asartype.IntegrityError

	// ResourceError wraps a failure of the backing resource.
	ResourceError = asartype.ResourceError

	// SourceReadError reports source content that could not be read while
	// creating an archive.
	SourceReadError = asartype.SourceReadError
)

// WholeFile is the IntegrityError block index for aggregate mismatches.
const WholeFile = asartype.WholeFile
