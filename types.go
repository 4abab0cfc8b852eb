package asar

import (
	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/file"
	"github.com/meigma/asar/internal/tree"
)

// Re-export types from internal packages for the public API.
type (
	// Entry is a node of the archive tree: a file, directory or symlink.
	// Entries returned by an Archive are read-only.
	Entry = tree.Entry

	// Kind identifies the variant of an Entry.
	Kind = tree.Kind

	// File is an open archive file. Read verifies integrity as content
	// streams through it. ReadAt verifies every block it touches.
	File = file.Handle

	// DirEntry is a directory listing entry. It implements fs.DirEntry.
	DirEntry = file.DirEntry

	// ProgressEvent represents a progress update while creating or
	// extracting an archive.
	ProgressEvent = asartype.ProgressEvent

	// ProgressStage identifies the current phase of an operation.
	ProgressStage = asartype.ProgressStage

	// ProgressFunc receives progress updates.
	// Implementations must be safe for concurrent calls.
	ProgressFunc = asartype.ProgressFunc
)

// Entry kinds.
const (
	KindFile    = tree.KindFile
	KindDir     = tree.KindDir
	KindSymlink = tree.KindSymlink
)

// Progress stages.
const (
	StageEnumerating = asartype.StageEnumerating
	StageHashing     = asartype.StageHashing
	StageWriting     = asartype.StageWriting
	StageExtracting  = asartype.StageExtracting
)

// MaxSymlinkHops bounds the number of symlinks followed while resolving a path.
const MaxSymlinkHops = tree.MaxSymlinkHops
