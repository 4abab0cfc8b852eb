package asartype

// ProgressEvent represents a progress update while building or extracting an archive.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the entry currently being processed, if applicable.
	Path string

	// BytesDone is the number of content bytes completed so far.
	BytesDone uint64

	// BytesTotal is the total content bytes for the stage.
	// Zero indicates the total is unknown.
	BytesTotal uint64

	// FilesDone is the number of files completed.
	FilesDone int

	// FilesTotal is the total number of files.
	// Zero indicates the total is unknown (e.g., during enumeration).
	FilesTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageEnumerating indicates the source tree is being collected and sorted.
	StageEnumerating ProgressStage = iota

	// StageHashing indicates file sizes and integrity digests are being computed.
	StageHashing

	// StageWriting indicates the header and data region are being written.
	StageWriting

	// StageExtracting indicates files are being extracted to disk.
	StageExtracting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageEnumerating:
		return "enumerating"
	case StageHashing:
		return "hashing"
	case StageWriting:
		return "writing"
	case StageExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
