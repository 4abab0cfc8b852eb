package asar

import "log/slog"

// DefaultMaxFiles is the default limit used when no CreateWithMaxFiles option is set.
const DefaultMaxFiles = 200_000

// createConfig holds configuration for archive creation.
type createConfig struct {
	unpackGlobs []string
	blockSize   uint32
	noIntegrity bool
	unpackedDir string
	maxFiles    int
	logger      *slog.Logger
	progress    ProgressFunc
}

// CreateOption configures archive creation.
type CreateOption func(*createConfig)

// CreateWithUnpackGlob stores files matching pattern outside the archive.
//
// Patterns use gobwas/glob syntax with "/" as the separator, so "*" stays
// within one path segment and "**" crosses segments. A pattern without "/"
// also matches base names. A directory whose path matches unpacks every file
// below it. The option may be repeated; a file is unpacked if any pattern
// matches.
func CreateWithUnpackGlob(pattern string) CreateOption {
	return func(cfg *createConfig) {
		cfg.unpackGlobs = append(cfg.unpackGlobs, pattern)
	}
}

// CreateWithBlockSize sets the integrity block size in bytes.
// Zero uses the default of 4 MiB.
func CreateWithBlockSize(n uint32) CreateOption {
	return func(cfg *createConfig) {
		cfg.blockSize = n
	}
}

// CreateWithIntegrity controls whether integrity metadata is recorded for
// each file, embedded and unpacked alike (default: true).
func CreateWithIntegrity(enabled bool) CreateOption {
	return func(cfg *createConfig) {
		cfg.noIntegrity = !enabled
	}
}

// CreateWithUnpackedDir sets the directory unpacked files are copied to,
// laid out by archive path. Without it, Create records unpacked files in the
// header but does not copy their content anywhere. CreateFile defaults it to
// the archive path plus UnpackedSuffix.
func CreateWithUnpackedDir(dir string) CreateOption {
	return func(cfg *createConfig) {
		cfg.unpackedDir = dir
	}
}

// CreateWithMaxFiles limits the number of entries in the archive.
// Zero uses DefaultMaxFiles. Negative means no limit.
func CreateWithMaxFiles(n int) CreateOption {
	return func(cfg *createConfig) {
		cfg.maxFiles = n
	}
}

// CreateWithLogger sets the logger for archive creation.
func CreateWithLogger(logger *slog.Logger) CreateOption {
	return func(cfg *createConfig) {
		cfg.logger = logger
	}
}

// CreateWithProgress sets a callback to receive progress updates.
func CreateWithProgress(fn ProgressFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.progress = fn
	}
}
