package file

import (
	"io"

	"github.com/meigma/asar/internal/asartype"
)

// CountingWriter wraps a writer and counts bytes written.
type CountingWriter struct {
	W io.Writer
	N uint64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Writer contract
		if cw.N > ^uint64(0)-uint64(n) {
			return n, asartype.ErrSizeOverflow
		}
		cw.N += uint64(n) //nolint:gosec // overflow checked above
	}
	return n, err
}

// ProgressWriter counts bytes and reports them through fn after each write.
type ProgressWriter struct {
	W  io.Writer
	Fn func(written uint64)

	n uint64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.W.Write(p)
	if n > 0 {
		pw.n += uint64(n) //nolint:gosec // n is non-negative
		if pw.Fn != nil {
			pw.Fn(pw.n)
		}
	}
	return n, err
}
