package asar

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// writeFileAtomic streams fill into a temp file next to target, then renames
// it over target. The temp file is removed on any failure.
func writeFileAtomic(target string, perm fs.FileMode, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".asar-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// copyFileAtomic writes r to target through writeFileAtomic.
func copyFileAtomic(target string, perm fs.FileMode, r io.Reader) error {
	return writeFileAtomic(target, perm, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// fileMode returns the permission bits used for files written to disk.
func fileMode(executable bool) fs.FileMode {
	if executable {
		return 0o755
	}
	return 0o644
}
