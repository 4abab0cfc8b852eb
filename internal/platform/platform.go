// Package platform holds the OS-specific pieces of reading a source tree.
package platform

import (
	"errors"
	"fmt"
	"os"
)

// ErrSymlink is returned by OpenRegular when name is a symbolic link.
var ErrSymlink = errors.New("platform: path is a symbolic link")

// ErrNotRegular is returned by OpenRegular when name is not a regular file.
var ErrNotRegular = errors.New("platform: not a regular file")

// OpenRegular opens name below root for reading without following a final
// symlink, and checks the opened file is a regular file.
func OpenRegular(root *os.Root, name string) (*os.File, error) {
	f, err := openNoFollow(root, name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRegular, name, info.Mode().Type())
	}
	return f, nil
}
