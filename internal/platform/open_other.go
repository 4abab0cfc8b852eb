//go:build !unix

package platform

import (
	"io/fs"
	"os"
)

// openNoFollow checks with Lstat first; the window between the two calls is
// accepted on platforms without O_NOFOLLOW.
func openNoFollow(root *os.Root, name string) (*os.File, error) {
	info, err := root.Lstat(name)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, ErrSymlink
	}
	return root.Open(name)
}
