//go:build darwin

package diskfree

import "golang.org/x/sys/unix"

// freeSpace returns available bytes on macOS using statfs.
func freeSpace(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}
