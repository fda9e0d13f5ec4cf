//go:build linux

package diskfree

import "golang.org/x/sys/unix"

// freeSpace returns available bytes on Linux using statfs.
func freeSpace(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	// Bavail is the block count available to unprivileged users
	return uint64(st.Bavail) * uint64(st.Bsize), true
}
