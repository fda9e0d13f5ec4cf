//go:build freebsd || dragonfly

package diskfree

import "golang.org/x/sys/unix"

// freeSpace returns available bytes on BSD variants using statfs.
func freeSpace(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	// Bavail may be negative on some BSDs when the reserve is exceeded
	if st.Bavail < 0 {
		return 0, true
	}
	return uint64(st.Bavail) * uint64(st.Bsize), true
}
