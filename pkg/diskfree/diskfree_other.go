//go:build !linux && !darwin && !windows && !freebsd && !dragonfly

package diskfree

// freeSpace returns a fallback for unsupported platforms.
// Returns false to indicate the value is not available.
func freeSpace(path string) (uint64, bool) {
	return 0, false
}
