// Package diskfree provides cross-platform free-space detection for the
// output directory, used as a preflight check before containers are written.
//
// The check is advisory: container sizes are approximate until the external
// application detaches them, so a shortfall is reported as a warning rather
// than a hard failure.
package diskfree

// Result holds the result of free-space detection.
type Result struct {
	// FreeBytes is the space available to the current user on the
	// filesystem holding the probed path.
	FreeBytes uint64

	// Reliable indicates whether the value was obtained from a
	// platform-specific probe (true) or is unknown (false).
	Reliable bool
}

// Free returns the available space on the filesystem containing path.
// On unsupported platforms or probe failure, Reliable is false and
// FreeBytes is zero.
func Free(path string) Result {
	bytes, ok := freeSpace(path)
	if !ok {
		return Result{}
	}
	return Result{FreeBytes: bytes, Reliable: true}
}
