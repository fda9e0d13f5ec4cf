// Package pststore manages the lifecycle of size-bounded PST containers
// through an external mail application's automation bridge.
//
// The external application (Outlook) owns and locks every attached
// container for the duration of a run. The package is built around a small
// capability set consumed from that application:
//
//	create-container, open-container, create-folder, add-item-direct,
//	read-folder-item-count, detach-container
//
// The container's internal binary format is never parsed here, and the
// application's storage engine is never reimplemented. Every call into the
// bridge is synchronous and potentially slow; container creation and
// detach are the slowest. The bridge is not reentrant, so the manager is
// strictly single-threaded.
package pststore

import (
	"context"
	"errors"
)

// ErrBusy marks a transient bridge rejection (the application's automation
// interface refused the call because it was busy). Calls failing with
// ErrBusy are retried with backoff.
var ErrBusy = errors.New("bridge busy")

// ErrBridgeUnavailable indicates the bridge stayed unavailable past the
// configured retry budget. It is fatal to the run, after detach-all.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// ErrItemCreation indicates a single item could not be created, either
// from malformed message content or application refusal. It is counted
// and skipped, never fatal.
var ErrItemCreation = errors.New("item creation failed")

// ErrUnsupported indicates no real bridge exists on this platform.
var ErrUnsupported = errors.New("mail application bridge not supported on this platform")

// Container is an opaque handle to one attached physical container.
type Container interface {
	// Path returns the on-disk path of the container file.
	Path() string
}

// Folder is an opaque handle to a folder inside an attached container.
type Folder interface {
	// Name returns the folder's display name.
	Name() string
}

// Bridge is the capability set the external mail application exposes.
// Implementations must be usable from a single goroutine only.
type Bridge interface {
	// CreateContainer creates and attaches a new container file at path.
	CreateContainer(ctx context.Context, path string) (Container, error)

	// OpenContainer attaches an existing container file at path.
	// Reopening a container written by an interrupted earlier run must
	// succeed.
	OpenContainer(ctx context.Context, path string) (Container, error)

	// CreateFolder ensures a folder with the given name exists directly
	// under the container root and returns it. Idempotent: a second call
	// with the same name returns the same folder, never a duplicate.
	CreateFolder(ctx context.Context, c Container, name string) (Folder, error)

	// AddItemDirect creates a new item from raw message bytes directly in
	// the folder's item collection, bypassing the application's default
	// drafts/staging location for new unsent items.
	AddItemDirect(ctx context.Context, f Folder, raw []byte) (string, error)

	// FolderItemCount reads the application's live item count for the
	// folder, for reconciliation against the run's own tally.
	FolderItemCount(ctx context.Context, f Folder) (int, error)

	// Detach releases the application's handle on the container so the
	// host OS reports its true on-disk size. The container file itself is
	// never deleted.
	Detach(ctx context.Context, c Container) error
}
