package pststore

import (
	"context"
	"fmt"
	"strconv"
)

// DryRunBridge simulates the external application in memory. It accepts
// every call, tracks folder item counts, and writes nothing to disk.
// Used by `mailport import --dry-run` to preview the container layout and
// rotation sequence a real run would produce.
type DryRunBridge struct {
	containers map[string]*dryContainer
	nextItemID int
}

type dryContainer struct {
	path    string
	folders map[string]*dryFolder
}

func (c *dryContainer) Path() string { return c.path }

type dryFolder struct {
	name  string
	items int
}

func (f *dryFolder) Name() string { return f.name }

// NewDryRunBridge returns an empty in-memory bridge.
func NewDryRunBridge() *DryRunBridge {
	return &DryRunBridge{containers: make(map[string]*dryContainer)}
}

// CreateContainer simulates creating and attaching a container. Since no
// file is written, a reattach after a flush cycle also lands here; the
// existing entry is reused so simulated folder counts survive the cycle.
func (b *DryRunBridge) CreateContainer(ctx context.Context, path string) (Container, error) {
	if c, ok := b.containers[path]; ok {
		return c, nil
	}
	c := &dryContainer{path: path, folders: make(map[string]*dryFolder)}
	b.containers[path] = c
	return c, nil
}

// OpenContainer simulates attaching an existing container. Containers
// unknown to the bridge are created empty, mirroring a reopen of a file
// from an earlier run whose contents are opaque here.
func (b *DryRunBridge) OpenContainer(ctx context.Context, path string) (Container, error) {
	if c, ok := b.containers[path]; ok {
		return c, nil
	}
	return b.CreateContainer(ctx, path)
}

// CreateFolder is idempotent per container and name.
func (b *DryRunBridge) CreateFolder(ctx context.Context, c Container, name string) (Folder, error) {
	dc, ok := c.(*dryContainer)
	if !ok {
		return nil, fmt.Errorf("foreign container handle %T", c)
	}
	if f, ok := dc.folders[name]; ok {
		return f, nil
	}
	f := &dryFolder{name: name}
	dc.folders[name] = f
	return f, nil
}

// AddItemDirect counts the item and returns a synthetic id.
func (b *DryRunBridge) AddItemDirect(ctx context.Context, f Folder, raw []byte) (string, error) {
	df, ok := f.(*dryFolder)
	if !ok {
		return "", fmt.Errorf("foreign folder handle %T", f)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty message")
	}
	df.items++
	b.nextItemID++
	return "dry-" + strconv.Itoa(b.nextItemID), nil
}

// FolderItemCount returns the simulated live count.
func (b *DryRunBridge) FolderItemCount(ctx context.Context, f Folder) (int, error) {
	df, ok := f.(*dryFolder)
	if !ok {
		return 0, fmt.Errorf("foreign folder handle %T", f)
	}
	return df.items, nil
}

// Detach is a no-op; the simulated application holds no OS handles.
func (b *DryRunBridge) Detach(ctx context.Context, c Container) error {
	return nil
}

// Containers returns the paths of all containers the run would create,
// for the dry-run report.
func (b *DryRunBridge) Containers() []string {
	paths := make([]string, 0, len(b.containers))
	for path := range b.containers {
		paths = append(paths, path)
	}
	return paths
}
