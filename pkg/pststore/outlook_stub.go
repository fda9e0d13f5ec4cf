//go:build !windows

package pststore

import "context"

// OutlookBridge is only available on Windows, where Outlook's COM
// automation interface exists. On other platforms every call reports
// ErrUnsupported; imports can still be planned with the dry-run bridge.
type OutlookBridge struct{}

// NewOutlookBridge reports ErrUnsupported off Windows.
func NewOutlookBridge() (*OutlookBridge, error) {
	return nil, ErrUnsupported
}

// Close is a no-op on the stub.
func (b *OutlookBridge) Close() {}

func (b *OutlookBridge) CreateContainer(ctx context.Context, path string) (Container, error) {
	return nil, ErrUnsupported
}

func (b *OutlookBridge) OpenContainer(ctx context.Context, path string) (Container, error) {
	return nil, ErrUnsupported
}

func (b *OutlookBridge) CreateFolder(ctx context.Context, c Container, name string) (Folder, error) {
	return nil, ErrUnsupported
}

func (b *OutlookBridge) AddItemDirect(ctx context.Context, f Folder, raw []byte) (string, error) {
	return "", ErrUnsupported
}

func (b *OutlookBridge) FolderItemCount(ctx context.Context, f Folder) (int, error) {
	return 0, ErrUnsupported
}

func (b *OutlookBridge) Detach(ctx context.Context, c Container) error {
	return ErrUnsupported
}
