package pststore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeBridge records the call sequence and can simulate busy and refusal
// responses from the external application.
type fakeBridge struct {
	calls      []string
	containers map[string]*fakeContainer
	busyLeft   map[string]int // op -> remaining busy responses
	addErr     error
	touchFiles bool // create real container files on CreateContainer
	nextItem   int
}

type fakeContainer struct {
	path     string
	folders  map[string]*fakeFolder
	attached bool
}

func (c *fakeContainer) Path() string { return c.path }

type fakeFolder struct {
	name  string
	items int
}

func (f *fakeFolder) Name() string { return f.name }

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		containers: make(map[string]*fakeContainer),
		busyLeft:   make(map[string]int),
	}
}

func (b *fakeBridge) busy(op string) bool {
	if b.busyLeft[op] > 0 {
		b.busyLeft[op]--
		return true
	}
	return false
}

func (b *fakeBridge) CreateContainer(ctx context.Context, path string) (Container, error) {
	b.calls = append(b.calls, "create:"+filepath.Base(path))
	if b.busy("create") {
		return nil, ErrBusy
	}
	c := &fakeContainer{path: path, folders: make(map[string]*fakeFolder), attached: true}
	b.containers[path] = c
	if b.touchFiles {
		if err := os.WriteFile(path, []byte("pst"), 0o644); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (b *fakeBridge) OpenContainer(ctx context.Context, path string) (Container, error) {
	b.calls = append(b.calls, "open:"+filepath.Base(path))
	if b.busy("open") {
		return nil, ErrBusy
	}
	c, ok := b.containers[path]
	if !ok {
		// A file from an earlier run the bridge has never seen
		c = &fakeContainer{path: path, folders: make(map[string]*fakeFolder)}
		b.containers[path] = c
	}
	c.attached = true
	return c, nil
}

func (b *fakeBridge) CreateFolder(ctx context.Context, c Container, name string) (Folder, error) {
	fc := c.(*fakeContainer)
	b.calls = append(b.calls, "folder:"+name)
	if b.busy("folder") {
		return nil, ErrBusy
	}
	if f, ok := fc.folders[name]; ok {
		return f, nil
	}
	f := &fakeFolder{name: name}
	fc.folders[name] = f
	return f, nil
}

func (b *fakeBridge) AddItemDirect(ctx context.Context, f Folder, raw []byte) (string, error) {
	b.calls = append(b.calls, "add")
	if b.busy("add") {
		return "", ErrBusy
	}
	if b.addErr != nil {
		return "", b.addErr
	}
	ff := f.(*fakeFolder)
	ff.items++
	b.nextItem++
	return fmt.Sprintf("item-%d", b.nextItem), nil
}

func (b *fakeBridge) FolderItemCount(ctx context.Context, f Folder) (int, error) {
	b.calls = append(b.calls, "count")
	if b.busy("count") {
		return 0, ErrBusy
	}
	return f.(*fakeFolder).items, nil
}

func (b *fakeBridge) Detach(ctx context.Context, c Container) error {
	b.calls = append(b.calls, "detach:"+filepath.Base(c.Path()))
	if b.busy("detach") {
		return ErrBusy
	}
	c.(*fakeContainer).attached = false
	return nil
}

func (b *fakeBridge) attachedCount() int {
	n := 0
	for _, c := range b.containers {
		if c.attached {
			n++
		}
	}
	return n
}

func testRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond}
}

func newTestManager(t *testing.T, b Bridge) *Manager {
	t.Helper()
	return NewManager(b, Config{
		OutDir:   t.TempDir(),
		BaseName: "emails",
		Retry:    testRetry(),
	})
}

func TestContainerPath(t *testing.T) {
	m := NewManager(newFakeBridge(), Config{OutDir: "/out", BaseName: "emails"})

	tests := []struct {
		key  string
		part int
		want string
	}{
		{"2010", 1, filepath.Join("/out", "emails_2010.pst")},
		{"2010", 2, filepath.Join("/out", "emails_2010_part2.pst")},
		{"0", 3, filepath.Join("/out", "emails_0_part3.pst")},
		{"", 1, filepath.Join("/out", "emails.pst")},
	}
	for _, tt := range tests {
		if got := m.ContainerPath(tt.key, tt.part); got != tt.want {
			t.Errorf("ContainerPath(%q, %d) = %s, want %s", tt.key, tt.part, got, tt.want)
		}
	}
}

func TestEnsureOpensFirstPart(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if m.CurrentPart("2010") != 1 {
		t.Errorf("part = %d, want 1", m.CurrentPart("2010"))
	}

	// Second Ensure is a no-op
	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	want := []string{"create:emails_2010.pst", "folder:Imported (EML)"}
	if len(b.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", b.calls, want)
	}
	for i := range want {
		if b.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, b.calls[i], want[i])
		}
	}
}

func TestProvisionFolderIdempotent(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	c, err := m.OpenOrCreate(ctx, "2010", 1)
	if err != nil {
		t.Fatal(err)
	}
	f1, err := m.ProvisionFolder(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := m.ProvisionFolder(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Error("ProvisionFolder returned different handles for the same name")
	}
	if n := len(b.containers[c.Path()].folders); n != 1 {
		t.Errorf("container holds %d folders, want 1", n)
	}
}

func TestRotateDetachesBeforeOpening(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rotate(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if m.CurrentPart("2010") != 2 {
		t.Errorf("part = %d, want 2", m.CurrentPart("2010"))
	}

	want := []string{
		"create:emails_2010.pst",
		"folder:Imported (EML)",
		"detach:emails_2010.pst",
		"create:emails_2010_part2.pst",
		"folder:Imported (EML)",
	}
	if len(b.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", b.calls, want)
	}
	for i := range want {
		if b.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, b.calls[i], want[i])
		}
	}

	// Never two attached parts of one stream
	if got := b.attachedCount(); got != 1 {
		t.Errorf("%d containers attached, want 1", got)
	}
}

func TestRotateUnopenedStreamFails(t *testing.T) {
	m := newTestManager(t, newFakeBridge())
	if err := m.Rotate(context.Background(), "2010"); err == nil {
		t.Error("expected error rotating an unopened stream")
	}
}

func TestFlushReopensSamePart(t *testing.T) {
	b := newFakeBridge()
	b.touchFiles = true
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if m.CurrentPart("2010") != 1 {
		t.Errorf("part changed across flush: %d", m.CurrentPart("2010"))
	}

	// The reopen must go through OpenContainer since the file now exists
	want := []string{
		"create:emails_2010.pst",
		"folder:Imported (EML)",
		"detach:emails_2010.pst",
		"open:emails_2010.pst",
		"folder:Imported (EML)",
	}
	if len(b.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", b.calls, want)
	}
	for i := range want {
		if b.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, b.calls[i], want[i])
		}
	}
}

func TestCrashResumeReopensExistingContainer(t *testing.T) {
	b := newFakeBridge()
	outDir := t.TempDir()
	m := NewManager(b, Config{OutDir: outDir, BaseName: "emails", Retry: testRetry()})

	// A prior interrupted run left a partially filled part 1 behind
	if err := os.WriteFile(filepath.Join(outDir, "emails_2010.pst"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Ensure(context.Background(), "2010"); err != nil {
		t.Fatalf("reopening an existing container failed: %v", err)
	}
	if b.calls[0] != "open:emails_2010.pst" {
		t.Errorf("first call = %s, want open of existing container", b.calls[0])
	}
}

func TestZeroByteLeftoverIsRecreated(t *testing.T) {
	b := newFakeBridge()
	outDir := t.TempDir()
	m := NewManager(b, Config{OutDir: outDir, BaseName: "emails", Retry: testRetry()})

	// An interrupted create can leave an empty file the application
	// cannot open as a container
	if err := os.WriteFile(filepath.Join(outDir, "emails_2010.pst"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Ensure(context.Background(), "2010"); err != nil {
		t.Fatalf("Ensure over zero-byte leftover failed: %v", err)
	}
	if b.calls[0] != "create:emails_2010.pst" {
		t.Errorf("first call = %s, want create over zero-byte leftover", b.calls[0])
	}
}

func TestBusyRetrySucceeds(t *testing.T) {
	b := newFakeBridge()
	b.busyLeft["create"] = 2
	m := newTestManager(t, b)

	if err := m.Ensure(context.Background(), "2010"); err != nil {
		t.Fatalf("expected success after busy retries, got %v", err)
	}

	creates := 0
	for _, c := range b.calls {
		if c == "create:emails_2010.pst" {
			creates++
		}
	}
	if creates != 3 {
		t.Errorf("create attempted %d times, want 3", creates)
	}
}

func TestBusyExhaustionIsFatal(t *testing.T) {
	b := newFakeBridge()
	b.busyLeft["create"] = 10
	m := newTestManager(t, b)

	err := m.Ensure(context.Background(), "2010")
	if !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected ErrBridgeUnavailable, got %v", err)
	}
}

func TestAddItemFailureIsRecoverable(t *testing.T) {
	b := newFakeBridge()
	b.addErr = errors.New("malformed message")
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	_, err := m.AddItemDirect(ctx, "2010", []byte("raw"))
	if !errors.Is(err, ErrItemCreation) {
		t.Fatalf("expected ErrItemCreation, got %v", err)
	}
	if errors.Is(err, ErrBridgeUnavailable) {
		t.Error("item failure must not be fatal")
	}
}

func TestAddItemBusyThenSuccess(t *testing.T) {
	b := newFakeBridge()
	b.busyLeft["add"] = 1
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	id, err := m.AddItemDirect(ctx, "2010", []byte("raw"))
	if err != nil {
		t.Fatalf("expected success after one busy response, got %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty item id")
	}
}

func TestDetachAllMatchesOpens(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2009"); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if err := m.Rotate(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if err := m.DetachAll(ctx); err != nil {
		t.Fatal(err)
	}

	if m.Opens() != m.Detaches() {
		t.Errorf("opens = %d, detaches = %d; every open container must be detached", m.Opens(), m.Detaches())
	}
	if got := b.attachedCount(); got != 0 {
		t.Errorf("%d containers still attached after DetachAll", got)
	}

	// DetachAll is safe to call again
	if err := m.DetachAll(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Opens() != m.Detaches() {
		t.Errorf("second DetachAll changed the balance: opens=%d detaches=%d", m.Opens(), m.Detaches())
	}
}

func TestDetachIdempotent(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	c, err := m.OpenOrCreate(ctx, "2010", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Detach(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := m.Detach(ctx, c); err != nil {
		t.Fatal(err)
	}
	if m.Detaches() != 1 {
		t.Errorf("bridge detached %d times, want 1", m.Detaches())
	}
}

func TestLiveCount(t *testing.T) {
	b := newFakeBridge()
	m := newTestManager(t, b)
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.AddItemDirect(ctx, "2010", []byte("raw")); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.LiveCount(ctx, "2010")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("live count = %d, want 3", n)
	}
}

func TestDryRunBridge(t *testing.T) {
	b := NewDryRunBridge()
	m := NewManager(b, Config{OutDir: t.TempDir(), Retry: testRetry()})
	ctx := context.Background()

	if err := m.Ensure(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddItemDirect(ctx, "2010", []byte("raw")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddItemDirect(ctx, "2010", []byte("raw2")); err != nil {
		t.Fatal(err)
	}
	n, err := m.LiveCount(ctx, "2010")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("dry-run live count = %d, want 2", n)
	}

	// No file backs the container, so the flush reattach goes through
	// CreateContainer; the simulated count must survive it.
	if err := m.Flush(ctx, "2010"); err != nil {
		t.Fatal(err)
	}
	n, err = m.LiveCount(ctx, "2010")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("live count after flush = %d, want 2", n)
	}

	if err := m.DetachAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(b.Containers()) != 1 {
		t.Errorf("dry-run created %d containers, want 1", len(b.Containers()))
	}
}
