package pststore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mailport/mailport/pkg/fileutil"
	"github.com/mailport/mailport/pkg/logging"
)

// RetryPolicy bounds the retries applied to busy bridge calls. The
// threshold is configurable because real-world application latency varies
// too much for a fixed count to be safe.
type RetryPolicy struct {
	// Attempts is the total number of tries per call, including the first.
	Attempts int

	// Min is the initial backoff delay.
	Min time.Duration

	// Max caps the backoff delay.
	Max time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured:
// 5 attempts with jittered exponential backoff from 250ms up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Min:      250 * time.Millisecond,
		Max:      5 * time.Second,
	}
}

// Config holds container naming and retry settings for one run.
type Config struct {
	// OutDir is the directory container files are written to.
	OutDir string

	// BaseName is the container file base name. Default "emails".
	BaseName string

	// FolderName is the single root-level folder provisioned inside each
	// container. Default "Imported (EML)".
	FolderName string

	// Retry bounds busy-call retries. Zero value means DefaultRetryPolicy.
	Retry RetryPolicy
}

const containerExt = ".pst"

type streamPhase int

const (
	phaseUnopened streamPhase = iota
	phaseOpen
	phaseDetached
)

// stream is the per-logical-stream state machine:
// Unopened -> Open(part=k) -> Open(part=k+1) -> ... -> Detached.
// No transition skips detachment of the previous part.
type stream struct {
	key       string
	part      int
	container Container
	folder    Folder
	phase     streamPhase
}

// Manager owns every physical container of a run. At most one container
// per logical stream is attached at any instant; all prior parts are
// detached before the next part is opened.
type Manager struct {
	bridge  Bridge
	cfg     Config
	streams map[string]*stream

	attached map[string]bool // container path -> currently attached
	opens    int             // bridge open/create calls that succeeded
	detaches int             // bridge detach calls that succeeded
}

// NewManager creates a lifecycle manager over the given bridge.
func NewManager(bridge Bridge, cfg Config) *Manager {
	if cfg.BaseName == "" {
		cfg.BaseName = "emails"
	}
	if cfg.FolderName == "" {
		cfg.FolderName = "Imported (EML)"
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Manager{
		bridge:   bridge,
		cfg:      cfg,
		streams:  make(map[string]*stream),
		attached: make(map[string]bool),
	}
}

// ContainerPath returns the deterministic path for a (stream, part) pair:
// <base>[_<key>][_part<N>].pst, where part 1 carries no suffix.
func (m *Manager) ContainerPath(key string, part int) string {
	name := m.cfg.BaseName
	if key != "" {
		name += "_" + key
	}
	if part >= 2 {
		name += fmt.Sprintf("_part%d", part)
	}
	return filepath.Join(m.cfg.OutDir, name+containerExt)
}

// withRetry runs fn, retrying with jittered exponential backoff while the
// bridge reports busy. Exhausting the budget converts the failure into
// ErrBridgeUnavailable.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    m.cfg.Retry.Min,
		Max:    m.cfg.Retry.Max,
		Factor: 2,
		Jitter: true,
	}
	log := logging.WithPhase("import")

	var err error
	for attempt := 1; attempt <= m.cfg.Retry.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrBusy) {
			return err
		}
		if attempt == m.cfg.Retry.Attempts {
			break
		}
		wait := b.Duration()
		log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("bridge busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrBridgeUnavailable, op, m.cfg.Retry.Attempts, err)
}

// OpenOrCreate attaches the container for (key, part), creating the file
// if it does not exist yet. Reopening an existing container supports
// resuming after a crash; duplicate items from the last unflushed batch of
// the interrupted run are an accepted, documented limitation and are not
// silently fixed. A zero-byte leftover from an interrupted create is not
// a container the application can open and is recreated instead.
func (m *Manager) OpenOrCreate(ctx context.Context, key string, part int) (Container, error) {
	path := m.ContainerPath(key, part)

	var c Container
	err := m.withRetry(ctx, "open container", func() error {
		var err error
		if fileutil.IsNonEmpty(path) {
			c, err = m.bridge.OpenContainer(ctx, path)
		} else {
			c, err = m.bridge.CreateContainer(ctx, path)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", path, err)
	}

	m.attached[c.Path()] = true
	m.opens++
	return c, nil
}

// ProvisionFolder ensures the configured root folder exists in the
// container. Idempotent: repeated calls return the same folder.
func (m *Manager) ProvisionFolder(ctx context.Context, c Container) (Folder, error) {
	var f Folder
	err := m.withRetry(ctx, "provision folder", func() error {
		var err error
		f, err = m.bridge.CreateFolder(ctx, c, m.cfg.FolderName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("provision folder %q in %s: %w", m.cfg.FolderName, c.Path(), err)
	}
	return f, nil
}

// AddItemDirect creates one item from raw message bytes directly in the
// stream's open folder, never in the application's staging location.
// Non-busy failures are reported as ErrItemCreation so the driver can
// skip and count them.
func (m *Manager) AddItemDirect(ctx context.Context, key string, raw []byte) (string, error) {
	st, err := m.openStream(key)
	if err != nil {
		return "", err
	}

	var id string
	err = m.withRetry(ctx, "add item", func() error {
		var err error
		id, err = m.bridge.AddItemDirect(ctx, st.folder, raw)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrBridgeUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrItemCreation, err)
	}
	return id, nil
}

// Detach releases the application's handle on the container. Safe to call
// multiple times; only the first call per attachment reaches the bridge.
func (m *Manager) Detach(ctx context.Context, c Container) error {
	if !m.attached[c.Path()] {
		return nil
	}
	err := m.withRetry(ctx, "detach container", func() error {
		return m.bridge.Detach(ctx, c)
	})
	if err != nil {
		return fmt.Errorf("detach %s: %w", c.Path(), err)
	}
	m.attached[c.Path()] = false
	m.detaches++
	return nil
}

// Ensure opens the stream's first part and provisions its folder on first
// use. Subsequent calls are cheap.
func (m *Manager) Ensure(ctx context.Context, key string) error {
	_, err := m.openStream(key)
	if errors.Is(err, errStreamUnopened) {
		return m.openPart(ctx, m.streamState(key), 1)
	}
	return err
}

// Rotate detaches the stream's current part, opens the next one, and
// re-provisions the folder. The stream must be open.
func (m *Manager) Rotate(ctx context.Context, key string) error {
	st, err := m.openStream(key)
	if err != nil {
		return err
	}
	if err := m.Detach(ctx, st.container); err != nil {
		return err
	}
	log := logging.WithPhase("import")
	log.Info().
		Str("stream", key).
		Int("part", st.part+1).
		Str("path", m.ContainerPath(key, st.part+1)).
		Msg("rotating container")
	return m.openPart(ctx, st, st.part+1)
}

// Flush detaches and immediately reopens the stream's current part. This
// is a pure side effect so the host OS updates the reported file size; no
// item is moved or changed.
func (m *Manager) Flush(ctx context.Context, key string) error {
	st, err := m.openStream(key)
	if err != nil {
		return err
	}
	if err := m.Detach(ctx, st.container); err != nil {
		return err
	}
	return m.openPart(ctx, st, st.part)
}

// LiveCount reads the application's item count for the stream's open
// folder.
func (m *Manager) LiveCount(ctx context.Context, key string) (int, error) {
	st, err := m.openStream(key)
	if err != nil {
		return 0, err
	}
	var n int
	err = m.withRetry(ctx, "read item count", func() error {
		var err error
		n, err = m.bridge.FolderItemCount(ctx, st.folder)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read item count for %s: %w", key, err)
	}
	return n, nil
}

// DetachAll detaches every currently open container. It runs on every
// exit path, success or fatal error, and keeps going past individual
// detach failures so no container is left attached.
func (m *Manager) DetachAll(ctx context.Context) error {
	var firstErr error
	for _, st := range m.streams {
		if st.phase != phaseOpen {
			continue
		}
		if err := m.Detach(ctx, st.container); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		st.phase = phaseDetached
	}
	return firstErr
}

// CurrentPart returns the stream's current part number, or 0 if the
// stream was never opened.
func (m *Manager) CurrentPart(key string) int {
	if st, ok := m.streams[key]; ok {
		return st.part
	}
	return 0
}

// Opens returns the number of successful container attachments and
// Detaches the number of successful detachments. At run end the two must
// be equal.
func (m *Manager) Opens() int { return m.opens }

// Detaches reports successful bridge detach calls.
func (m *Manager) Detaches() int { return m.detaches }

var errStreamUnopened = errors.New("stream not opened")

func (m *Manager) streamState(key string) *stream {
	st, ok := m.streams[key]
	if !ok {
		st = &stream{key: key}
		m.streams[key] = st
	}
	return st
}

func (m *Manager) openStream(key string) (*stream, error) {
	st := m.streamState(key)
	switch st.phase {
	case phaseOpen:
		return st, nil
	case phaseDetached:
		return nil, fmt.Errorf("stream %s already detached", key)
	default:
		return nil, fmt.Errorf("%w: %s", errStreamUnopened, key)
	}
}

// openPart attaches part n of the stream and provisions its folder. The
// previous part, if any, must already be detached.
func (m *Manager) openPart(ctx context.Context, st *stream, part int) error {
	c, err := m.OpenOrCreate(ctx, st.key, part)
	if err != nil {
		return err
	}
	f, err := m.ProvisionFolder(ctx, c)
	if err != nil {
		// Leave no orphaned attachment behind
		if derr := m.Detach(ctx, c); derr != nil {
			log := logging.WithPhase("import")
			log.Warn().Err(derr).
				Str("path", c.Path()).
				Msg("detach after failed folder provisioning")
		}
		return err
	}
	st.part = part
	st.container = c
	st.folder = f
	st.phase = phaseOpen
	return nil
}
