// Package mboxexport implements the first migration stage: splitting one
// .mbox archive into individual .eml files laid out by message date.
//
// The output tree is what pkg/msgsource later enumerates, so the layout
// names directories by year (and optionally month) and the per-directory
// caps spill into __partN siblings instead of growing without bound. Some
// desktop mail clients degrade badly on directories with hundreds of
// thousands of entries, which is what the caps are for.
package mboxexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mailport/mailport/pkg/fileutil"
	"github.com/mailport/mailport/pkg/logging"
)

// ErrMboxUnreadable indicates the source archive does not exist or cannot
// be opened.
var ErrMboxUnreadable = errors.New("mbox archive unreadable")

// Layout selects the directory structure of the output tree.
type Layout int

const (
	// LayoutYear writes <out>/<YYYY>/ (default).
	LayoutYear Layout = iota

	// LayoutMonth writes <out>/<YYYY>/<MM>/.
	LayoutMonth

	// LayoutFlat writes every file directly under <out>/.
	LayoutFlat
)

// ParseLayout converts a CLI flag value to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "year":
		return LayoutYear, nil
	case "month":
		return LayoutMonth, nil
	case "flat":
		return LayoutFlat, nil
	}
	return 0, fmt.Errorf("unknown layout %q, want year, month or flat", s)
}

// fallback date bucket for messages without a parseable Date header
const (
	fallbackYear  = 1970
	fallbackMonth = 1
)

// Config holds one export run's settings.
type Config struct {
	// MboxPath is the source archive.
	MboxPath string

	// OutDir is the root of the output tree.
	OutDir string

	// Layout is the directory structure. Default LayoutYear.
	Layout Layout

	// StartYear and EndYear bound the exported range, inclusive. Zero
	// means unbounded on that side. Out-of-range messages are skipped
	// and tallied, never an error.
	StartYear int
	EndYear   int

	// MaxPerDir caps the number of files per directory. 0 = no limit.
	MaxPerDir int

	// MaxDirBytes caps the total bytes per directory. 0 = no limit.
	// A full directory spills into <dir>__part2, __part3 and so on.
	MaxDirBytes int64

	// ProgressEvery logs a progress event every N messages. Default 1000.
	ProgressEvery int
}

// DirStat is one output directory's tally for the run-end report.
type DirStat struct {
	Path  string
	Files int64
	Bytes int64
}

// Result is the run-end report of one export.
type Result struct {
	Total    int64
	Exported int64
	Skipped  int64
	Filtered int64
	Bytes    int64
	Dirs     int
	Duration time.Duration

	// TopDirs lists up to ten output directories by descending bytes.
	TopDirs []DirStat
}

type dirState struct {
	files int64
	bytes int64
}

// Exporter splits one mbox archive into .eml files. Single use.
type Exporter struct {
	cfg  Config
	dirs map[string]*dirState
}

// New validates cfg and returns a ready exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.MboxPath == "" {
		return nil, errors.New("mbox path is required")
	}
	if cfg.OutDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.StartYear != 0 && cfg.EndYear != 0 && cfg.EndYear < cfg.StartYear {
		return nil, fmt.Errorf("end year %d precedes start year %d", cfg.EndYear, cfg.StartYear)
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 1000
	}
	return &Exporter{cfg: cfg, dirs: make(map[string]*dirState)}, nil
}

// Run streams the archive message by message and writes one .eml file per
// message. Individual malformed or unwritable messages are skipped and
// tallied; only an unreadable archive or output root aborts.
func (ex *Exporter) Run(ctx context.Context) (*Result, error) {
	log := logging.WithPhase("export")
	start := time.Now()

	f, err := os.Open(ex.cfg.MboxPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMboxUnreadable, ex.cfg.MboxPath, err)
	}
	defer f.Close()

	if err := fileutil.EnsureDir(ex.cfg.OutDir); err != nil {
		return nil, err
	}

	log.Info().Str("mbox", ex.cfg.MboxPath).Str("out", ex.cfg.OutDir).Msg("reading archive")

	res := &Result{}
	mr := mbox.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return ex.finish(res, start), err
		}

		msg, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ex.finish(res, start), fmt.Errorf("read archive: %w", err)
		}
		res.Total++

		raw, err := io.ReadAll(msg)
		if err != nil {
			res.Skipped++
			log.Warn().Int64("message", res.Total).Err(err).Msg("skipping unreadable message")
			continue
		}

		year, month, subject := headerFields(raw)
		if (ex.cfg.StartYear != 0 && year < ex.cfg.StartYear) ||
			(ex.cfg.EndYear != 0 && year > ex.cfg.EndYear) {
			res.Filtered++
			continue
		}

		dir, err := ex.destDir(year, month, int64(len(raw)))
		if err != nil {
			return ex.finish(res, start), err
		}

		path := filepath.Join(dir, uniqueName(subject))
		if err := fileutil.WriteAtomic(path, raw); err != nil {
			res.Skipped++
			log.Warn().Str("path", path).Err(err).Msg("skipping unwritable message")
			continue
		}

		st := ex.dirs[dir]
		st.files++
		st.bytes += int64(len(raw))
		res.Exported++
		res.Bytes += int64(len(raw))

		if res.Total%int64(ex.cfg.ProgressEvery) == 0 {
			log.Info().
				Int64("read", res.Total).
				Int64("exported", res.Exported).
				Int64("skipped", res.Skipped).
				Int64("filtered", res.Filtered).
				Msg("export progress")
		}
	}
	return ex.finish(res, start), nil
}

// destDir returns the directory the next message of the given date bucket
// and size should land in, creating it if needed and spilling to __partN
// siblings when the base directory is at a cap.
func (ex *Exporter) destDir(year, month int, size int64) (string, error) {
	base := ex.cfg.OutDir
	switch ex.cfg.Layout {
	case LayoutYear:
		base = filepath.Join(base, fmt.Sprintf("%04d", year))
	case LayoutMonth:
		base = filepath.Join(base, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month))
	}

	dir := base
	for part := 2; ; part++ {
		st, ok := ex.dirs[dir]
		if !ok {
			if err := fileutil.EnsureDir(dir); err != nil {
				return "", err
			}
			st = &dirState{}
			ex.dirs[dir] = st
		}
		if ex.fits(st, size) {
			return dir, nil
		}
		dir = fmt.Sprintf("%s__part%d", base, part)
	}
}

func (ex *Exporter) fits(st *dirState, size int64) bool {
	if ex.cfg.MaxPerDir > 0 && st.files >= int64(ex.cfg.MaxPerDir) {
		return false
	}
	if ex.cfg.MaxDirBytes > 0 && st.bytes+size > ex.cfg.MaxDirBytes {
		// An empty directory must accept even an oversized message or the
		// spill chain would never terminate.
		return st.files == 0
	}
	return true
}

func (ex *Exporter) finish(res *Result, start time.Time) *Result {
	res.Duration = time.Since(start)
	res.Dirs = len(ex.dirs)

	top := make([]DirStat, 0, len(ex.dirs))
	for dir, st := range ex.dirs {
		top = append(top, DirStat{Path: dir, Files: st.files, Bytes: st.bytes})
	}
	slices.SortFunc(top, func(a, b DirStat) int {
		if a.Bytes != b.Bytes {
			if a.Bytes > b.Bytes {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Path, b.Path)
	})
	if len(top) > 10 {
		top = top[:10]
	}
	res.TopDirs = top
	return res
}

// headerFields parses the raw message's Date and Subject headers. Missing
// or malformed dates fall back to January 1970 so the message still gets
// a deterministic bucket.
func headerFields(raw []byte) (year, month int, subject string) {
	year, month = fallbackYear, fallbackMonth
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return year, month, ""
	}
	h := mail.Header{Header: e.Header}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		year, month = t.Year(), int(t.Month())
	}
	subject, _ = h.Subject()
	return year, month, subject
}

// uniqueName builds a collision-free file name from the sanitized subject
// and a random suffix.
func uniqueName(subject string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return safeName(subject) + "__" + suffix + ".eml"
}

const maxNameLen = 120

// safeName makes a string usable as a file name on Windows and macOS:
// reserved punctuation becomes underscores, whitespace runs collapse to a
// single space, and the result is length-bounded and never empty.
func safeName(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		switch {
		case strings.ContainsRune(`\/:*?"<>|`, r) || r < 0x20:
			b.WriteByte('_')
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
	}
	if out == "" {
		return "msg"
	}
	return out
}
