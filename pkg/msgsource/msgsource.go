// Package msgsource enumerates message files from an exported mail tree.
//
// The package implements the first stage of the import pipeline:
//  1. Walk the source tree once and collect candidate .eml files with sizes.
//  2. Sort by relative path so the upstream year/month layout yields a
//     stable, chronological ingestion order.
//  3. Stream records one at a time, reading file content lazily.
//
// A scanner is single-pass and non-restartable. Individual unreadable files
// are skipped and tallied; only an unreadable root aborts.
package msgsource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mailport/mailport/pkg/logging"
)

// ErrSourceUnreadable indicates the source root does not exist or cannot
// be traversed. No container is touched when this is returned.
var ErrSourceUnreadable = errors.New("message source unreadable")

// DefaultExt is the message file extension collected by a scanner.
const DefaultExt = ".eml"

// Record is one enumerated message. Ownership of Raw transfers to the
// caller for the duration of one ingestion call; the scanner never
// retains it.
type Record struct {
	// Raw is the full RFC822 message content.
	Raw []byte

	// Size is the on-disk size in bytes, used for byte budgeting.
	Size int64

	// Path is the absolute source path of the message file.
	Path string

	// Year is the inferred message year, or 0 when it cannot be inferred.
	Year int
}

type entry struct {
	path string
	rel  string
	size int64
}

// Scanner produces an ordered, lazy, finite sequence of Records.
type Scanner struct {
	root       string
	entries    []entry
	pos        int
	readErrors int64
	totalBytes int64
}

// Scan walks root (which may be a single-year subdirectory) and returns a
// scanner over all message files beneath it, ordered lexicographically by
// relative path. Returns ErrSourceUnreadable if root is missing or not
// traversable.
func Scan(root string) (*Scanner, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceUnreadable, root)
	}

	s := &Scanner{root: root}
	log := logging.WithPhase("import")

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtree entries are skipped, not fatal
			s.readErrors++
			log.Warn().Str("path", path).Err(err).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), DefaultExt) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			s.readErrors++
			log.Warn().Str("path", path).Err(err).Msg("skipping unstatable file")
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		s.entries = append(s.entries, entry{path: path, rel: rel, size: fi.Size()})
		s.totalBytes += fi.Size()
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, root, walkErr)
	}

	slices.SortFunc(s.entries, func(a, b entry) int {
		return strings.Compare(a.rel, b.rel)
	})
	return s, nil
}

// Count returns the number of message files found by the initial walk.
func (s *Scanner) Count() int {
	return len(s.entries)
}

// TotalBytes returns the summed on-disk size of all found message files.
func (s *Scanner) TotalBytes() int64 {
	return s.totalBytes
}

// ReadErrors returns the number of entries skipped because they could not
// be read. The tally grows as Next progresses and is surfaced in the
// run-end summary.
func (s *Scanner) ReadErrors() int64 {
	return s.readErrors
}

// Next returns the next Record in order, reading its content from disk.
// Files that fail to read are skipped and tallied. Returns io.EOF when
// the sequence is exhausted.
func (s *Scanner) Next() (*Record, error) {
	log := logging.WithPhase("import")
	for s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++

		raw, err := os.ReadFile(e.path)
		if err != nil {
			s.readErrors++
			log.Warn().Str("path", e.path).Err(err).Msg("skipping unreadable message file")
			continue
		}

		size := e.size
		if size == 0 {
			size = int64(len(raw))
		}
		year := yearFromPath(e.rel)
		if year == 0 {
			year = yearFromMessage(raw)
		}
		return &Record{Raw: raw, Size: size, Path: e.path, Year: year}, nil
	}
	return nil, io.EOF
}

// yearFromPath returns the first path component of rel that looks like a
// four-digit year, matching the year/month layout written by the exporter.
func yearFromPath(rel string) int {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) != 4 {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		if y >= 1900 && y <= 2200 {
			return y
		}
	}
	return 0
}

// yearFromMessage parses the Date header of a raw message.
// Returns 0 when the message or its Date header cannot be parsed.
func yearFromMessage(raw []byte) int {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return 0
	}
	h := mail.Header{Header: e.Header}
	t, err := h.Date()
	if err != nil || t.IsZero() {
		return 0
	}
	return t.Year()
}
