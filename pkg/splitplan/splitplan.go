// Package splitplan decides which logical stream each message belongs to
// and when a size-bounded container must be rotated.
//
// A plan supports two split policies:
//
//   - ByYear: one logical stream per message year, with a fallback bucket
//     for messages whose year cannot be inferred. Streams appear lazily as
//     new years appear in the input.
//   - EvenSplit: a fixed number of streams balanced by cumulative bytes.
//     Assignment is greedy: each message is routed to the currently
//     lightest bucket, which stays within one message size of perfect
//     balance without lookahead or a second sizing pass.
//
// The plan only signals rotation; creating and detaching physical
// containers is the lifecycle manager's job. Once made, an assignment is
// never revisited.
package splitplan

import (
	"fmt"
	"slices"
	"strconv"
)

// Mode selects the split policy.
type Mode int

const (
	// ByYear routes each message to a per-year stream.
	ByYear Mode = iota

	// EvenSplit routes messages across a fixed number of streams,
	// keeping cumulative byte totals as balanced as possible.
	EvenSplit
)

// DefaultFallbackYear is the bucket used in ByYear mode when a message
// year cannot be inferred.
const DefaultFallbackYear = 1970

// Config holds the split policy for one run.
type Config struct {
	// Mode is the split policy.
	Mode Mode

	// Splits is the number of streams in EvenSplit mode.
	Splits int

	// MaxContainerBytes is the per-container byte ceiling that triggers
	// rotation. The external application does not enforce this itself.
	MaxContainerBytes int64

	// FallbackYear is the ByYear bucket for messages without an inferable
	// year. Zero means DefaultFallbackYear.
	FallbackYear int
}

// Assignment is the routing decision for one message.
type Assignment struct {
	// StreamKey identifies the logical stream (a year or a bucket index).
	StreamKey string

	// Rotate is true when the stream's current part would exceed the byte
	// ceiling with this message and a new part must be opened first.
	Rotate bool

	// Oversized is true when the message alone exceeds the ceiling. It is
	// placed in its own part and tallied as a warning, never split.
	Oversized bool
}

type streamState struct {
	partBytes  int64
	totalBytes int64
	assigned   bool
}

// Plan assigns messages to (stream, part) pairs. Not safe for concurrent
// use; the import pipeline is single-threaded by design.
type Plan struct {
	cfg       Config
	streams   map[string]*streamState
	evenKeys  []string
	oversized int64
}

// New validates cfg and returns a ready plan. EvenSplit buckets are fixed
// at creation; ByYear streams are created lazily by Assign.
func New(cfg Config) (*Plan, error) {
	if cfg.MaxContainerBytes <= 0 {
		return nil, fmt.Errorf("max container bytes must be positive, got %d", cfg.MaxContainerBytes)
	}
	if cfg.Mode == EvenSplit && cfg.Splits < 1 {
		return nil, fmt.Errorf("even split requires at least 1 bucket, got %d", cfg.Splits)
	}
	if cfg.FallbackYear == 0 {
		cfg.FallbackYear = DefaultFallbackYear
	}

	p := &Plan{
		cfg:     cfg,
		streams: make(map[string]*streamState),
	}
	if cfg.Mode == EvenSplit {
		p.evenKeys = make([]string, cfg.Splits)
		for i := range p.evenKeys {
			key := strconv.Itoa(i)
			p.evenKeys[i] = key
			p.streams[key] = &streamState{}
		}
	}
	return p, nil
}

// Assign routes one message of the given size and inferred year (0 when
// unknown) and reports whether the target stream must rotate first.
func (p *Plan) Assign(size int64, year int) Assignment {
	var key string
	switch p.cfg.Mode {
	case ByYear:
		if year == 0 {
			year = p.cfg.FallbackYear
		}
		key = strconv.Itoa(year)
		if _, ok := p.streams[key]; !ok {
			p.streams[key] = &streamState{}
		}
	case EvenSplit:
		key = p.lightestBucket()
	}

	st := p.streams[key]
	a := Assignment{StreamKey: key}

	if size > p.cfg.MaxContainerBytes {
		a.Oversized = true
		p.oversized++
	}
	if st.assigned && st.partBytes+size > p.cfg.MaxContainerBytes {
		a.Rotate = true
		st.partBytes = 0
	}

	st.assigned = true
	st.partBytes += size
	st.totalBytes += size
	return a
}

// lightestBucket returns the EvenSplit key with the smallest cumulative
// byte total, preferring the lowest index on ties.
func (p *Plan) lightestBucket() string {
	best := p.evenKeys[0]
	bestBytes := p.streams[best].totalBytes
	for _, key := range p.evenKeys[1:] {
		if b := p.streams[key].totalBytes; b < bestBytes {
			best, bestBytes = key, b
		}
	}
	return best
}

// Streams returns all stream keys seen so far, sorted.
func (p *Plan) Streams() []string {
	keys := make([]string, 0, len(p.streams))
	for key := range p.streams {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// StreamBytes returns the cumulative bytes assigned to a stream across
// all of its parts.
func (p *Plan) StreamBytes(key string) int64 {
	if st, ok := p.streams[key]; ok {
		return st.totalBytes
	}
	return 0
}

// OversizedCount returns how many single messages exceeded the container
// ceiling on their own.
func (p *Plan) OversizedCount() int64 {
	return p.oversized
}
