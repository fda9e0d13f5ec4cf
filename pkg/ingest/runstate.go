package ingest

import "slices"

// PartTally accumulates per-part counters for the run-end summary.
type PartTally struct {
	// Part is the 1-based physical part number within the stream.
	Part int

	// Added is the number of items successfully created in this part.
	Added int64

	// Failed is the number of items that could not be created.
	Failed int64

	// Bytes is the total message bytes routed into this part.
	Bytes int64

	// LiveCount is the external application's item count for this part at
	// the last read, or -1 if it was never read.
	LiveCount int
}

// StreamTally groups the part tallies of one logical stream.
type StreamTally struct {
	Key   string
	Parts []*PartTally
}

// RunState holds the process-wide counters of one invocation. It lives
// only for the run's duration and is the single source for the run-end
// summary; nothing is persisted across runs. It is an explicit object
// passed through the driver, never ambient state.
type RunState struct {
	// Items is the number of records pulled from the enumerator.
	Items int64

	// Added and Failed partition the pulled records; together with the
	// enumerator's skip tally they account for every message seen.
	Added  int64
	Failed int64

	// Bytes is the total size of successfully added messages.
	Bytes int64

	// Rotations counts container rotations across all streams.
	Rotations int64

	// Oversized counts single messages that exceeded the container
	// ceiling on their own (warning, not error).
	Oversized int64

	// ReadErrors is the enumerator's skip tally, merged in at run end.
	ReadErrors int64

	streams map[string]*StreamTally
}

// NewRunState returns an empty RunState.
func NewRunState() *RunState {
	return &RunState{streams: make(map[string]*StreamTally)}
}

// Part returns the tally for (key, part), creating it on first use.
func (rs *RunState) Part(key string, part int) *PartTally {
	st, ok := rs.streams[key]
	if !ok {
		st = &StreamTally{Key: key}
		rs.streams[key] = st
	}
	for _, pt := range st.Parts {
		if pt.Part == part {
			return pt
		}
	}
	pt := &PartTally{Part: part, LiveCount: -1}
	st.Parts = append(st.Parts, pt)
	return pt
}

// RecordAdded tallies one successfully created item.
func (rs *RunState) RecordAdded(key string, part int, size int64) {
	pt := rs.Part(key, part)
	pt.Added++
	pt.Bytes += size
	rs.Added++
	rs.Bytes += size
}

// RecordFailed tallies one item the application refused or that was
// malformed.
func (rs *RunState) RecordFailed(key string, part int) {
	rs.Part(key, part).Failed++
	rs.Failed++
}

// PartAdded returns the local tally for (key, part), for reconciliation
// against the application's live count.
func (rs *RunState) PartAdded(key string, part int) int64 {
	return rs.Part(key, part).Added
}

// Streams returns all stream tallies sorted by key.
func (rs *RunState) Streams() []*StreamTally {
	keys := make([]string, 0, len(rs.streams))
	for key := range rs.streams {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	out := make([]*StreamTally, len(keys))
	for i, key := range keys {
		out[i] = rs.streams[key]
	}
	return out
}
