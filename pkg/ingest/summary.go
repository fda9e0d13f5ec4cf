package ingest

import (
	"time"

	"github.com/mailport/mailport/pkg/humanfmt"
	"github.com/mailport/mailport/pkg/logging"
)

// Summary is the immutable run-end report.
type Summary struct {
	Items      int64
	Added      int64
	Failed     int64
	Bytes      int64
	Rotations  int64
	Oversized  int64
	ReadErrors int64
	Containers int
	Duration   time.Duration
	Streams    []*StreamTally
}

func newSummary(state *RunState, d time.Duration) *Summary {
	streams := state.Streams()
	containers := 0
	for _, st := range streams {
		containers += len(st.Parts)
	}
	return &Summary{
		Items:      state.Items,
		Added:      state.Added,
		Failed:     state.Failed,
		Bytes:      state.Bytes,
		Rotations:  state.Rotations,
		Oversized:  state.Oversized,
		ReadErrors: state.ReadErrors,
		Containers: containers,
		Duration:   d,
		Streams:    streams,
	}
}

// Log writes the summary through the structured logger, one event for the
// run totals and one per container part. Pretty mode adds formatted
// companion fields next to the raw counters.
func (s *Summary) Log() {
	log := logging.WithPhase("summary")
	ev := log.Info().
		Int64("items", s.Items).
		Int64("added", s.Added).
		Int64("failed", s.Failed).
		Int64("read_errors", s.ReadErrors).
		Int64("oversized", s.Oversized).
		Int64("rotations", s.Rotations).
		Int("containers", s.Containers).
		Int64("bytes", s.Bytes).
		Dur("duration", s.Duration)
	if logging.IsPrettyMode() {
		ev = ev.
			Str("added_human", humanfmt.Count(s.Added)).
			Str("bytes_human", humanfmt.Bytes(s.Bytes)).
			Str("duration_human", humanfmt.Duration(s.Duration)).
			Str("throughput", humanfmt.Throughput(s.Bytes, s.Duration))
	}
	ev.Msg("import finished")

	for _, st := range s.Streams {
		for _, p := range st.Parts {
			pev := log.Info().
				Str("stream", st.Key).
				Int("part", p.Part).
				Int64("added", p.Added).
				Int64("failed", p.Failed).
				Int64("bytes", p.Bytes)
			if logging.IsPrettyMode() {
				pev = pev.Str("bytes_human", humanfmt.Bytes(p.Bytes))
			}
			if p.LiveCount >= 0 {
				pev = pev.Int("live_count", p.LiveCount)
			}
			pev.Msg("container part")
		}
	}
}
