package ingest

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	pb "github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/mailport/mailport/pkg/humanfmt"
	"github.com/mailport/mailport/pkg/logging"
)

// Reporter emits periodic, observational progress and reconciliation
// output. It reads RunState and never mutates it; the only blocking it
// adds to the driver is the duration of one external count read, which
// the driver itself performs.
type Reporter struct {
	state     *RunState
	log       zerolog.Logger
	bar       *pb.ProgressBar
	every     int64
	startTime time.Time
}

// NewReporter creates a reporter over the given state. A terminal
// progress bar tracking totalBytes is shown only when stderr is a TTY;
// structured status events are logged every statusEvery items either way.
func NewReporter(state *RunState, totalBytes int64, statusEvery int) *Reporter {
	r := &Reporter{
		state:     state,
		log:       logging.WithPhase("import"),
		every:     int64(statusEvery),
		startTime: time.Now(),
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		r.bar = pb.DefaultBytes(totalBytes, "Import")
	}
	return r
}

// Describe updates the progress bar label when the driver switches to a
// different container.
func (r *Reporter) Describe(containerPath string) {
	if r.bar != nil {
		r.bar.Describe("Import " + containerPath)
	}
}

// Step records one processed record of the given size.
func (r *Reporter) Step(size int64) {
	if r.bar != nil {
		// Bar errors are cosmetic only
		_ = r.bar.Add64(size)
	}
	if r.every > 0 && r.state.Items%r.every == 0 {
		elapsed := time.Since(r.startTime)
		r.log.Info().
			Int64("items", r.state.Items).
			Int64("added", r.state.Added).
			Int64("failed", r.state.Failed).
			Int64("bytes", r.state.Bytes).
			Int64("rotations", r.state.Rotations).
			Str("throughput", humanfmt.Throughput(r.state.Bytes, elapsed)).
			Msg("import progress")
	}
}

// Reconcile compares the application's live item count for the stream's
// open part against the run's own tally. Divergence means the application
// silently rejected or deduplicated items and is logged as a warning.
func (r *Reporter) Reconcile(key string, part, live int) {
	local := r.state.PartAdded(key, part)
	if int64(live) != local {
		r.log.Warn().
			Str("stream", key).
			Int("part", part).
			Int64("local_count", local).
			Int("live_count", live).
			Msg("item count divergence")
		return
	}
	r.log.Debug().
		Str("stream", key).
		Int("part", part).
		Int("live_count", live).
		Msg("item count reconciled")
}

// Finish closes the progress bar.
func (r *Reporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}
