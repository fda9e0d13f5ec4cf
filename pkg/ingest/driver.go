// Package ingest drives the import run: it pulls message records from the
// enumerator, routes them through the split plan, and feeds them to the
// container lifecycle manager one at a time.
//
// The pipeline is strictly single-threaded because the external
// application's automation interface is not reentrant. Every bridge call
// is treated as blocking; nothing is pipelined ahead of it. A requested
// stop (context cancellation) takes effect only between messages, and
// every exit path detaches all open containers before returning.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mailport/mailport/pkg/logging"
	"github.com/mailport/mailport/pkg/msgsource"
	"github.com/mailport/mailport/pkg/pststore"
	"github.com/mailport/mailport/pkg/splitplan"
)

// Config holds the periodic side-effect cadence of the run loop.
type Config struct {
	// FlushEvery detaches and reopens the current container every N items
	// so the host OS reports real file growth. 0 disables flushing.
	FlushEvery int

	// CountEvery reads the live folder item count every N items and
	// reconciles it against the run's own tally. 0 disables counting.
	CountEvery int

	// StatusEvery logs a progress event every N items. Default 100.
	StatusEvery int
}

// Importer is the ingestion driver for one run.
type Importer struct {
	src   *msgsource.Scanner
	plan  *splitplan.Plan
	mgr   *pststore.Manager
	cfg   Config
	state *RunState
}

// NewImporter wires the pipeline stages together.
func NewImporter(src *msgsource.Scanner, plan *splitplan.Plan, mgr *pststore.Manager, cfg Config) *Importer {
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = 100
	}
	return &Importer{
		src:   src,
		plan:  plan,
		mgr:   mgr,
		cfg:   cfg,
		state: NewRunState(),
	}
}

// Run executes the import loop until the enumerator is exhausted, the
// context is canceled, or a fatal error occurs. All open containers are
// detached before Run returns, on every path. The returned summary is
// valid even when err is non-nil.
func (imp *Importer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	rep := NewReporter(imp.state, imp.src.TotalBytes(), imp.cfg.StatusEvery)

	runErr := imp.run(ctx, rep)

	// Cleanup must complete even when ctx was canceled.
	cleanupCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		imp.readFinalCounts(cleanupCtx)
	}
	if derr := imp.mgr.DetachAll(cleanupCtx); derr != nil {
		log := logging.WithPhase("import")
		log.Error().Err(derr).Msg("detach-all failed")
		if runErr == nil {
			runErr = derr
		}
	}
	rep.Finish()

	imp.state.Oversized = imp.plan.OversizedCount()
	imp.state.ReadErrors = imp.src.ReadErrors()
	return newSummary(imp.state, time.Since(start)), runErr
}

func (imp *Importer) run(ctx context.Context, rep *Reporter) error {
	log := logging.WithPhase("import")
	currentPath := ""

	for {
		// Stops take effect between messages only
		if err := ctx.Err(); err != nil {
			log.Info().Msg("stop requested, finishing current batch")
			return err
		}

		rec, err := imp.src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("enumerate messages: %w", err)
		}
		imp.state.Items++

		a := imp.plan.Assign(rec.Size, rec.Year)
		if a.Oversized {
			log.Warn().
				Str("path", rec.Path).
				Int64("size", rec.Size).
				Msg("single message exceeds container ceiling, placing in its own part")
		}

		if a.Rotate {
			if err := imp.mgr.Rotate(ctx, a.StreamKey); err != nil {
				return err
			}
			imp.state.Rotations++
		} else if err := imp.mgr.Ensure(ctx, a.StreamKey); err != nil {
			return err
		}

		part := imp.mgr.CurrentPart(a.StreamKey)
		if path := imp.mgr.ContainerPath(a.StreamKey, part); path != currentPath {
			currentPath = path
			rep.Describe(path)
			log.Info().Str("container", path).Msg("writing to container")
		}

		if _, err := imp.mgr.AddItemDirect(ctx, a.StreamKey, rec.Raw); err != nil {
			if !errors.Is(err, pststore.ErrItemCreation) {
				return err
			}
			imp.state.RecordFailed(a.StreamKey, part)
			log.Warn().Str("path", rec.Path).Err(err).Msg("skipping message")
		} else {
			imp.state.RecordAdded(a.StreamKey, part, rec.Size)
		}
		rep.Step(rec.Size)

		if imp.cfg.CountEvery > 0 && imp.state.Items%int64(imp.cfg.CountEvery) == 0 {
			live, err := imp.mgr.LiveCount(ctx, a.StreamKey)
			if err != nil {
				if errors.Is(err, pststore.ErrBridgeUnavailable) {
					return err
				}
				log.Warn().Err(err).Msg("live count read failed")
			} else {
				imp.state.Part(a.StreamKey, part).LiveCount = live
				rep.Reconcile(a.StreamKey, part, live)
			}
		}

		if imp.cfg.FlushEvery > 0 && imp.state.Items%int64(imp.cfg.FlushEvery) == 0 {
			if err := imp.mgr.Flush(ctx, a.StreamKey); err != nil {
				return err
			}
			log.Info().Str("container", currentPath).Msg("flushed container")
		}
	}
}

// readFinalCounts records the application's item count for every stream's
// open part, for the run-end summary.
func (imp *Importer) readFinalCounts(ctx context.Context) {
	log := logging.WithPhase("import")
	for _, key := range imp.plan.Streams() {
		part := imp.mgr.CurrentPart(key)
		if part == 0 {
			continue
		}
		live, err := imp.mgr.LiveCount(ctx, key)
		if err != nil {
			log.Warn().
				Str("stream", key).Err(err).
				Msg("final count read failed")
			continue
		}
		imp.state.Part(key, part).LiveCount = live
	}
}

// State exposes the run counters, mainly for tests and the reporter.
func (imp *Importer) State() *RunState {
	return imp.state
}
