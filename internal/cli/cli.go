// Package cli implements the command-line interface for mailport.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/mailport/mailport/pkg/diskfree"
	"github.com/mailport/mailport/pkg/fileutil"
	"github.com/mailport/mailport/pkg/humanfmt"
	"github.com/mailport/mailport/pkg/ingest"
	"github.com/mailport/mailport/pkg/logging"
	"github.com/mailport/mailport/pkg/mboxexport"
	"github.com/mailport/mailport/pkg/msgsource"
	"github.com/mailport/mailport/pkg/pststore"
	"github.com/mailport/mailport/pkg/splitplan"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mailport <command> [options]\ncommands: export, import")
	}

	switch args[0] {
	case "export":
		return runExport(args[1:])
	case "import":
		return runImport(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	mboxPath := fs.String("mbox", "", "path to the source .mbox archive")
	outDir := fs.String("out-dir", "", "destination directory for .eml files")
	layout := fs.String("layout", "year", "directory layout: year, month or flat")
	startYear := fs.Int("start-year", 0, "export from this year, inclusive (0 = unbounded)")
	endYear := fs.Int("end-year", 0, "export up to this year, inclusive (0 = unbounded)")
	maxPerDir := fs.Int("max-per-dir", 0, "max files per directory (0 = no limit)")
	maxDirGB := fs.Float64("max-dir-gb", 0, "max total size per directory in GB (0 = no limit)")
	progressEvery := fs.Int("progress-every", 1000, "log progress every N messages")
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-readable log output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.Init(*debug, *pretty)

	if *mboxPath == "" {
		return errors.New("--mbox is required")
	}
	if *outDir == "" {
		return errors.New("--out-dir is required")
	}
	lay, err := mboxexport.ParseLayout(*layout)
	if err != nil {
		return err
	}

	ex, err := mboxexport.New(mboxexport.Config{
		MboxPath:      *mboxPath,
		OutDir:        *outDir,
		Layout:        lay,
		StartYear:     *startYear,
		EndYear:       *endYear,
		MaxPerDir:     *maxPerDir,
		MaxDirBytes:   int64(*maxDirGB * float64(1<<30)),
		ProgressEvery: *progressEvery,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := ex.Run(ctx)
	if res != nil {
		logExportResult(res)
	}
	return err
}

func logExportResult(res *mboxexport.Result) {
	log := logging.WithPhase("summary")
	ev := log.Info().
		Int64("read", res.Total).
		Int64("exported", res.Exported).
		Int64("skipped", res.Skipped).
		Int64("filtered", res.Filtered).
		Int("dirs", res.Dirs).
		Int64("bytes", res.Bytes).
		Dur("duration", res.Duration)
	if logging.IsPrettyMode() {
		ev = ev.
			Str("exported_human", humanfmt.Count(res.Exported)).
			Str("bytes_human", humanfmt.Bytes(res.Bytes)).
			Str("duration_human", humanfmt.Duration(res.Duration))
	}
	ev.Msg("export finished")
	for _, d := range res.TopDirs {
		dev := log.Info().
			Str("dir", d.Path).
			Int64("files", d.Files).
			Int64("bytes", d.Bytes)
		if logging.IsPrettyMode() {
			dev = dev.Str("bytes_human", humanfmt.Bytes(d.Bytes))
		}
		dev.Msg("top directory")
	}
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	srcDir := fs.String("src", "", "root of the exported .eml tree")
	outDir := fs.String("out-dir", "", "directory the containers are written to")
	baseName := fs.String("base-name", "emails", "container file base name")
	folderName := fs.String("folder-name", "Imported (EML)", "folder provisioned inside each container")
	splitBy := fs.String("split-by", "year", "split policy: year, or even with --splits")
	splits := fs.Int("splits", 0, "number of streams for --split-by even")
	maxPstGB := fs.Float64("max-pst-gb", 15, "per-container size ceiling in GB")
	fallbackYear := fs.Int("fallback-year", splitplan.DefaultFallbackYear, "bucket for messages without an inferable year")
	flushEvery := fs.Int("flush-every", 500, "detach and reopen the container every N items (0 = off)")
	countEvery := fs.Int("count-every", 1000, "reconcile the live folder count every N items (0 = off)")
	statusEvery := fs.Int("status-every", 100, "log a progress event every N items")
	retryAttempts := fs.Int("retry-attempts", 0, "busy-call retry attempts (0 = default policy)")
	retryMin := fs.Duration("retry-min", 250*time.Millisecond, "initial busy-call backoff delay")
	retryMax := fs.Duration("retry-max", 5*time.Second, "maximum busy-call backoff delay")
	dryRun := fs.Bool("dry-run", false, "simulate the run without touching the mail application")
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-readable log output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.Init(*debug, *pretty)
	log := logging.WithPhase("import")

	if *srcDir == "" {
		return errors.New("--src is required")
	}
	if *outDir == "" {
		return errors.New("--out-dir is required")
	}
	if *maxPstGB <= 0 {
		return errors.New("--max-pst-gb must be positive")
	}

	planCfg := splitplan.Config{
		MaxContainerBytes: int64(*maxPstGB * float64(1 << 30)),
		FallbackYear:      *fallbackYear,
	}
	switch *splitBy {
	case "year":
		planCfg.Mode = splitplan.ByYear
	case "even":
		if *splits < 1 {
			return errors.New("--split-by even requires --splits >= 1")
		}
		planCfg.Mode = splitplan.EvenSplit
		planCfg.Splits = *splits
	default:
		return fmt.Errorf("unknown split policy %q, want year or even", *splitBy)
	}

	if err := fileutil.EnsureDir(*outDir); err != nil {
		return err
	}

	src, err := msgsource.Scan(*srcDir)
	if err != nil {
		return err
	}
	if src.Count() == 0 {
		log.Warn().Str("src", *srcDir).Msg("no message files found")
		return nil
	}
	log.Info().
		Int("messages", src.Count()).
		Str("bytes", humanfmt.Bytes(src.TotalBytes())).
		Msg("source scanned")

	checkDiskSpace(*outDir, src.TotalBytes())

	plan, err := splitplan.New(planCfg)
	if err != nil {
		return err
	}

	var bridge pststore.Bridge
	var dry *pststore.DryRunBridge
	if *dryRun {
		dry = pststore.NewDryRunBridge()
		bridge = dry
	} else {
		ob, err := pststore.NewOutlookBridge()
		if err != nil {
			return fmt.Errorf("connect to mail application: %w", err)
		}
		defer ob.Close()
		bridge = ob
	}

	retry := pststore.DefaultRetryPolicy()
	if *retryAttempts > 0 {
		retry = pststore.RetryPolicy{Attempts: *retryAttempts, Min: *retryMin, Max: *retryMax}
	}
	mgr := pststore.NewManager(bridge, pststore.Config{
		OutDir:     *outDir,
		BaseName:   *baseName,
		FolderName: *folderName,
		Retry:      retry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	imp := ingest.NewImporter(src, plan, mgr, ingest.Config{
		FlushEvery:  *flushEvery,
		CountEvery:  *countEvery,
		StatusEvery: *statusEvery,
	})
	sum, runErr := imp.Run(ctx)
	sum.Log()
	if dry != nil {
		for _, path := range dry.Containers() {
			log.Info().Str("container", path).Msg("dry run would create")
		}
	}
	return runErr
}

// checkDiskSpace warns when the projected output exceeds the free space
// on the output filesystem. Advisory only: container overhead makes the
// projection approximate in both directions.
func checkDiskSpace(outDir string, projected int64) {
	res := diskfree.Free(outDir)
	if !res.Reliable {
		return
	}
	if uint64(projected) > res.FreeBytes {
		log := logging.WithPhase("import")
		log.Warn().
			Str("projected", humanfmt.Bytes(projected)).
			Str("free", humanfmt.Bytes(int64(res.FreeBytes))).
			Str("dir", outDir).
			Msg("projected output exceeds free disk space")
	}
}
