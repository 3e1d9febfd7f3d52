// Command leech is a leeching-only BitTorrent client: given a metainfo file
// and a destination directory, it downloads every piece, verifies it
// against the metainfo hash, and writes it into place, resuming from
// resume.json across restarts. See §4.9.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mitchellh/colorstring"
	"go.uber.org/zap"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/progress"
	"github.com/lvbealr/leech/internal/resume"
	"github.com/lvbealr/leech/internal/scatter"
	"github.com/lvbealr/leech/internal/supervisor"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess     = 0
	exitArgError    = 1
	exitMetainfoErr = 2
	exitInterrupted = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("leech", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: leech [flags] <metainfo-path> <destination-directory>")
		fs.PrintDefaults()
	}

	def := config.Default()
	connectWorkers := fs.Int("connect-workers", def.ConnectWorkers, "connect-stage worker pool size")
	handlerWorkers := fs.Int("handler-workers", def.HandlerWorkers, "handshake-stage worker pool size")
	downloadWorkers := fs.Int("download-workers", def.DownloadWorkers, "download-stage worker pool size")
	frameCap := fs.Uint("frame-cap", uint(def.FrameCap), "maximum accepted wire frame length, in bytes")
	progressInterval := fs.Duration("progress-interval", def.ProgressInterval, "progress summary interval")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")

	if err := fs.Parse(args); err != nil {
		return exitArgError
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return exitArgError
	}

	cfg := def
	cfg.ConnectWorkers = *connectWorkers
	cfg.HandlerWorkers = *handlerWorkers
	cfg.DownloadWorkers = *downloadWorkers
	cfg.FrameCap = uint32(*frameCap)
	cfg.ProgressInterval = *progressInterval
	cfg.Verbose = *verbose

	log, sync := newLogger(*verbose)
	defer sync()

	metainfoPath, destDir := fs.Arg(0), fs.Arg(1)

	facts, err := metainfo.Load(metainfoPath, destDir)
	if err != nil {
		log.Errorw("failed to load metainfo", "path", metainfoPath, "err", err)
		return exitMetainfoErr
	}

	fileSizes := make([]int64, 0, len(facts.Files()))
	for _, f := range facts.Files() {
		fileSizes = append(fileSizes, f.Length)
	}

	// Load the resume record and reconcile it against the real on-disk file
	// sizes before scatter.New ever touches those files: scatter.New creates
	// and truncates every output file to its declared length, which would
	// make every file "the right size" by the time ReconcileFileSizes looked
	// at them, silently defeating the crash-safety reset (§9).
	resumePath := filepath.Join(facts.RootDir(), "resume.json")
	store, err := resume.Load(resumePath, facts.InfoHash(), facts.PieceLength(), facts.PieceCount(), fileSizes)
	if err != nil {
		log.Errorw("failed to load resume record", "path", resumePath, "err", err)
		return exitMetainfoErr
	}
	store.ReconcileFileSizes(toResumeRanges(facts.Files()))

	writer, err := scatter.New(toScatterLayout(facts.Files()))
	if err != nil {
		log.Errorw("failed to lay out output files", "err", err)
		return exitMetainfoErr
	}

	log.Infow(colorstring.Color("[green]starting[reset] download"),
		"name", facts.Name(), "pieces", facts.PieceCount(), "dest", facts.RootDir())

	disp := progress.New(os.Stderr, facts.Name(), facts.PieceCount(), facts.PieceLength())

	sup := supervisor.New(cfg, facts, store, writer, disp, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := sup.Run(ctx)
	switch {
	case runErr == nil:
		log.Infow(colorstring.Color("[green]done[reset]"), "downloaded", store.Downloaded(), "total", facts.PieceCount())
		return exitSuccess
	case errors.Is(runErr, supervisor.ErrInterrupted):
		log.Infow(colorstring.Color("[yellow]interrupted[reset], resume record saved"))
		return exitInterrupted
	default:
		log.Errorw(colorstring.Color("[red]fatal[reset]"), "err", runErr)
		return exitMetainfoErr
	}
}

func toScatterLayout(files []metainfo.FileSpan) []scatter.File {
	out := make([]scatter.File, 0, len(files))
	for _, f := range files {
		out = append(out, scatter.File{Path: f.Path, Length: f.Length, Offset: f.Offset})
	}
	return out
}

func toResumeRanges(files []metainfo.FileSpan) []resume.FileRange {
	out := make([]resume.FileRange, 0, len(files))
	for _, f := range files {
		out = append(out, resume.FileRange{Path: f.Path, Length: f.Length, Offset: f.Offset})
	}
	return out
}

// newLogger builds the process-wide SugaredLogger, debug-level under
// -verbose, info-level otherwise, per §4.10.
func newLogger(verbose bool) (*zap.SugaredLogger, func() error) {
	var zcfg zap.Config
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.DisableStacktrace = true

	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	return sugar, logger.Sync
}
