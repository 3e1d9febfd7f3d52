// Package supervisor owns everything a single download run needs besides
// the pipeline's worker pools themselves: the tracker re-announce loop
// (grounded on the teacher's RefreshPeer), the progress display ticker, and
// signal-driven graceful shutdown that saves the resume record before exit,
// per §4.8.
package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/colorstring"
	"go.uber.org/zap"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/pipeline"
	"github.com/lvbealr/leech/internal/progress"
	"github.com/lvbealr/leech/internal/resume"
	"github.com/lvbealr/leech/internal/scatter"
	"github.com/lvbealr/leech/internal/tracker"
	"github.com/lvbealr/leech/internal/wire"
)

// ErrInterrupted is returned by Run when shutdown was triggered by a signal
// rather than the download completing, per §6 exit code 3.
var ErrInterrupted = errors.New("interrupted by user")

// Supervisor drives one torrent download end to end: tracker announces feed
// the pipeline, the pipeline's completions feed the progress display, and
// either full completion or an interrupt triggers a single coordinated
// shutdown.
type Supervisor struct {
	cfg    config.Options
	facts  *metainfo.TorrentFacts
	store  *resume.Store
	writer *scatter.Writer
	client *tracker.Client
	pipe   *pipeline.Pipeline
	disp   *progress.Display
	log    *zap.SugaredLogger
	peerID [20]byte
	key    uint32

	closeOnce sync.Once
}

// New builds a Supervisor for one download. log may be nil.
func New(cfg config.Options, facts *metainfo.TorrentFacts, store *resume.Store,
	writer *scatter.Writer, disp *progress.Display, log *zap.SugaredLogger) *Supervisor {
	peerID := wire.NewPeerID()
	return &Supervisor{
		cfg:    cfg,
		facts:  facts,
		store:  store,
		writer: writer,
		client: tracker.NewClient(cfg.TrackerTimeout),
		pipe:   pipeline.New(cfg, facts, store, writer, peerID, log),
		disp:   disp,
		log:    log,
		peerID: peerID,
		key:    announceKey(),
	}
}

// announceKey derives a per-process tracker "key" value from a fresh
// random UUID, generated once and not persisted across restarts (Open
// Question (b): the spec leaves key persistence undecided).
func announceKey() uint32 {
	u := uuid.New()
	return binary.BigEndian.Uint32(u[12:16])
}

// Run drives the download to completion or interruption. It returns nil on
// full completion, ErrInterrupted on a SIGINT/SIGTERM, or a fatal error if
// the resume record could not be saved.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.pipe.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	pipelineDone := make(chan struct{})
	go func() {
		s.pipe.Wait()
		close(pipelineDone)
	}()

	completed := make(chan struct{})
	go s.watchCompletion(runCtx, completed)

	go s.runTrackerLoop(runCtx)
	go s.runProgressLoop(runCtx, pipelineDone)

	var interrupted bool
	select {
	case <-completed:
	case sig := <-sigCh:
		if s.log != nil {
			s.log.Infow("received interrupt, shutting down", "signal", sig.String())
		}
		interrupted = true
	}

	cancel()
	s.shutdownIntake()
	<-pipelineDone

	if s.disp != nil {
		s.disp.Finish()
	}

	if err := s.store.Save(); err != nil {
		return err
	}

	if interrupted {
		return ErrInterrupted
	}
	return nil
}

func (s *Supervisor) shutdownIntake() {
	s.closeOnce.Do(s.pipe.CloseIntake)
}

// watchCompletion polls the downloaded count and closes completed once every
// piece is verified, so Run can stop feeding peers and wind down cleanly.
func (s *Supervisor) watchCompletion(ctx context.Context, completed chan<- struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	total := s.facts.PieceCount()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.store.Downloaded() >= total {
				close(completed)
				return
			}
		}
	}
}

// runTrackerLoop repeatedly announces to every tracker URL, submitting
// discovered peers to the pipeline, sleeping the reported interval (or the
// configured fallback interval if every tracker failed this round), per
// §4.8 and §7's tracker propagation policy.
func (s *Supervisor) runTrackerLoop(ctx context.Context) {
	urls := s.trackerURLs()
	event := tracker.EventStarted

	for {
		req := tracker.AnnounceRequest{
			InfoHash: s.facts.InfoHash(),
			PeerID:   s.peerID,
			Left:     s.bytesLeft(),
			Event:    event,
			Key:      s.key,
			Port:     s.cfg.ListenPort,
		}
		event = tracker.EventNone

		round := tracker.RunRound(s.client, urls, req,
			func(url string, err error) {
				if s.log != nil {
					s.log.Debugw("skipping non-udp tracker", "url", url)
				}
			},
			func(url string, err error) {
				if s.log != nil {
					s.log.Warnw("tracker announce failed", "url", url, "err", err)
				}
			})

		if s.log != nil {
			s.log.Infow(colorstring.Color("[green]tracker round[reset] complete"), "peers", len(round.Peers))
		}

		for _, p := range round.Peers {
			ep := peer.Endpoint{IP: p.IP, Port: p.Port}
			if !s.pipe.Submit(ctx, ep) {
				return
			}
		}

		interval := s.cfg.TrackerFallbackInterval
		if round.Interval > 0 {
			interval = time.Duration(round.Interval) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// bytesLeft computes the announce request's "left" field: the total length
// minus the actual length of every verified piece.
func (s *Supervisor) bytesLeft() uint64 {
	left := s.facts.TotalLength()
	for i := 0; i < s.facts.PieceCount(); i++ {
		if s.store.IsVerified(i) {
			left -= s.facts.PieceLengthAt(i)
		}
	}
	if left < 0 {
		return 0
	}
	return uint64(left)
}

func (s *Supervisor) trackerURLs() []string {
	urls := []string{s.facts.Announce()}
	urls = append(urls, s.facts.AnnounceList()...)
	return urls
}

// runProgressLoop renders the periodic downloaded/total line, per §7's "a
// progress display prints downloaded/total and elapsed time periodically".
func (s *Supervisor) runProgressLoop(ctx context.Context, pipelineDone <-chan struct{}) {
	if s.disp == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()

	total := s.facts.PieceCount()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pipelineDone:
			return
		case n := <-s.pipe.PieceCompletions():
			s.disp.Advance(n)
		case <-ticker.C:
			if s.log != nil {
				s.log.Info(s.disp.Summary(s.store.Downloaded(), total))
			}
		}
	}
}
