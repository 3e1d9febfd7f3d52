// Package pipeline wires the three bounded worker pools of §4.6 together:
// connect, handshake, and download. Ownership of a peer connection passes
// from stage to stage strictly through the stage's queue, generalizing the
// teacher's single ad-hoc sem+WaitGroup fan-out into three named pools.
package pipeline

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/resume"
	"github.com/lvbealr/leech/internal/scatter"
)

// dialed is one connect-stage result: a live TCP connection not yet
// handshaken, carried to the handshake stage.
type dialed struct {
	ep   peer.Endpoint
	conn net.Conn
}

// Pipeline owns the three stage queues and their worker pools for a single
// torrent download. One Pipeline serves one TorrentFacts.
type Pipeline struct {
	cfg    config.Options
	facts  *metainfo.TorrentFacts
	store  *resume.Store
	writer *scatter.Writer
	peerID [20]byte
	log    *zap.SugaredLogger

	peerQueue      chan peer.Endpoint
	handshakeQueue chan dialed
	downloadQueue  chan *peer.Session

	connectWG  sync.WaitGroup
	handlerWG  sync.WaitGroup
	downloadWG sync.WaitGroup

	piecesDone chan int // verified-piece count, for the progress display
}

// New builds a Pipeline with queues bounded at 4x each consumer stage's
// worker count, per §4.6.
func New(cfg config.Options, facts *metainfo.TorrentFacts, store *resume.Store,
	writer *scatter.Writer, peerID [20]byte, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		facts:  facts,
		store:  store,
		writer: writer,
		peerID: peerID,
		log:    log,

		peerQueue:      make(chan peer.Endpoint, config.QueueBound(cfg.ConnectWorkers)),
		handshakeQueue: make(chan dialed, config.QueueBound(cfg.HandlerWorkers)),
		downloadQueue:  make(chan *peer.Session, config.QueueBound(cfg.DownloadWorkers)),
		piecesDone:     make(chan int, config.QueueBound(cfg.DownloadWorkers)),
	}
}

// PieceCompletions returns the channel the progress display reads the
// store's verified-piece count from, one value per verified piece. Sends
// are non-blocking: a value is dropped when the buffer is full.
func (p *Pipeline) PieceCompletions() <-chan int { return p.piecesDone }

// Start launches every stage's worker pool. Feed peers via Submit; call
// CloseIntake once no more peers will arrive, then Wait for drain.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.ConnectWorkers; i++ {
		p.connectWG.Add(1)
		go p.runConnectWorker(ctx)
	}
	for i := 0; i < p.cfg.HandlerWorkers; i++ {
		p.handlerWG.Add(1)
		go p.runHandlerWorker(ctx)
	}
	for i := 0; i < p.cfg.DownloadWorkers; i++ {
		p.downloadWG.Add(1)
		go p.runDownloadWorker()
	}

	go func() {
		p.connectWG.Wait()
		close(p.handshakeQueue)
	}()
	go func() {
		p.handlerWG.Wait()
		close(p.downloadQueue)
	}()
	go func() {
		p.downloadWG.Wait()
		close(p.piecesDone)
	}()
}

// Submit enqueues a peer endpoint discovered by a tracker round. It blocks
// until the connect queue has room or ctx is cancelled.
func (p *Pipeline) Submit(ctx context.Context, ep peer.Endpoint) bool {
	select {
	case p.peerQueue <- ep:
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseIntake signals that no further peers will be submitted, letting the
// connect stage drain and the whole pipeline wind down once exhausted.
func (p *Pipeline) CloseIntake() {
	close(p.peerQueue)
}

// Wait blocks until every stage has drained and exited.
func (p *Pipeline) Wait() {
	p.connectWG.Wait()
	p.handlerWG.Wait()
	p.downloadWG.Wait()
}

func (p *Pipeline) runConnectWorker(ctx context.Context) {
	defer p.connectWG.Done()
	runRecoverable(p.log, "connect", func() bool {
		for ep := range p.peerQueue {
			conn, err := peer.Dial(ctx, ep, p.cfg)
			if err != nil {
				if p.log != nil {
					p.log.Infow("peer connect failed", "peer", ep.String(), "err", err)
				}
				continue
			}
			select {
			case p.handshakeQueue <- dialed{ep: ep, conn: conn}:
			case <-ctx.Done():
				conn.Close()
			}
		}
		return true
	})
}

func (p *Pipeline) runHandlerWorker(ctx context.Context) {
	defer p.handlerWG.Done()
	runRecoverable(p.log, "handshake", func() bool {
		for d := range p.handshakeQueue {
			sess := p.handshakeOne(d)
			if sess == nil {
				continue
			}
			select {
			case p.downloadQueue <- sess:
			case <-ctx.Done():
				sess.Conn.Close()
			}
		}
		return true
	})
}

func (p *Pipeline) handshakeOne(d dialed) *peer.Session {
	infoHash := p.facts.InfoHash()
	if err := peer.Handshake(d.conn, infoHash, p.peerID, p.cfg.HandshakeTimeout); err != nil {
		if p.log != nil {
			p.log.Infow("handshake failed", "peer", d.ep.String(), "err", err)
		}
		d.conn.Close()
		return nil
	}

	available, err := peer.AwaitFirstMessage(d.conn, p.facts.PieceCount(), p.cfg, p.log)
	if err != nil {
		if p.log != nil {
			p.log.Infow("first message failed", "peer", d.ep.String(), "err", err)
		}
		d.conn.Close()
		return nil
	}

	sess := peer.New(d.ep, d.conn, available, p.facts, p.store, p.writer, p.cfg, p.log)
	sess.OnPieceVerified = func(idx int) {
		select {
		case p.piecesDone <- p.store.Downloaded():
		default:
		}
	}
	return sess
}

func (p *Pipeline) runDownloadWorker() {
	defer p.downloadWG.Done()
	runRecoverable(p.log, "download", func() bool {
		for sess := range p.downloadQueue {
			before := p.store.Downloaded()
			reason := sess.Run()
			after := p.store.Downloaded()
			if p.log != nil {
				p.log.Infow("session closed", "peer", sess.Endpoint.String(), "reason", reason, "newly_verified", after-before)
			}
		}
		return true
	})
}

// runRecoverable runs fn, recovering and restarting it if it panics, until
// fn returns normally (meaning its input channel was closed and drained).
// This satisfies §4.6's "a worker panic must not crash the process; it logs
// and the worker is replaced".
func runRecoverable(log *zap.SugaredLogger, stage string, fn func() bool) {
	for {
		done := runOnce(log, stage, fn)
		if done {
			return
		}
	}
}

func runOnce(log *zap.SugaredLogger, stage string, fn func() bool) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Errorw("worker panic recovered, respawning", "stage", stage, "panic", r)
			}
			done = false
		}
	}()
	return fn()
}
