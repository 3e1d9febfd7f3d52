// Package peer implements the per-peer session state machine described in
// §4.5: Dial → Handshake → AwaitFirstMessage → AwaitUnchoke → Downloading
// → Closed(reason).
package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/errs"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/resume"
	"github.com/lvbealr/leech/internal/scatter"
	"github.com/lvbealr/leech/internal/wire"
)

// Endpoint is a tracker-advertised peer address, consumed once by the
// connection stage.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// CloseReason names why a session terminated, for logging.
type CloseReason string

const (
	ReasonNetError          CloseReason = "net_error"
	ReasonBadHandshake      CloseReason = "bad_handshake"
	ReasonNoWork            CloseReason = "no_work"
	ReasonUnchokeTimeout    CloseReason = "unchoke_timeout"
	ReasonProtocolViolation CloseReason = "protocol_violation"
	ReasonDone              CloseReason = "done"
)

// Session is owned by exactly one goroutine at a time; ownership transfers
// between pipeline stages via the stage queues, never by sharing.
type Session struct {
	Endpoint  Endpoint
	Conn      net.Conn
	Available map[int]bool

	facts  *metainfo.TorrentFacts
	store  *resume.Store
	writer *scatter.Writer
	cfg    config.Options
	log    *zap.SugaredLogger

	// OnPieceVerified, if set, is called synchronously right after a piece
	// is marked verified, so a caller (the pipeline) can push a progress
	// update for every completed piece rather than only once per session.
	OnPieceVerified func(idx int)
}

// Dial opens a TCP connection to ep within cfg.ConnectTimeout.
func Dial(ctx context.Context, ep Endpoint, cfg config.Options) (net.Conn, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", errs.ErrPeerConnectFailed, ep, err)
	}
	return conn, nil
}

// Handshake performs the fixed 68-byte handshake exchange and validates
// the peer's reply. The peer-id in the reply is not checked, per §4.5.
func Handshake(conn net.Conn, infoHash, ourPeerID [20]byte, timeout time.Duration) error {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	hs := wire.Handshake{InfoHash: infoHash, PeerID: ourPeerID}
	if _, err := conn.Write(hs.Marshal()); err != nil {
		return fmt.Errorf("%w: sending handshake: %v", errs.ErrBadHandshake, err)
	}

	reply, err := wire.ReadHandshake(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBadHandshake, err)
	}

	if !bytes.Equal(reply.InfoHash[:], infoHash[:]) {
		return fmt.Errorf("%w: info hash mismatch", errs.ErrBadHandshake)
	}

	return nil
}

// AwaitFirstMessage reads frames until a bitfield or have message arrives,
// building the peer's available-piece set. A bitfield triggers sending
// Interested and stops the loop; a have records a single index and also
// stops the loop (per §4.5, either is sufficient to move to AwaitUnchoke).
// Any other frame is logged and the loop continues until timeout.
func AwaitFirstMessage(conn net.Conn, pieceCount int, cfg config.Options, log *zap.SugaredLogger) (map[int]bool, error) {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	available := make(map[int]bool)

	for {
		f, err := wire.ReadFrame(conn, cfg.FrameCap)
		if err != nil {
			return nil, fmt.Errorf("%w: awaiting first message: %v", errs.ErrTimeoutExceeded, err)
		}

		switch {
		case f.KeepAlive:
			continue
		case f.ID == wire.BitfieldMsg:
			bf := wire.Bitfield(f.Payload)
			for _, i := range bf.Indices(pieceCount) {
				available[i] = true
			}
			if err := sendFrame(conn, wire.InterestedFrame(), cfg.HandshakeTimeout); err != nil {
				return nil, err
			}
			return available, nil
		case f.ID == wire.Have:
			idx, err := wire.ParseHave(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errs.ErrProtocolViolation, err)
			}
			available[idx] = true
			if err := sendFrame(conn, wire.InterestedFrame(), cfg.HandshakeTimeout); err != nil {
				return nil, err
			}
			return available, nil
		default:
			if log != nil {
				log.Debugw("ignoring unexpected message before bitfield/have", "id", f.ID.String())
			}
		}
	}
}

func sendFrame(conn net.Conn, f wire.Frame, timeout time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.Write(f.Marshal()); err != nil {
		return fmt.Errorf("%w: writing frame: %v", errs.ErrTimeoutExceeded, err)
	}
	return nil
}

// New builds a Session ready for AwaitUnchoke/Downloading, after dial,
// handshake, and first-message exchange have already succeeded.
func New(ep Endpoint, conn net.Conn, available map[int]bool, facts *metainfo.TorrentFacts,
	store *resume.Store, writer *scatter.Writer, cfg config.Options, log *zap.SugaredLogger) *Session {
	return &Session{
		Endpoint:  ep,
		Conn:      conn,
		Available: available,
		facts:     facts,
		store:     store,
		writer:    writer,
		cfg:       cfg,
		log:       log,
	}
}

// availableIndices returns the session's currently known available pieces,
// ascending, for use with resume.Store.ClaimBatch.
func (s *Session) availableIndices() []int {
	out := make([]int, 0, len(s.Available))
	for i := 0; i < s.facts.PieceCount(); i++ {
		if s.Available[i] {
			out = append(out, i)
		}
	}
	return out
}

// Run drives AwaitUnchoke and Downloading to completion, releasing any
// held claim on every exit path, and returns the terminal close reason.
func (s *Session) Run() CloseReason {
	defer s.Conn.Close()

	choked := true
	unchokeDeadline := time.Now().Add(s.cfg.UnchokeTimeout)

	for choked {
		if !s.store.HasUnclaimedWork(s.availableIndices()) {
			return ReasonNoWork
		}

		remaining := time.Until(unchokeDeadline)
		if remaining <= 0 {
			return ReasonUnchokeTimeout
		}

		s.Conn.SetReadDeadline(time.Now().Add(minDuration(remaining, s.cfg.FrameReadTimeout)))
		f, err := wire.ReadFrame(s.Conn, s.cfg.FrameCap)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return ReasonNetError
		}

		switch {
		case f.KeepAlive, f.ID == wire.Choke:
			continue
		case f.ID == wire.Unchoke:
			choked = false
		case f.ID == wire.Have:
			if idx, err := wire.ParseHave(f); err == nil {
				s.Available[idx] = true
			}
		default:
			if s.log != nil {
				s.log.Debugw("ignoring message while awaiting unchoke", "peer", s.Endpoint.String(), "id", f.ID.String())
			}
		}
	}

	for {
		claimed := s.store.ClaimBatch(s.availableIndices(), s.cfg.MaxClaimPerPeer)
		if len(claimed) == 0 {
			return ReasonNoWork
		}

		for j, idx := range claimed {
			reason, done := s.downloadOnePiece(idx)
			if !done {
				for _, rest := range claimed[j+1:] {
					s.store.Release(rest)
				}
				return reason
			}
		}
	}
}

// downloadOnePiece runs one full piece's block-request loop. It returns
// (reason, false) only on a fatal session error; a hash mismatch or a
// choke mid-piece releases the claim and returns (..., true) so the
// Downloading loop continues.
func (s *Session) downloadOnePiece(idx int) (CloseReason, bool) {
	length := s.facts.PieceLengthAt(idx)
	buf := make([]byte, length)

	var offset int64
	for offset < length {
		blockLen := int64(s.cfg.BlockSize)
		if length-offset < blockLen {
			blockLen = length - offset
		}

		req := wire.RequestFrame(uint32(idx), uint32(offset), uint32(blockLen))
		if err := sendFrame(s.Conn, req, s.cfg.FrameReadTimeout); err != nil {
			s.store.Release(idx)
			return ReasonNetError, false
		}

		n, reason, fatal, ok := s.awaitBlock(idx, offset, buf)
		if !ok {
			s.store.Release(idx)
			if fatal {
				return reason, false
			}
			// choke mid-piece: release and return to AwaitUnchoke.
			return s.backToAwaitUnchoke()
		}

		offset += int64(n)
	}

	hash := sha1.Sum(buf)
	if hash != s.facts.PieceHash(idx) {
		err := fmt.Errorf("%w: piece %d", errs.ErrPieceHashMismatch, idx)
		if s.log != nil {
			s.log.Warnw("piece hash mismatch", "peer", s.Endpoint.String(), "piece", idx, "err", err)
		}
		s.store.Release(idx)
		return ReasonDone, true
	}

	if err := s.writer.WritePiece(s.facts.PieceOffset(idx), buf); err != nil {
		s.store.Release(idx)
		return ReasonNetError, false
	}

	s.store.MarkVerified(idx)
	if s.log != nil {
		s.log.Infow("piece verified", "peer", s.Endpoint.String(), "piece", idx)
	}
	if s.OnPieceVerified != nil {
		s.OnPieceVerified(idx)
	}

	return ReasonDone, true
}

// awaitBlock reads frames until the piece frame matching (idx, offset)
// arrives, handling have/choke/keep-alive in the meantime. ok=false with
// fatal=true means the session must close; ok=false with fatal=false means
// a choke interrupted the piece.
func (s *Session) awaitBlock(idx int, offset int64, buf []byte) (n int, reason CloseReason, fatal bool, ok bool) {
	for {
		s.Conn.SetReadDeadline(time.Now().Add(s.cfg.FrameReadTimeout))
		f, err := wire.ReadFrame(s.Conn, s.cfg.FrameCap)
		if err != nil {
			return 0, ReasonNetError, true, false
		}

		switch {
		case f.KeepAlive:
			continue
		case f.ID == wire.Have:
			if hidx, err := wire.ParseHave(f); err == nil {
				s.Available[hidx] = true
			}
			continue
		case f.ID == wire.Choke:
			return 0, ReasonDone, false, false
		case f.ID == wire.BitfieldMsg:
			return 0, ReasonProtocolViolation, true, false
		case f.ID == wire.Piece:
			pIdx, begin, block, err := wire.ParsePiece(f)
			if err != nil {
				return 0, ReasonProtocolViolation, true, false
			}
			if pIdx != idx || int64(begin) != offset {
				// reply for a stale/unsolicited request; keep waiting for
				// the one we actually asked for.
				continue
			}
			copy(buf[begin:], block)
			return len(block), ReasonDone, false, true
		default:
			continue
		}
	}
}

// backToAwaitUnchoke re-enters the unchoke wait after a mid-piece choke,
// returning the terminal reason if that wait itself fails.
func (s *Session) backToAwaitUnchoke() (CloseReason, bool) {
	unchokeDeadline := time.Now().Add(s.cfg.UnchokeTimeout)

	for {
		if !s.store.HasUnclaimedWork(s.availableIndices()) {
			return ReasonNoWork, false
		}

		remaining := time.Until(unchokeDeadline)
		if remaining <= 0 {
			return ReasonUnchokeTimeout, false
		}

		s.Conn.SetReadDeadline(time.Now().Add(minDuration(remaining, s.cfg.FrameReadTimeout)))
		f, err := wire.ReadFrame(s.Conn, s.cfg.FrameCap)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return ReasonNetError, false
		}

		switch {
		case f.KeepAlive, f.ID == wire.Choke:
			continue
		case f.ID == wire.Unchoke:
			return ReasonDone, true
		case f.ID == wire.Have:
			if idx, err := wire.ParseHave(f); err == nil {
				s.Available[idx] = true
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for {
		if t, ok := err.(timeouter); ok {
			return t.Timeout()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}
