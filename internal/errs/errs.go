// Package errs defines the error taxonomy shared across the download engine.
//
// Network and disk failures that fall into one of these kinds are returned
// wrapped around the matching sentinel (via fmt.Errorf's %w), so callers can
// branch with errors.Is instead of matching on strings. Other failures, such
// as a resume file that is not valid JSON, are returned as plain errors.
package errs

import "errors"

var (
	// ErrMalformedMetainfo means the decoded metainfo dictionary is missing
	// a required field or has an internally inconsistent piece count.
	ErrMalformedMetainfo = errors.New("malformed metainfo")

	// ErrResumeMismatch means an on-disk resume.json disagrees with the
	// torrent currently being downloaded (info hash or piece count).
	ErrResumeMismatch = errors.New("resume record does not match torrent")

	// ErrTrackerUnreachable means a tracker URL could not be contacted at
	// all (DNS failure, socket error, or repeated timeout).
	ErrTrackerUnreachable = errors.New("tracker unreachable")

	// ErrInvalidConnectionResponse means a UDP tracker's connect reply was
	// too short or carried a mismatched action/transaction id.
	ErrInvalidConnectionResponse = errors.New("invalid tracker connect response")

	// ErrInvalidAnnounceResponse means a UDP tracker's announce reply was
	// too short or carried a mismatched action/transaction id.
	ErrInvalidAnnounceResponse = errors.New("invalid tracker announce response")

	// ErrPeerConnectFailed means the TCP dial to a peer endpoint failed.
	ErrPeerConnectFailed = errors.New("peer connect failed")

	// ErrBadHandshake means a peer's handshake reply failed to validate.
	ErrBadHandshake = errors.New("bad peer handshake")

	// ErrProtocolViolation means a peer sent a message that is invalid in
	// its current state (mid-session bitfield, unsolicited piece, frame
	// over the size cap, ...).
	ErrProtocolViolation = errors.New("peer protocol violation")

	// ErrTimeoutExceeded means a configured deadline elapsed while waiting
	// on a socket read/write.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrPieceHashMismatch means an assembled piece's SHA-1 did not match
	// the hash recorded in the metainfo. Not fatal: the piece is released.
	ErrPieceHashMismatch = errors.New("piece hash mismatch")

	// ErrDiskWriteFailed means the scatter writer could not write a piece's
	// bytes to one of its output files. Fatal to the whole download.
	ErrDiskWriteFailed = errors.New("disk write failed")
)
