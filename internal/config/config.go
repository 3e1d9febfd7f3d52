// Package config holds the tunable knobs of the download engine in one
// typed, immutable-after-construction struct, threaded explicitly through
// constructors rather than read from package-level variables.
package config

import "time"

// Options bundles every configurable default named in the design: pipeline
// worker counts, network timeouts, and the frame size cap.
type Options struct {
	// ConnectWorkers is the size of the connection-stage worker pool.
	ConnectWorkers int
	// HandlerWorkers is the size of the handshake/handler-stage worker pool.
	HandlerWorkers int
	// DownloadWorkers is the size of the download-stage worker pool.
	DownloadWorkers int
	// MaxClaimPerPeer bounds how many pieces a single session claims per
	// ClaimBatch call.
	MaxClaimPerPeer int
	// BlockSize is the size of a request block, in bytes.
	BlockSize int
	// FrameCap is the maximum accepted declared frame length, in bytes.
	FrameCap uint32

	// ConnectTimeout bounds a TCP dial to a peer.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the handshake read/write.
	HandshakeTimeout time.Duration
	// FrameReadTimeout bounds a single frame read in the download loop.
	FrameReadTimeout time.Duration
	// TrackerTimeout bounds a UDP tracker receive.
	TrackerTimeout time.Duration
	// UnchokeTimeout bounds how long a session waits for an unchoke.
	UnchokeTimeout time.Duration

	// TrackerFallbackInterval is slept between announce rounds when no
	// tracker succeeded.
	TrackerFallbackInterval time.Duration
	// ProgressInterval is how often the progress display refreshes.
	ProgressInterval time.Duration

	// ListenPort is the port advertised in announce requests. No inbound
	// listener is ever opened on it.
	ListenPort uint16

	// Verbose enables debug-level logging.
	Verbose bool
}

// Default returns the option set with every default named in the design
// (§5 timeouts, §4.6 worker counts, §4.3 frame cap, §7 progress interval).
func Default() Options {
	return Options{
		ConnectWorkers:  4,
		HandlerWorkers:  2,
		DownloadWorkers: 8,
		MaxClaimPerPeer: 1,
		BlockSize:       16 * 1024,
		FrameCap:        1 << 20,

		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		FrameReadTimeout: 5 * time.Second,
		TrackerTimeout:   1 * time.Second,
		UnchokeTimeout:   30 * time.Second,

		TrackerFallbackInterval: 60 * time.Second,
		ProgressInterval:        10 * time.Second,

		ListenPort: 6881,
	}
}

// QueueBound returns the soft bound for a queue feeding a stage of the
// given worker count, per §4.6 ("4 × worker_count_of_consumer_stage").
func QueueBound(consumerWorkers int) int {
	return 4 * consumerWorkers
}
