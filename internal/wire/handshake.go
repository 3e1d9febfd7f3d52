package wire

import (
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// HandshakeSize is the fixed 68-byte length of a peer handshake.
const HandshakeSize = 1 + 19 + 8 + 20 + 20

// Handshake is the fixed-size message exchanged immediately after a TCP
// connection to a peer opens.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal serializes the handshake to its 68-byte wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// buf[20:28] stays zero: the 8 reserved bytes.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// ReadHandshake reads exactly 68 bytes from r and validates the protocol
// name, returning the peer's advertised info hash and peer id. The caller
// is responsible for comparing InfoHash against its own.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("reading handshake: %w", err)
	}

	if buf[0] != 19 || string(buf[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("unexpected protocol string %q", buf[1:20])
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}
