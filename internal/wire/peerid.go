package wire

import "github.com/google/uuid"

// peerIDPrefix is the Azureus-style client identifier prepended to every
// peer id this client generates.
const peerIDPrefix = "-TR4003-"

// NewPeerID builds the 20-byte peer id for this process: the fixed prefix
// plus 12 bytes derived from a fresh random UUID, generated once per
// process per §4.3.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)

	u := uuid.New()
	copy(id[len(peerIDPrefix):], u[:12])

	return id
}
