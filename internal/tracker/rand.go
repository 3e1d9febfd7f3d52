package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
)

// randUint32 returns a cryptographically random 32-bit value, used for
// UDP tracker transaction ids.
func randUint32() uint32 {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		// crypto/rand failing is not recoverable; panicking here matches
		// the severity of losing entropy mid-process.
		panic("tracker: reading random bytes: " + err.Error())
	}
	return binary.BigEndian.Uint32(buf[:])
}
