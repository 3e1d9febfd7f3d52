// Package wire implements the peer wire-protocol framing: the fixed
// handshake and the length-prefixed message frames, as a tagged-variant
// enumeration per message id.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvbealr/leech/internal/errs"
)

// MessageID identifies the kind of a peer wire message.
type MessageID uint8

// The nine message kinds used by this client, per the wire table.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Frame is a parsed peer message: a keep-alive has no ID and an empty
// Payload; any other frame carries an ID and its raw payload bytes.
type Frame struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// Marshal serializes a non-keep-alive frame to its length-prefixed wire
// form: a 4-byte big-endian length, one id byte, then the payload.
func (f Frame) Marshal() []byte {
	if f.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	length := uint32(len(f.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(f.ID)
	copy(buf[5:], f.Payload)
	return buf
}

// ReadFrame reads one frame from r. frameCap bounds the accepted declared
// length; a longer declaration is a protocol violation rather than an
// attempt to read it (which could exhaust memory).
func ReadFrame(r io.Reader, frameCap uint32) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{KeepAlive: true}, nil
	}

	if length > frameCap {
		return Frame{}, fmt.Errorf("declared frame length %d exceeds cap %d: %w", length, frameCap, ErrOversizedFrame)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	return Frame{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// ErrOversizedFrame is returned by ReadFrame when a declared length exceeds
// the configured cap. It wraps errs.ErrProtocolViolation.
var ErrOversizedFrame = fmt.Errorf("%w: oversized frame", errs.ErrProtocolViolation)

// InterestedFrame, NotInterestedFrame are the fixed zero-payload frames a
// leecher sends.
func InterestedFrame() Frame    { return Frame{ID: Interested} }
func NotInterestedFrame() Frame { return Frame{ID: NotInterested} }

// RequestFrame builds a block request frame for piece index, byte offset
// begin within the piece, and block length.
func RequestFrame(index, begin, length uint32) Frame {
	return Frame{ID: Request, Payload: be3(index, begin, length)}
}

// CancelFrame builds a cancel frame with the same payload shape as request.
func CancelFrame(index, begin, length uint32) Frame {
	return Frame{ID: Cancel, Payload: be3(index, begin, length)}
}

func be3(a, b, c uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	binary.BigEndian.PutUint32(buf[8:12], c)
	return buf
}

// ParseHave extracts the piece index from a have frame's payload.
func ParseHave(f Frame) (int, error) {
	if f.ID != Have || len(f.Payload) != 4 {
		return 0, fmt.Errorf("malformed have payload (len=%d)", len(f.Payload))
	}
	return int(binary.BigEndian.Uint32(f.Payload)), nil
}

// ParsePiece splits a piece frame's payload into its index, begin offset,
// and block bytes.
func ParsePiece(f Frame) (index int, begin int, block []byte, err error) {
	if f.ID != Piece || len(f.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("malformed piece payload (len=%d)", len(f.Payload))
	}
	index = int(binary.BigEndian.Uint32(f.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(f.Payload[4:8]))
	block = f.Payload[8:]
	return index, begin, block, nil
}
