// Package tracker implements the UDP tracker connect/announce protocol
// described in §4.4. RunRound skips non-UDP tracker URLs; this package only
// ever dials udp://.
package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lvbealr/leech/internal/errs"
)

const protocolMagic = 0x0000041727101980

// Events for the announce request's event field.
const (
	EventNone    uint32 = 0
	EventStarted uint32 = 2
)

// AnnounceRequest bundles the fields needed to build one announce packet.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      uint32
	Key        uint32
	Port       uint16
}

// AnnounceResponse is the decoded reply to an announce request.
type AnnounceResponse struct {
	Interval int
	Leechers uint32
	Seeders  uint32
	Peers    []Peer
}

// Peer is a single tracker-advertised endpoint.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Client dials one UDP tracker URL per call.
type Client struct {
	// ReceiveTimeout bounds each individual UDP read.
	ReceiveTimeout time.Duration
}

// NewClient returns a Client configured with the given per-read timeout.
func NewClient(receiveTimeout time.Duration) *Client {
	return &Client{ReceiveTimeout: receiveTimeout}
}

// Announce performs the connect exchange followed by the announce
// exchange against hostport (already resolved from a udp:// tracker URL),
// with a single retry on timeout per exchange as required by §4.4.
func (c *Client) Announce(hostport string, req AnnounceRequest) (*AnnounceResponse, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", errs.ErrTrackerUnreachable, hostport, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %q: %v", errs.ErrTrackerUnreachable, hostport, err)
	}
	defer conn.Close()

	connectionID, err := c.connect(conn)
	if err != nil {
		return nil, err
	}

	return c.announce(conn, connectionID, req)
}

// withRetry runs fn once, and on timeout once more, matching "a single
// retry on timeout; any further timeout moves to the next tracker URL."
// Flattened into a bounded backoff.Retry call instead of recursion, per
// the "re-entrant retry" design note.
func withRetry(fn func() error) error {
	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var nerr net.Error
		isTimeout := errors.As(err, &nerr) && nerr.Timeout()
		if attempts >= 2 || !isTimeout {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1))
}

func (c *Client) connect(conn *net.UDPConn) (uint64, error) {
	transactionID := randUint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], 0) // action = connect
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	resp := make([]byte, 16)
	var n int

	err := withRetry(func() error {
		conn.SetDeadline(time.Now().Add(c.ReceiveTimeout))
		if _, werr := conn.Write(req); werr != nil {
			return werr
		}
		var rerr error
		n, rerr = conn.Read(resp)
		return rerr
	})
	if err != nil {
		return 0, fmt.Errorf("%w: connect exchange: %v", errs.ErrTrackerUnreachable, err)
	}

	if n < 16 {
		return 0, fmt.Errorf("%w: short connect response (%d bytes)", errs.ErrInvalidConnectionResponse, n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != 0 {
		return 0, fmt.Errorf("%w: connect action %d", errs.ErrInvalidConnectionResponse, action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != transactionID {
		return 0, fmt.Errorf("%w: connect transaction id mismatch", errs.ErrInvalidConnectionResponse)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *Client) announce(conn *net.UDPConn, connectionID uint64, a AnnounceRequest) (*AnnounceResponse, error) {
	transactionID := randUint32()

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connectionID)
	binary.BigEndian.PutUint32(pkt[8:12], 1) // action = announce
	binary.BigEndian.PutUint32(pkt[12:16], transactionID)
	copy(pkt[16:36], a.InfoHash[:])
	copy(pkt[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(pkt[64:72], a.Left)
	binary.BigEndian.PutUint64(pkt[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(pkt[80:84], a.Event)
	binary.BigEndian.PutUint32(pkt[84:88], 0) // ip = default
	binary.BigEndian.PutUint32(pkt[88:92], a.Key)
	binary.BigEndian.PutUint32(pkt[92:96], uint32(int32(-1))) // num_want = -1
	binary.BigEndian.PutUint16(pkt[96:98], a.Port)

	resp := make([]byte, 2048)
	var n int

	err := withRetry(func() error {
		conn.SetDeadline(time.Now().Add(c.ReceiveTimeout))
		if _, werr := conn.Write(pkt); werr != nil {
			return werr
		}
		var rerr error
		n, rerr = conn.Read(resp)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: announce exchange: %v", errs.ErrTrackerUnreachable, err)
	}

	if n < 20 {
		return nil, fmt.Errorf("%w: short announce response (%d bytes)", errs.ErrInvalidAnnounceResponse, n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != 1 {
		return nil, fmt.Errorf("%w: announce action %d", errs.ErrInvalidAnnounceResponse, action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != transactionID {
		return nil, fmt.Errorf("%w: announce transaction id mismatch", errs.ErrInvalidAnnounceResponse)
	}

	out := &AnnounceResponse{
		Interval: int(binary.BigEndian.Uint32(resp[8:12])),
		Leechers: binary.BigEndian.Uint32(resp[12:16]),
		Seeders:  binary.BigEndian.Uint32(resp[16:20]),
	}

	peerBytes := resp[20:n]
	if len(peerBytes)%6 != 0 {
		return nil, fmt.Errorf("%w: peer list length %d not a multiple of 6", errs.ErrInvalidAnnounceResponse, len(peerBytes))
	}

	for i := 0; i+6 <= len(peerBytes); i += 6 {
		out.Peers = append(out.Peers, Peer{
			IP:   net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3]),
			Port: binary.BigEndian.Uint16(peerBytes[i+4 : i+6]),
		})
	}

	return out, nil
}
