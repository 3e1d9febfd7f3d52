package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/lvbealr/leech/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker is a minimal in-process UDP tracker speaking the connect and
// announce exchange, for wire-framing tests without a real tracker.
func fakeTracker(t *testing.T, handle func(conn *net.UDPConn, pkt []byte, from *net.UDPAddr)) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			handle(conn, buf[:n], addr)
		}
	}()

	return conn.LocalAddr().String()
}

func TestAnnounceHappyPath(t *testing.T) {
	addr := fakeTracker(t, func(conn *net.UDPConn, pkt []byte, from *net.UDPAddr) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])

		switch action {
		case 0: // connect
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], 0)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], 0xABCD)
			conn.WriteToUDP(resp, from)
		case 1: // announce
			resp := make([]byte, 26)
			binary.BigEndian.PutUint32(resp[0:4], 1)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 3)
			binary.BigEndian.PutUint32(resp[16:20], 5)
			copy(resp[20:26], []byte{10, 0, 0, 1, 0x1A, 0xE1}) // 10.0.0.1:6881
			conn.WriteToUDP(resp, from)
		}
	})

	c := NewClient(1 * time.Second)
	resp, err := c.Announce(addr, AnnounceRequest{Event: EventStarted, Port: 6881})
	require.NoError(t, err)

	assert.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestAnnounceRejectsShortResponse(t *testing.T) {
	addr := fakeTracker(t, func(conn *net.UDPConn, pkt []byte, from *net.UDPAddr) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])

		if action == 0 {
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], 0)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], 1)
			conn.WriteToUDP(resp, from)
			return
		}

		// 19-byte announce body: scenario 6 from the testable properties.
		conn.WriteToUDP(make([]byte, 19), from)
	})

	c := NewClient(1 * time.Second)
	_, err := c.Announce(addr, AnnounceRequest{})
	assert.ErrorIs(t, err, errs.ErrInvalidAnnounceResponse)
}

func TestAnnounceRejectsMismatchedConnectTransaction(t *testing.T) {
	addr := fakeTracker(t, func(conn *net.UDPConn, pkt []byte, from *net.UDPAddr) {
		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], 0)
		binary.BigEndian.PutUint32(resp[4:8], 0xFFFFFFFF) // deliberately wrong
		conn.WriteToUDP(resp, from)
	})

	c := NewClient(300 * time.Millisecond)
	_, err := c.Announce(addr, AnnounceRequest{})
	assert.ErrorIs(t, err, errs.ErrInvalidConnectionResponse)
}

func TestRunRoundSkipsNonUDPAndUnionsPeers(t *testing.T) {
	addr := fakeTracker(t, func(conn *net.UDPConn, pkt []byte, from *net.UDPAddr) {
		action := binary.BigEndian.Uint32(pkt[8:12])
		txID := binary.BigEndian.Uint32(pkt[12:16])

		if action == 0 {
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], 0)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			conn.WriteToUDP(resp, from)
			return
		}

		resp := make([]byte, 26)
		binary.BigEndian.PutUint32(resp[0:4], 1)
		binary.BigEndian.PutUint32(resp[4:8], txID)
		binary.BigEndian.PutUint32(resp[8:12], 900)
		copy(resp[20:26], []byte{1, 2, 3, 4, 0x1A, 0xE1})
		conn.WriteToUDP(resp, from)
	})

	var skipped, failed []string
	c := NewClient(1 * time.Second)
	round := RunRound(c, []string{"http://example.com/announce", "udp://" + addr},
		AnnounceRequest{},
		func(url string, err error) { skipped = append(skipped, url) },
		func(url string, err error) { failed = append(failed, url) })

	assert.Equal(t, []string{"http://example.com/announce"}, skipped)
	assert.Empty(t, failed)
	assert.Equal(t, 900, round.Interval)
	require.Len(t, round.Peers, 1)
}
