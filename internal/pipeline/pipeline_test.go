package pipeline

import (
	"context"
	"crypto/sha1"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/resume"
	"github.com/lvbealr/leech/internal/scatter"
	"github.com/lvbealr/leech/internal/wire"
)

func buildFacts(t *testing.T, destDir string) (*metainfo.TorrentFacts, [][]byte) {
	t.Helper()

	pieces := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	}
	h0 := sha1.Sum(pieces[0])
	h1 := sha1.Sum(pieces[1])

	info := "d" +
		"6:lengthi8e" +
		"4:name5:a.bin" +
		"12:piece lengthi4e" +
		"6:pieces40:" + string(h0[:]) + string(h1[:]) +
		"e"
	data := "d" + "8:announce20:udp://tracker:1337/a" + "4:info" + info + "e"

	facts, err := metainfo.FromBytes([]byte(data), destDir)
	require.NoError(t, err)
	return facts, pieces
}

// listenFakePeer starts a one-shot TCP listener that accepts a single
// connection, performs the handshake, advertises every index in pieces, and
// serves whichever block is requested — enough for the pipeline's connect,
// handshake, and download stages to all run for real over a loopback socket.
func listenFakePeer(t *testing.T, infoHash [20]byte, pieces [][]byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil || hs.InfoHash != infoHash {
			return
		}
		reply := wire.Handshake{InfoHash: infoHash, PeerID: wire.NewPeerID()}
		if _, err := conn.Write(reply.Marshal()); err != nil {
			return
		}

		bf := wire.NewBitfield(len(pieces))
		for i := range pieces {
			bf.Set(i)
		}
		if _, err := conn.Write(wire.Frame{ID: wire.BitfieldMsg, Payload: bf}.Marshal()); err != nil {
			return
		}
		if _, err := wire.ReadFrame(conn, 1<<20); err != nil { // Interested
			return
		}
		if _, err := conn.Write(wire.Frame{ID: wire.Unchoke}.Marshal()); err != nil {
			return
		}

		served := 0
		for served < len(pieces) {
			f, err := wire.ReadFrame(conn, 1<<20)
			if err != nil {
				return
			}
			if f.ID != wire.Request {
				continue
			}
			idx, begin, length, ok := decodeRequest(f.Payload)
			if !ok {
				return
			}
			block := pieces[idx][begin : begin+length]
			payload := append(be3(uint32(idx), uint32(begin)), block...)
			if _, err := conn.Write(wire.Frame{ID: wire.Piece, Payload: payload}.Marshal()); err != nil {
				return
			}
			served++
		}
	}()

	return ln.Addr().String()
}

func decodeRequest(payload []byte) (idx, begin, length int, ok bool) {
	if len(payload) != 12 {
		return 0, 0, 0, false
	}
	be := func(b []byte) int { return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3]) }
	return be(payload[0:4]), be(payload[4:8]), be(payload[8:12]), true
}

func be3(a, b uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(a >> 24)
	buf[1] = byte(a >> 16)
	buf[2] = byte(a >> 8)
	buf[3] = byte(a)
	buf[4] = byte(b >> 24)
	buf[5] = byte(b >> 16)
	buf[6] = byte(b >> 8)
	buf[7] = byte(b)
	return buf
}

func toScatterFiles(facts *metainfo.TorrentFacts) []scatter.File {
	var out []scatter.File
	for _, f := range facts.Files() {
		out = append(out, scatter.File{Path: f.Path, Length: f.Length, Offset: f.Offset})
	}
	return out
}

func TestPipelineDownloadsFromOneSubmittedPeer(t *testing.T) {
	dir := t.TempDir()
	facts, pieces := buildFacts(t, dir)

	store, err := resume.Load(filepath.Join(dir, "resume.json"), facts.InfoHash(), facts.PieceLength(), facts.PieceCount(), nil)
	require.NoError(t, err)
	writer, err := scatter.New(toScatterFiles(facts))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.BlockSize = 4
	cfg.ConnectWorkers = 1
	cfg.HandlerWorkers = 1
	cfg.DownloadWorkers = 1
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.FrameReadTimeout = 2 * time.Second
	cfg.UnchokeTimeout = 2 * time.Second

	addr := listenFakePeer(t, facts.InfoHash(), pieces)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := New(cfg, facts, store, writer, wire.NewPeerID(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.Start(ctx)
	require.True(t, p.Submit(ctx, peer.Endpoint{IP: net.ParseIP(host), Port: uint16(port)}))
	p.CloseIntake()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("pipeline did not drain in time")
	}

	assert.Equal(t, 2, store.Downloaded())
	assert.True(t, store.IsVerified(0))
	assert.True(t, store.IsVerified(1))
}
