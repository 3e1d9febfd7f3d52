package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTorrentBytes bencodes a minimal metainfo dictionary by hand so the
// key order (and therefore the info-hash byte range) is deterministic.
func buildTorrentBytes(t *testing.T, info map[string]interface{}, announce string) ([]byte, [20]byte) {
	t.Helper()

	var infoBuf bytes.Buffer
	require.NoError(t, bencode.Marshal(&infoBuf, info))
	infoHash := sha1.Sum(infoBuf.Bytes())

	var out bytes.Buffer
	out.WriteString("d")
	out.WriteString("8:announce")
	out.WriteString(bencodeString(announce))
	out.WriteString("4:info")
	out.Write(infoBuf.Bytes())
	out.WriteString("e")

	return out.Bytes(), infoHash
}

func bencodeString(s string) string {
	return itoa(len(s)) + ":" + s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func piecesOf(hashes ...string) string {
	var buf bytes.Buffer
	for _, h := range hashes {
		buf.WriteString(h)
	}
	return buf.String()
}

func fakeHash(b byte) string {
	return string(bytes.Repeat([]byte{b}, 20))
}

func TestFromBytesSingleFile(t *testing.T) {
	pieces := piecesOf(fakeHash(1), fakeHash(2), fakeHash(3))
	data, wantHash := buildTorrentBytes(t, map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       pieces,
		"name":         "movie.mkv",
		"length":       int64(40000),
	}, "http://tracker.example/announce")

	facts, err := FromBytes(data, "/dest")
	require.NoError(t, err)

	assert.Equal(t, wantHash, facts.InfoHash())
	assert.Equal(t, int64(16384), facts.PieceLength())
	assert.Equal(t, 3, facts.PieceCount())
	assert.Equal(t, int64(40000), facts.TotalLength())
	assert.Equal(t, int64(40000-2*16384), facts.PieceLengthAt(2))
	assert.Equal(t, "movie", facts.DisplayName())

	files := facts.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "/dest/movie/movie.mkv", files[0].Path)
	assert.Equal(t, int64(0), files[0].Offset)
}

func TestFromBytesMultiFile(t *testing.T) {
	pieces := piecesOf(fakeHash(1), fakeHash(2))
	data, _ := buildTorrentBytes(t, map[string]interface{}{
		"piece length": int64(8192),
		"pieces":       pieces,
		"name":         "album",
		"files": []interface{}{
			map[string]interface{}{"length": int64(10000), "path": []interface{}{"disc1", "a.flac"}},
			map[string]interface{}{"length": int64(6000), "path": []interface{}{"disc2", "b.flac"}},
		},
	}, "udp://tracker.example:80/announce")

	facts, err := FromBytes(data, "/dest")
	require.NoError(t, err)

	assert.Equal(t, int64(16000), facts.TotalLength())
	assert.Equal(t, 2, facts.PieceCount())

	files := facts.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "/dest/album/disc1/a.flac", files[0].Path)
	assert.Equal(t, int64(0), files[0].Offset)
	assert.Equal(t, "/dest/album/disc2/b.flac", files[1].Path)
	assert.Equal(t, int64(10000), files[1].Offset)
}

func TestFromBytesRejectsMismatchedPieceCount(t *testing.T) {
	pieces := piecesOf(fakeHash(1))
	data, _ := buildTorrentBytes(t, map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       pieces,
		"name":         "x",
		"length":       int64(40000), // needs 3 pieces, only 1 hash given
	}, "http://tracker.example/announce")

	_, err := FromBytes(data, "/dest")
	assert.ErrorIs(t, err, ErrMalformed)
}
