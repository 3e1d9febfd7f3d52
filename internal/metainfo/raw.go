package metainfo

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// rawFileEntry mirrors one entry of the info["files"] list in multi-file
// mode.
type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the info sub-dictionary of a decoded metainfo file.
type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

// rawMetainfo mirrors the root dictionary of a decoded .torrent file.
type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// decodeRaw unmarshals the bencoded bytes into the typed shape above.
func decodeRaw(data []byte) (*rawMetainfo, error) {
	var m rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return nil, fmt.Errorf("%w: decoding bencode: %v", ErrDecode, err)
	}
	return &m, nil
}

// extractInfoBytes locates the byte range of the value following the
// "4:info" key in a raw bencoded dictionary, by depth-counting bencode
// tokens rather than re-encoding the decoded struct. Re-encoding a decoded
// map risks reordering keys (Go maps have no stable iteration order) which
// would change the SHA-1; slicing the original bytes cannot.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: no \"4:info\" key found", ErrDecode)
	}

	start := idx + len("4:info")
	depth := 0

	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("%w: unterminated integer at byte %d", ErrDecode, i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("%w: invalid string length at byte %d", ErrDecode, i)
					}
					i = j + length
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: unterminated info dictionary", ErrDecode)
}
