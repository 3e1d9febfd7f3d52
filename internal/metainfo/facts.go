// Package metainfo derives an immutable, flat description of a torrent's
// content layout — the "TorrentFacts" record — from a decoded metainfo
// file. Bencode decoding itself is treated as an external collaborator:
// this package only interprets the resulting dictionary.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lvbealr/leech/internal/errs"
)

// ErrDecode wraps failures to parse the bencoded stream itself.
var ErrDecode = fmt.Errorf("%w: bencode decode error", errs.ErrMalformedMetainfo)

// ErrMalformed is returned when the info dictionary is internally
// inconsistent (piece hash list length disagrees with the computed piece
// count, or neither "length" nor "files" is present). It wraps the shared
// errs.ErrMalformedMetainfo taxonomy sentinel so callers can branch with a
// single errors.Is check regardless of which package rejected the file.
var ErrMalformed = fmt.Errorf("%w: info dictionary inconsistent", errs.ErrMalformedMetainfo)

const hashSize = 20

// FileSpan describes one output file's place in the virtual, concatenated
// piece stream.
type FileSpan struct {
	// Path is the absolute (or destination-relative) output path.
	Path string
	// Length is the file's declared size in bytes.
	Length int64
	// Offset is this file's starting byte in the virtual stream; the first
	// file's offset is always 0.
	Offset int64
}

// TorrentFacts is the immutable-after-construction record derived from a
// torrent's metainfo: piece geometry, per-piece hashes, file layout, and
// the 20-byte info hash. It is safe to share across goroutines without
// synchronization once constructed.
type TorrentFacts struct {
	infoHash    [20]byte
	pieceLength int64
	pieceCount  int
	totalLength int64
	pieceHashes [][20]byte
	files       []FileSpan
	name        string
	root        string
	announce    string
	announceAll []string
}

// Load reads and decodes the .torrent file at path, deriving TorrentFacts
// relative to destDir (used to build each FileSpan's output Path).
func Load(path string, destDir string) (*TorrentFacts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrDecode, path, err)
	}
	return FromBytes(data, destDir)
}

// FromBytes builds TorrentFacts from the raw bytes of a .torrent file. It
// is split out from Load so tests can exercise it without touching disk.
func FromBytes(data []byte, destDir string) (*TorrentFacts, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, err
	}

	facts := &TorrentFacts{
		infoHash:    sha1.Sum(infoBytes),
		pieceLength: raw.Info.PieceLength,
		name:        raw.Info.Name,
		announce:    raw.Announce,
	}

	if facts.pieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length %d", ErrMalformed, facts.pieceLength)
	}

	for _, tier := range raw.AnnounceList {
		facts.announceAll = append(facts.announceAll, tier...)
	}

	if len(raw.Info.Files) == 0 {
		if raw.Info.Length <= 0 {
			return nil, fmt.Errorf("%w: single-file mode with non-positive length", ErrMalformed)
		}
		root := filepath.Join(destDir, facts.DisplayName())
		facts.root = root
		facts.totalLength = raw.Info.Length
		facts.files = []FileSpan{{
			Path:   filepath.Join(root, facts.name),
			Length: raw.Info.Length,
			Offset: 0,
		}}
	} else {
		root := filepath.Join(destDir, facts.name)
		facts.root = root
		var offset int64
		facts.files = make([]FileSpan, 0, len(raw.Info.Files))
		for _, entry := range raw.Info.Files {
			parts := append([]string{root}, entry.Path...)
			facts.files = append(facts.files, FileSpan{
				Path:   filepath.Join(parts...),
				Length: entry.Length,
				Offset: offset,
			})
			offset += entry.Length
		}
		facts.totalLength = offset
	}

	facts.pieceCount = int((facts.totalLength + facts.pieceLength - 1) / facts.pieceLength)

	pieces := []byte(raw.Info.Pieces)
	if len(pieces)%hashSize != 0 || len(pieces)/hashSize != facts.pieceCount {
		return nil, fmt.Errorf("%w: pieces length %d does not yield %d piece hashes",
			ErrMalformed, len(pieces), facts.pieceCount)
	}

	facts.pieceHashes = make([][20]byte, facts.pieceCount)
	for i := range facts.pieceHashes {
		copy(facts.pieceHashes[i][:], pieces[i*hashSize:(i+1)*hashSize])
	}

	return facts, nil
}

// InfoHash returns the 20-byte SHA-1 of the canonical info dictionary.
func (f *TorrentFacts) InfoHash() [20]byte { return f.infoHash }

// PieceLength returns the nominal length of every piece but the last.
func (f *TorrentFacts) PieceLength() int64 { return f.pieceLength }

// PieceCount returns the total number of pieces.
func (f *TorrentFacts) PieceCount() int { return f.pieceCount }

// TotalLength returns the sum of all file lengths.
func (f *TorrentFacts) TotalLength() int64 { return f.totalLength }

// PieceHash returns the expected SHA-1 digest of piece i.
func (f *TorrentFacts) PieceHash(i int) [20]byte { return f.pieceHashes[i] }

// Files returns the ordered file layout.
func (f *TorrentFacts) Files() []FileSpan {
	out := make([]FileSpan, len(f.files))
	copy(out, f.files)
	return out
}

// Name returns the torrent's logical name (info["name"]).
func (f *TorrentFacts) Name() string { return f.name }

// DisplayName returns Name with a single trailing extension stripped, used
// to build the single-file-mode output directory per §6.
func (f *TorrentFacts) DisplayName() string {
	ext := filepath.Ext(f.name)
	if ext == "" || ext == f.name {
		return f.name
	}
	return strings.TrimSuffix(f.name, ext)
}

// RootDir returns the directory under which this torrent's output files
// (and its resume.json) are placed: destDir/name for multi-file mode,
// destDir/DisplayName for single-file mode, per §6.
func (f *TorrentFacts) RootDir() string { return f.root }

// Announce returns the primary announce URL.
func (f *TorrentFacts) Announce() string { return f.announce }

// AnnounceList returns every tracker URL flattened out of announce-list.
func (f *TorrentFacts) AnnounceList() []string { return f.announceAll }

// PieceLengthAt returns the actual length of piece i, which is shorter than
// PieceLength for the final piece when TotalLength is not an exact
// multiple of PieceLength.
func (f *TorrentFacts) PieceLengthAt(i int) int64 {
	if i < f.pieceCount-1 {
		return f.pieceLength
	}
	length := f.totalLength - int64(f.pieceCount-1)*f.pieceLength
	if length <= 0 {
		return f.pieceLength
	}
	return length
}

// PieceOffset returns the global byte offset of the start of piece i.
func (f *TorrentFacts) PieceOffset(i int) int64 {
	return int64(i) * f.pieceLength
}
