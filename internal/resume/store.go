// Package resume implements the durable resume record and the in-memory
// claim/verify state that the download pipeline shares across every peer
// session, as described in §4.2 and §9 ("transactional claim-and-verify is
// the only pattern — no lock-free tricks needed at this scale").
package resume

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lvbealr/leech/internal/errs"
)

// Record is the durable, JSON-persisted subset of the resume state: which
// pieces are verified, and enough metadata to detect a mismatched torrent
// on reload.
type Record struct {
	InfoHash       string  `json:"info_hash"`
	PieceLength    int64   `json:"piece_length"`
	TotalPieces    int     `json:"total_pieces"`
	Downloaded     int     `json:"downloaded"`
	FileSizes      []int64 `json:"file_sizes"`
	MTime          int64   `json:"mtime"`
	VerifiedPieces []bool  `json:"verified_pieces"`
	LastActive     string  `json:"last_active"`
}

// Store is the shared, mutex-guarded resume state: the persisted Record
// plus the in-memory, not persisted, claimed-piece set. One Store is
// shared by every peer session of a single download.
type Store struct {
	mu sync.Mutex

	path    string
	record  Record
	claimed map[int]struct{}
}

// Load reads path's resume.json if present, or creates a fresh Store with
// every piece unverified. If the file exists but disagrees with infoHash
// or pieceCount, it returns ErrResumeMismatch. fileSizes is stored as the
// file_sizes field of a fresh record and is not used when an existing file
// is loaded. Load does not look at the output files on disk; the startup
// size check (§9 crash safety) is ReconcileFileSizes.
func Load(path string, infoHash [20]byte, pieceLength int64, pieceCount int, fileSizes []int64) (*Store, error) {
	hashHex := hex.EncodeToString(infoHash[:])

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fresh(path, hashHex, pieceLength, pieceCount, fileSizes), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading resume file %q: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding resume file %q: %w", path, err)
	}

	if rec.InfoHash != hashHex || rec.TotalPieces != pieceCount {
		return nil, fmt.Errorf("%w: resume file %q", errs.ErrResumeMismatch, path)
	}

	if len(rec.VerifiedPieces) != pieceCount {
		return nil, fmt.Errorf("%w: resume file %q has %d verified flags, want %d",
			errs.ErrResumeMismatch, path, len(rec.VerifiedPieces), pieceCount)
	}

	return &Store{
		path:    path,
		record:  rec,
		claimed: make(map[int]struct{}),
	}, nil
}

func fresh(path, hashHex string, pieceLength int64, pieceCount int, fileSizes []int64) *Store {
	return &Store{
		path: path,
		record: Record{
			InfoHash:       hashHex,
			PieceLength:    pieceLength,
			TotalPieces:    pieceCount,
			FileSizes:      fileSizes,
			VerifiedPieces: make([]bool, pieceCount),
		},
		claimed: make(map[int]struct{}),
	}
}

// ReconcileFileSizes resets to unverified every piece overlapping a file
// whose actual on-disk size differs from its declared length (or is
// missing entirely). files gives, per file, its byte range in
// the virtual stream, so the store can map a file mismatch to piece
// indices without depending on the metainfo package directly.
func (s *Store) ReconcileFileSizes(files []FileRange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range files {
		info, err := os.Stat(f.Path)
		sizeOK := err == nil && info.Size() == f.Length
		if sizeOK {
			continue
		}

		first := int(f.Offset / s.record.PieceLength)
		last := int((f.Offset + f.Length - 1) / s.record.PieceLength)

		for i := first; i <= last && i < len(s.record.VerifiedPieces); i++ {
			if i < 0 {
				continue
			}
			if s.record.VerifiedPieces[i] {
				s.record.VerifiedPieces[i] = false
				s.record.Downloaded--
			}
		}
	}
}

// FileRange is the minimal per-file shape ReconcileFileSizes needs; it
// mirrors metainfo.FileSpan without importing that package.
type FileRange struct {
	Path   string
	Length int64
	Offset int64
}

// Save writes the record to path atomically (write to a temp file, then
// rename), omitting the in-memory-only claimed set.
func (s *Store) Save() error {
	s.mu.Lock()
	s.record.MTime = nowFunc().Unix()
	s.record.LastActive = nowFunc().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(s.record, "", "  ")
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encoding resume record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating resume dir: %v", errs.ErrDiskWriteFailed, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing resume temp file: %v", errs.ErrDiskWriteFailed, err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: renaming resume file: %v", errs.ErrDiskWriteFailed, err)
	}

	return nil
}

// nowFunc is overridden in tests to make MTime/LastActive deterministic.
var nowFunc = time.Now

// Downloaded returns the current count of verified pieces.
func (s *Store) Downloaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Downloaded
}

// IsVerified reports whether piece i is already verified.
func (s *Store) IsVerified(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.VerifiedPieces[i]
}

// ClaimBatch scans available in ascending order and claims up to
// maxPerPeer indices that are neither verified nor already claimed by
// another session, returning the claimed indices. An empty result means
// the caller has nothing left to do against this peer's available set.
func (s *Store) ClaimBatch(available []int, maxPerPeer int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]int, 0, maxPerPeer)
	for _, i := range available {
		if len(claimed) >= maxPerPeer {
			break
		}
		if s.record.VerifiedPieces[i] {
			continue
		}
		if _, already := s.claimed[i]; already {
			continue
		}
		s.claimed[i] = struct{}{}
		claimed = append(claimed, i)
	}
	return claimed
}

// Release removes i from the claimed set, making it eligible for another
// session's ClaimBatch.
func (s *Store) Release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, i)
}

// MarkVerified records piece i as verified, if it was not already, and
// releases its claim. Safe to call even if i was never claimed.
func (s *Store) MarkVerified(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.record.VerifiedPieces[i] {
		s.record.VerifiedPieces[i] = true
		s.record.Downloaded++
	}
	delete(s.claimed, i)
}

// HasUnclaimedWork reports whether any index in available is neither
// verified nor currently claimed — used by the AwaitUnchoke state to
// decide whether to keep waiting on a peer or give up with no_work.
func (s *Store) HasUnclaimedWork(available []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range available {
		if s.record.VerifiedPieces[i] {
			continue
		}
		if _, claimed := s.claimed[i]; claimed {
			continue
		}
		return true
	}
	return false
}
