// Package scatter writes a verified piece's bytes across the one or more
// output files its byte range overlaps, per §4.7.
package scatter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lvbealr/leech/internal/errs"
)

// File describes one output file's place in the virtual, concatenated
// piece stream — the subset of metainfo.FileSpan the writer needs.
type File struct {
	Path   string
	Length int64
	Offset int64
}

// Writer lays out and writes pieces into a fixed set of output files. Each
// file is guarded by its own mutex so writes to distinct files proceed
// concurrently while writes to the same file serialize.
type Writer struct {
	files []File

	mapMu   sync.Mutex
	fileMus map[string]*sync.Mutex
}

// New creates output files for layout if they don't already exist,
// extending each to its declared length (sparse where supported), and
// returns a Writer ready to accept pieces.
func New(layout []File) (*Writer, error) {
	w := &Writer{
		files:   layout,
		fileMus: make(map[string]*sync.Mutex, len(layout)),
	}

	for _, f := range layout {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating directory for %q: %v", errs.ErrDiskWriteFailed, f.Path, err)
		}

		fh, err := os.OpenFile(f.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: creating %q: %v", errs.ErrDiskWriteFailed, f.Path, err)
		}

		err = fh.Truncate(f.Length)
		closeErr := fh.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: sizing %q to %d bytes: %v", errs.ErrDiskWriteFailed, f.Path, f.Length, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("%w: closing %q: %v", errs.ErrDiskWriteFailed, f.Path, closeErr)
		}

		w.fileMus[f.Path] = &sync.Mutex{}
	}

	return w, nil
}

// WritePiece writes data (the full verified bytes of piece at pieceOffset)
// into every file whose range overlaps [pieceOffset, pieceOffset+len(data)).
func (w *Writer) WritePiece(pieceOffset int64, data []byte) error {
	pieceEnd := pieceOffset + int64(len(data))

	for _, f := range w.files {
		fileEnd := f.Offset + f.Length

		start := max64(pieceOffset, f.Offset)
		end := min64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		startInPiece := start - pieceOffset
		endInPiece := end - pieceOffset
		chunk := data[startInPiece:endInPiece]
		writeOffset := start - f.Offset

		if err := w.writeChunk(f.Path, writeOffset, chunk); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) writeChunk(path string, offset int64, chunk []byte) error {
	w.mapMu.Lock()
	mu := w.fileMus[path]
	w.mapMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	fh, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %q: %v", errs.ErrDiskWriteFailed, path, err)
	}
	defer fh.Close()

	if _, err := fh.WriteAt(chunk, offset); err != nil {
		return fmt.Errorf("%w: writing %q at %d: %v", errs.ErrDiskWriteFailed, path, offset, err)
	}

	return fh.Sync()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
