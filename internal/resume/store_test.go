package resume

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvbealr/leech/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshStore(t *testing.T, pieceCount int) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "resume.json"), [20]byte{1, 2, 3}, 16384, pieceCount, []int64{1000})
	require.NoError(t, err)
	return s
}

func TestClaimBatchIsExclusive(t *testing.T) {
	s := freshStore(t, 10)

	a := s.ClaimBatch([]int{0, 2, 4}, 1)
	b := s.ClaimBatch([]int{0, 2, 4}, 1)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0], b[0])
}

func TestClaimSkipsVerifiedAndClaimed(t *testing.T) {
	s := freshStore(t, 5)
	s.MarkVerified(0)

	got := s.ClaimBatch([]int{0, 1, 2}, 2)
	assert.Equal(t, []int{1, 2}, got)

	// second peer sees the same available set; both already claimed.
	got2 := s.ClaimBatch([]int{0, 1, 2}, 2)
	assert.Empty(t, got2)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	s := freshStore(t, 5)
	got := s.ClaimBatch([]int{3}, 1)
	require.Equal(t, []int{3}, got)

	s.Release(3)
	got2 := s.ClaimBatch([]int{3}, 1)
	assert.Equal(t, []int{3}, got2)
}

func TestMarkVerifiedIsMonotonicAndIncrementsCount(t *testing.T) {
	s := freshStore(t, 5)
	s.ClaimBatch([]int{2}, 1)

	s.MarkVerified(2)
	assert.True(t, s.IsVerified(2))
	assert.Equal(t, 1, s.Downloaded())

	// marking again must not double count.
	s.MarkVerified(2)
	assert.Equal(t, 1, s.Downloaded())
}

func TestHasUnclaimedWork(t *testing.T) {
	s := freshStore(t, 3)
	s.MarkVerified(0)
	assert.False(t, s.HasUnclaimedWork([]int{0}))
	assert.True(t, s.HasUnclaimedWork([]int{0, 1}))

	s.ClaimBatch([]int{1}, 1)
	assert.False(t, s.HasUnclaimedWork([]int{0, 1}))
	assert.True(t, s.HasUnclaimedWork([]int{0, 1, 2}))
}

func TestSaveLoadRoundTripExceptTimestamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.json")

	s, err := Load(path, [20]byte{9, 9}, 8192, 4, []int64{500, 500})
	require.NoError(t, err)
	s.ClaimBatch([]int{0}, 1)
	s.MarkVerified(0)
	s.MarkVerified(1)

	require.NoError(t, s.Save())

	reloaded, err := Load(path, [20]byte{9, 9}, 8192, 4, []int64{500, 500})
	require.NoError(t, err)

	assert.Equal(t, s.record.InfoHash, reloaded.record.InfoHash)
	assert.Equal(t, s.record.Downloaded, reloaded.record.Downloaded)
	assert.Equal(t, s.record.VerifiedPieces, reloaded.record.VerifiedPieces)
	assert.NotZero(t, reloaded.record.MTime)
}

func TestLoadRejectsMismatchedTorrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.json")

	s, err := Load(path, [20]byte{1}, 1000, 2, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save())

	_, err = Load(path, [20]byte{2}, 1000, 2, nil)
	assert.ErrorIs(t, err, errs.ErrResumeMismatch)

	_, err = Load(path, [20]byte{1}, 1000, 3, nil)
	assert.ErrorIs(t, err, errs.ErrResumeMismatch)
}

func TestReconcileFileSizesResetsShortFiles(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(filePath, make([]byte, 4000), 0o644))

	s := freshStore(t, 1)
	s.MarkVerified(0)

	s.ReconcileFileSizes([]FileRange{{Path: filePath, Length: 5000, Offset: 0}})

	assert.False(t, s.IsVerified(0))
}

func TestResumeFileSchemaFieldNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.json")
	s, err := Load(path, [20]byte{1}, 100, 1, []int64{100})
	require.NoError(t, err)
	require.NoError(t, s.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))

	for _, key := range []string{"info_hash", "piece_length", "total_pieces", "downloaded",
		"file_sizes", "mtime", "verified_pieces", "last_active"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, hex.EncodeToString([]byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}), m["info_hash"])
}
