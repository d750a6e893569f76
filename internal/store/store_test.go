package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, root string, budget uint64) *Store {
	t.Helper()
	s, err := Open(Config{Root: root, Budget: budget}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustInsert(t *testing.T, s *Store, d types.Digest, payload []byte) {
	t.Helper()
	res, err := s.Reserve(d, uint64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, res.Commit(payload))
}

func TestOpenRequiresRoot(t *testing.T) {
	_, err := Open(Config{}, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
}

func TestOpenRejectsSecondOwner(t *testing.T) {
	root := t.TempDir()
	openTestStore(t, root, 0)

	_, err := Open(Config{Root: root}, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStoreUnavailable))
}

func TestLookupMissOnEmptyStore(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	_, ok := s.Lookup(dig(1))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestReserveCommitLookupRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	payload := []byte("object file bytes")
	mustInsert(t, s, dig(1), payload)

	h, ok := s.Lookup(dig(1))
	require.True(t, ok)
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint64(len(payload)), h.Size())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(len(payload)), stats.Bytes)
}

func TestCommitSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	payload := []byte("durable bytes")

	s := openTestStore(t, root, 0)
	mustInsert(t, s, dig(7), payload)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, root, 0)
	h, ok := s2.Lookup(dig(7))
	require.True(t, ok)
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReserveOverBudgetFailsWithoutEvicting(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 4)
	mustInsert(t, s, dig(1), []byte("abc"))

	_, err := s.Reserve(dig(2), 5)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStoreBudgetExceeded))

	// Nothing was evicted.
	_, ok := s.Lookup(dig(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(0), s.Stats().Evictions)
}

func TestReserveExactBudgetEvictsEverythingElse(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 4)
	mustInsert(t, s, dig(1), []byte("ab"))
	mustInsert(t, s, dig(2), []byte("cd"))

	payload := []byte("full")
	res, err := s.Reserve(dig(3), 4)
	require.NoError(t, err)
	require.NoError(t, res.Commit(payload))

	_, ok := s.Lookup(dig(1))
	assert.False(t, ok)
	_, ok = s.Lookup(dig(2))
	assert.False(t, ok)
	h, ok := s.Lookup(dig(3))
	require.True(t, ok)
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLRUEvictionOrder(t *testing.T) {
	// Budget 3: insert F1 F2 F3 (1 byte each), touch F1, insert F4.
	// F2 must go; F1, F3, F4 remain.
	s := openTestStore(t, t.TempDir(), 3)
	mustInsert(t, s, dig(1), []byte("1"))
	mustInsert(t, s, dig(2), []byte("2"))
	mustInsert(t, s, dig(3), []byte("3"))

	_, ok := s.Lookup(dig(1))
	require.True(t, ok)

	mustInsert(t, s, dig(4), []byte("4"))

	_, ok = s.Lookup(dig(2))
	assert.False(t, ok, "F2 was least recently used and must be evicted")
	for _, d := range []types.Digest{dig(1), dig(3), dig(4)} {
		_, ok := s.Lookup(d)
		assert.True(t, ok, "%s must survive", d)
	}
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestEvictionRemovesFiles(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root, 1)
	mustInsert(t, s, dig(1), []byte("a"))
	mustInsert(t, s, dig(2), []byte("b"))

	_, err := os.Stat(s.objectPath(dig(1)))
	assert.True(t, os.IsNotExist(err), "evicted artifact file must be removed")
	_, err = os.Stat(s.objectPath(dig(2)))
	assert.NoError(t, err)
}

func TestDiscardReleasesReservation(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2)
	res, err := s.Reserve(dig(1), 2)
	require.NoError(t, err)

	// Budget is fully reserved.
	_, err = s.Reserve(dig(2), 1)
	require.Error(t, err)

	res.Discard()
	res2, err := s.Reserve(dig(2), 1)
	require.NoError(t, err)
	res2.Discard()
}

func TestDoubleCommitRejected(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	res, err := s.Reserve(dig(1), 1)
	require.NoError(t, err)
	require.NoError(t, res.Commit([]byte("x")))
	assert.Error(t, res.Commit([]byte("x")))
	// Discard after commit is a no-op.
	res.Discard()

	_, ok := s.Lookup(dig(1))
	assert.True(t, ok)
}

func TestCommitSizeMismatchReleases(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 4)
	res, err := s.Reserve(dig(1), 4)
	require.NoError(t, err)
	require.Error(t, res.Commit([]byte("toolong")))

	// The reservation was released and the index untouched.
	assert.Equal(t, 0, s.Stats().Entries)
	res2, err := s.Reserve(dig(2), 4)
	require.NoError(t, err)
	res2.Discard()
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	mustInsert(t, s, dig(1), []byte("x"))
	require.NoError(t, s.Delete(dig(1)))

	_, ok := s.Lookup(dig(1))
	assert.False(t, ok)
	_, err := os.Stat(s.objectPath(dig(1)))
	assert.True(t, os.IsNotExist(err))
}

func TestReadHandlePoisonsTamperedEntry(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	mustInsert(t, s, dig(1), []byte("four"))

	h, ok := s.Lookup(dig(1))
	require.True(t, ok)

	// Truncate the file behind the store's back.
	require.NoError(t, os.WriteFile(s.objectPath(dig(1)), []byte("x"), 0o640))

	_, err := h.Bytes()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStoreIO))

	// The poisoned entry degrades to a miss.
	_, ok = s.Lookup(dig(1))
	assert.False(t, ok)
}

func TestWriteToMaterializesOutput(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	payload := []byte("object payload")
	mustInsert(t, s, dig(1), payload)

	h, ok := s.Lookup(dig(1))
	require.True(t, ok)

	dst := filepath.Join(t.TempDir(), "out", "b.o")
	require.NoError(t, h.WriteTo(dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestScanDeletesStrays(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root, 0)
	mustInsert(t, s, dig(1), []byte("keep"))
	require.NoError(t, s.Close())

	// Simulate an interrupted commit and junk files.
	shardDir := filepath.Dir(s.objectPath(dig(1)))
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, ".commit-123"), []byte("partial"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, objectsDir, "junkname"), []byte("junk"), 0o640))

	s2 := openTestStore(t, root, 0)
	assert.Equal(t, 1, s2.Stats().Entries)
	_, err := os.Stat(filepath.Join(shardDir, ".commit-123"))
	assert.True(t, os.IsNotExist(err))

	h, ok := s2.Lookup(dig(1))
	require.True(t, ok)
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestScanShrunkBudgetEvicts(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root, 0)
	mustInsert(t, s, dig(1), []byte("aa"))
	mustInsert(t, s, dig(2), []byte("bb"))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, root, 2)
	stats := s2.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.LessOrEqual(t, stats.Bytes, uint64(2))
}

func TestStatsCapacity(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 1024)
	assert.Equal(t, uint64(1024), s.Stats().Capacity)
}
