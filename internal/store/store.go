package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

const (
	objectsDir = "objects"
	lockFile   = "lock"

	// scanConcurrency bounds the parallel shard walk at startup.
	scanConcurrency = 8
)

// Config configures the artifact store.
type Config struct {
	// Root is the cache directory. Required.
	Root string `yaml:"cache_root"`

	// Budget is the maximum number of bytes the store may occupy.
	// Zero means unlimited.
	Budget uint64 `yaml:"cache_bytes"`
}

// Store is the on-disk content-addressed artifact store with LRU eviction.
// Exactly one process owns a store root at a time, enforced by an advisory
// file lock taken at Open.
type Store struct {
	root   string
	budget uint64
	lock   *flock.Flock
	logger *slog.Logger

	epoch time.Time // base for monotonic timestamps

	mu        sync.Mutex // guards idx, reserved and the stat counters
	idx       *index
	reserved  uint64 // bytes claimed by uncommitted reservations
	hits      uint64
	misses    uint64
	evictions uint64
}

// Open acquires the store lock, rebuilds the eviction index from disk and
// returns a ready store.
//
// Errors carry structured codes: STORE_UNAVAILABLE when the lock is held by
// another process or the root cannot be created, STORE_IO when the startup
// scan fails.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "cache_root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, objectsDir), 0o750); err != nil {
		return nil, errors.Wrap(errors.CodeStoreUnavailable, "create store root", err)
	}

	lk := flock.New(filepath.Join(cfg.Root, lockFile))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.CodeStoreUnavailable, "acquire store lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.CodeStoreUnavailable, "store %s is owned by another process", cfg.Root)
	}

	s := &Store{
		root:   cfg.Root,
		budget: cfg.Budget,
		lock:   lk,
		logger: logger.With("component", "store"),
		epoch:  time.Now(),
		idx:    newIndex(),
	}

	if err := s.scan(); err != nil {
		_ = lk.Unlock()
		return nil, err
	}

	// A shrunk budget may leave the rebuilt index oversized.
	s.mu.Lock()
	victims := s.evictLocked(0)
	s.mu.Unlock()
	s.deleteFiles(victims)

	s.logger.Info("store opened",
		"root", s.root,
		"entries", s.idx.len(),
		"bytes", s.idx.bytes,
		"budget", s.budget)
	return s, nil
}

// Close releases the advisory lock. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// nowNanos is the monotonic in-process timestamp used by the eviction
// index. Wall time is only ever read for persistence (mtime seeding).
func (s *Store) nowNanos() uint64 {
	return uint64(time.Since(s.epoch).Nanoseconds())
}

// objectPath returns the content-addressed path for a digest.
func (s *Store) objectPath(d types.Digest) string {
	prefix, rest := d.Shard()
	return filepath.Join(s.root, objectsDir, prefix, rest)
}

// scan rebuilds the eviction index from the objects directory. Entries with
// an invalid name or size are deleted. Recency is approximated from the
// filesystem modification time.
func (s *Store) scan() error {
	base := filepath.Join(s.root, objectsDir)
	shards, err := os.ReadDir(base)
	if err != nil {
		return errors.Wrap(errors.CodeStoreIO, "scan store root", err)
	}

	type found struct {
		digest types.Digest
		size   uint64
		mtime  int64
	}

	var scanMu sync.Mutex
	var entries []found

	var g errgroup.Group
	g.SetLimit(scanConcurrency)
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			s.removeStray(filepath.Join(base, shard.Name()))
			continue
		}
		g.Go(func() error {
			dir := filepath.Join(base, shard.Name())
			files, err := os.ReadDir(dir)
			if err != nil {
				return errors.Wrap(errors.CodeStoreIO, "scan shard "+shard.Name(), err)
			}
			for _, f := range files {
				path := filepath.Join(dir, f.Name())
				d, err := types.ParseDigest(shard.Name() + f.Name())
				if err != nil || f.IsDir() {
					s.removeStray(path)
					continue
				}
				info, err := f.Info()
				if err != nil {
					return errors.Wrap(errors.CodeStoreIO, "stat "+path, err)
				}
				if info.Size() <= 0 {
					s.removeStray(path)
					continue
				}
				scanMu.Lock()
				entries = append(entries, found{digest: d, size: uint64(info.Size()), mtime: info.ModTime().UnixNano()})
				scanMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Seed oldest first so the list order reflects on-disk recency.
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })
	now := s.nowNanos()
	for _, e := range entries {
		s.idx.seed(e.digest, e.size, now)
	}
	return nil
}

// removeStray deletes a file that does not belong to the store layout, such
// as an interrupted temp write from a previous run.
func (s *Store) removeStray(path string) {
	if err := os.RemoveAll(path); err != nil {
		s.logger.Warn("remove stray store file", "path", path, "error", err)
	} else {
		s.logger.Debug("removed stray store file", "path", path)
	}
}

// Lookup returns a read handle for the digest if present, touching its
// eviction record.
func (s *Store) Lookup(d types.Digest) (*ReadHandle, bool) {
	s.mu.Lock()
	now := s.nowNanos()
	if !s.idx.touch(d, now) {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}
	e, _ := s.idx.get(d)
	s.hits++
	s.mu.Unlock()

	return &ReadHandle{store: s, digest: d, size: e.size, path: s.objectPath(d)}, true
}

// Reserve declares intent to insert an artifact of the given size, evicting
// least-recent entries until it fits within the budget or the index is
// empty. It fails with STORE_BUDGET_EXCEEDED when the size alone exceeds
// the budget, in which case nothing is evicted, or when the index has been
// drained and uncommitted reservations still leave no room, in which case
// the entries evicted along the way stay evicted.
//
// Reservations are serialized: the eviction decision is atomic with respect
// to concurrent Reserve calls. The returned reservation must be resolved
// with Commit or Discard on every path.
func (s *Store) Reserve(d types.Digest, size uint64) (*Reservation, error) {
	s.mu.Lock()
	if s.budget != 0 && size > s.budget {
		s.mu.Unlock()
		return nil, errors.Newf(errors.CodeStoreBudgetExceeded,
			"artifact %s (%d bytes) exceeds cache budget (%d bytes)", d, size, s.budget)
	}
	victims := s.evictLocked(size)
	if s.budget != 0 && s.idx.bytes+s.reserved+size > s.budget {
		// The index is drained and outstanding reservations still occupy
		// the budget.
		s.mu.Unlock()
		s.deleteFiles(victims)
		return nil, errors.Newf(errors.CodeStoreBudgetExceeded,
			"no room for %d bytes with %d bytes reserved", size, s.reserved)
	}
	s.reserved += size
	s.mu.Unlock()

	// File removal happens outside the index mutex.
	s.deleteFiles(victims)

	return &Reservation{store: s, digest: d, size: size}, nil
}

// evictLocked pops least-recent entries until the extra bytes fit, or the
// index is empty. Callers hold s.mu; the returned victims must be deleted
// from disk after the mutex is released.
func (s *Store) evictLocked(extra uint64) []indexEntry {
	if s.budget == 0 {
		return nil
	}
	var victims []indexEntry
	for s.idx.bytes+s.reserved+extra > s.budget {
		e, ok := s.idx.popLeastRecent()
		if !ok {
			break
		}
		s.evictions++
		victims = append(victims, e)
	}
	return victims
}

func (s *Store) deleteFiles(victims []indexEntry) {
	for _, v := range victims {
		path := s.objectPath(v.digest)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("evict artifact", "digest", v.digest, "error", err)
		} else {
			s.logger.Debug("evicted artifact", "digest", v.digest, "size", v.size)
		}
	}
}

// Delete removes an entry outright. Used for poisoned entries and tests.
func (s *Store) Delete(d types.Digest) error {
	s.mu.Lock()
	_, present := s.idx.remove(d)
	s.mu.Unlock()

	err := os.Remove(s.objectPath(d))
	if os.IsNotExist(err) {
		err = nil
	}
	if err != nil {
		return errors.Wrap(errors.CodeStoreIO, "delete artifact "+d.Hex(), err)
	}
	if !present {
		s.logger.Debug("delete of unindexed artifact", "digest", d)
	}
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CacheStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   s.idx.len(),
		Bytes:     s.idx.bytes,
		Capacity:  s.budget,
	}
}

// Reservation is a pre-commit claim on store capacity.
type Reservation struct {
	store  *Store
	digest types.Digest
	size   uint64

	mu   sync.Mutex
	done bool
}

// Commit atomically materializes the artifact at its content-addressed
// path: the payload is written to a temp file in the same directory and
// renamed into place, so a crash never leaves a partial entry visible.
//
// The payload length must match the reserved size. On an I/O failure the
// reservation is released, the eviction index is left untouched and a
// STORE_IO error is returned; the caller still holds the artifact in
// memory and may serve it uncached.
func (r *Reservation) Commit(payload []byte) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return errors.New(errors.CodeInternal, "reservation already resolved")
	}
	r.done = true
	r.mu.Unlock()

	s := r.store
	if uint64(len(payload)) != r.size {
		s.release(r.size)
		return errors.Newf(errors.CodeInternal,
			"commit size mismatch: reserved %d, got %d", r.size, len(payload))
	}

	final := s.objectPath(r.digest)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.release(r.size)
		return errors.Wrap(errors.CodeStoreIO, "create shard dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".commit-*")
	if err != nil {
		s.release(r.size)
		return errors.Wrap(errors.CodeStoreIO, "create temp artifact", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		s.release(r.size)
	}

	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return errors.Wrap(errors.CodeStoreIO, "write artifact", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(errors.CodeStoreIO, "sync artifact", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		s.release(r.size)
		return errors.Wrap(errors.CodeStoreIO, "close artifact", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		s.release(r.size)
		return errors.Wrap(errors.CodeStoreIO, "publish artifact", err)
	}

	s.mu.Lock()
	s.reserved -= r.size
	s.idx.insert(r.digest, r.size, s.nowNanos())
	s.mu.Unlock()

	s.logger.Debug("artifact committed", "digest", r.digest, "size", r.size)
	return nil
}

// Discard releases the reservation without publishing anything. Safe to
// call after Commit; only the first resolution wins.
func (r *Reservation) Discard() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.store.release(r.size)
}

func (s *Store) release(size uint64) {
	s.mu.Lock()
	s.reserved -= size
	s.mu.Unlock()
}

// ReadHandle is a reference to a committed artifact.
type ReadHandle struct {
	store  *Store
	digest types.Digest
	size   uint64
	path   string
}

// Digest returns the artifact's fingerprint.
func (h *ReadHandle) Digest() types.Digest { return h.digest }

// Size returns the artifact size recorded in the eviction index.
func (h *ReadHandle) Size() uint64 { return h.size }

// Bytes reads the artifact payload. A read failure or a size mismatch with
// the index record poisons the entry: it is removed from store and index,
// and a STORE_IO error is returned so the caller re-routes as a miss.
func (h *ReadHandle) Bytes() ([]byte, error) {
	b, err := os.ReadFile(h.path)
	if err != nil {
		_ = h.store.Delete(h.digest)
		return nil, errors.Wrap(errors.CodeStoreIO, "read artifact "+h.digest.Hex(), err)
	}
	if uint64(len(b)) != h.size {
		_ = h.store.Delete(h.digest)
		return nil, errors.Newf(errors.CodeStoreIO,
			"artifact %s: size %d does not match index record %d", h.digest, len(b), h.size)
	}
	return b, nil
}

// WriteTo materializes the artifact at a caller-requested output path.
func (h *ReadHandle) WriteTo(dst string) error {
	src, err := os.Open(h.path)
	if err != nil {
		_ = h.store.Delete(h.digest)
		return errors.Wrap(errors.CodeStoreIO, "open artifact "+h.digest.Hex(), err)
	}
	defer src.Close()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrap(errors.CodeStoreIO, "create output dir", err)
		}
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(errors.CodeStoreIO, "create output "+dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return errors.Wrap(errors.CodeStoreIO, fmt.Sprintf("copy artifact %s to %s", h.digest, dst), err)
	}
	return out.Close()
}
