package store

import (
	"container/list"

	"github.com/farmcc/farmcc/pkg/types"
)

// indexEntry is the in-memory shadow of one on-disk artifact.
type indexEntry struct {
	digest     types.Digest
	size       uint64
	lastAccess uint64 // monotonic nanoseconds within this process
}

// index is the eviction index: a recency-ordered view of every store entry.
// The list front is most recently used; ties between equal access times fall
// back to insertion order because touching moves an element to the front and
// nothing else reorders. The index is not goroutine safe; the Store guards
// it with a single mutex held only for index operations.
type index struct {
	entries map[types.Digest]*list.Element
	order   *list.List // of *indexEntry
	bytes   uint64
}

func newIndex() *index {
	return &index{
		entries: make(map[types.Digest]*list.Element),
		order:   list.New(),
	}
}

// insert records a new entry as most recently used. Inserting an existing
// digest replaces its size and recency.
func (x *index) insert(d types.Digest, size, now uint64) {
	if el, ok := x.entries[d]; ok {
		old := el.Value.(*indexEntry)
		x.bytes -= old.size
		old.size = size
		old.lastAccess = now
		x.order.MoveToFront(el)
		x.bytes += size
		return
	}
	el := x.order.PushFront(&indexEntry{digest: d, size: size, lastAccess: now})
	x.entries[d] = el
	x.bytes += size
}

// seed records an entry rebuilt from disk at startup without changing its
// recency relative to entries seeded before it. Callers seed in
// oldest-first order.
func (x *index) seed(d types.Digest, size, lastAccess uint64) {
	if _, ok := x.entries[d]; ok {
		return
	}
	el := x.order.PushFront(&indexEntry{digest: d, size: size, lastAccess: lastAccess})
	x.entries[d] = el
	x.bytes += size
}

// touch marks an entry most recently used. Reports whether it was present.
func (x *index) touch(d types.Digest, now uint64) bool {
	el, ok := x.entries[d]
	if !ok {
		return false
	}
	el.Value.(*indexEntry).lastAccess = now
	x.order.MoveToFront(el)
	return true
}

// get returns a copy of the entry without touching it.
func (x *index) get(d types.Digest) (indexEntry, bool) {
	el, ok := x.entries[d]
	if !ok {
		return indexEntry{}, false
	}
	return *el.Value.(*indexEntry), true
}

// popLeastRecent removes and returns the least recently used entry.
func (x *index) popLeastRecent() (indexEntry, bool) {
	el := x.order.Back()
	if el == nil {
		return indexEntry{}, false
	}
	e := el.Value.(*indexEntry)
	x.order.Remove(el)
	delete(x.entries, e.digest)
	x.bytes -= e.size
	return *e, true
}

// remove deletes an entry by digest. Reports whether it was present.
func (x *index) remove(d types.Digest) (uint64, bool) {
	el, ok := x.entries[d]
	if !ok {
		return 0, false
	}
	e := el.Value.(*indexEntry)
	x.order.Remove(el)
	delete(x.entries, d)
	x.bytes -= e.size
	return e.size, true
}

func (x *index) len() int { return x.order.Len() }
