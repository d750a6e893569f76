// Package inflight collapses concurrent compilations of the same
// fingerprint into a single build.
//
// The first claimer of a digest becomes the leader and runs the build;
// everyone else joins as a follower and waits for the leader's published
// result. If the leader is cancelled before completing, the oldest follower
// is promoted and owns the build from then on. A record lives from the
// first claim until completion, at which point every waiter is notified
// exactly once and the record is removed.
package inflight

import (
	"context"
	"sync"

	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

// Result is the outcome a leader publishes to its followers.
type Result struct {
	// Status is OK or BUILD_FAILED when the build ran to a verdict.
	Status types.BuildStatus
	// Object is the artifact payload when Status is OK.
	Object []byte
	// Stderr carries the compiler diagnostics, best effort, taken from
	// the leader's build.
	Stderr []byte
	// Err is a system-level failure (remote unreachable and local
	// fallback failed, store poisoned beyond retry). Followers translate
	// it into their own failure responses.
	Err error
}

const numBuckets = 16

// Table is the inflight table. Buckets are locked independently so claims
// on unrelated fingerprints never contend.
type Table struct {
	buckets [numBuckets]bucket
}

type bucket struct {
	mu      sync.Mutex
	records map[types.Digest]*record
}

type record struct {
	leader    *Claim
	followers []*Claim // FIFO arrival order
	done      chan struct{}
	result    Result
	completed bool
}

// Claim is one request's stake in a record, either as leader or follower.
type Claim struct {
	table    *Table
	digest   types.Digest
	rec      *record
	leader   bool
	promoted chan struct{}
}

// NewTable creates an empty inflight table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i].records = make(map[types.Digest]*record)
	}
	return t
}

func (t *Table) bucketFor(d types.Digest) *bucket {
	return &t.buckets[int(d[0])%numBuckets]
}

// Claim registers interest in a digest. Exactly one concurrent claimer
// becomes the leader; the rest join as followers in arrival order.
func (t *Table) Claim(d types.Digest) *Claim {
	b := t.bucketFor(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &Claim{table: t, digest: d, promoted: make(chan struct{})}
	rec, ok := b.records[d]
	if !ok {
		rec = &record{done: make(chan struct{})}
		rec.leader = c
		c.leader = true
		c.rec = rec
		b.records[d] = rec
		return c
	}
	c.rec = rec
	rec.followers = append(rec.followers, c)
	return c
}

// IsLeader reports whether this claim owned the build at claim time.
// A follower that is later promoted learns about it through Wait.
func (c *Claim) IsLeader() bool { return c.leader }

// Pending returns the number of active records, for introspection.
func (t *Table) Pending() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		n += len(b.records)
		b.mu.Unlock()
	}
	return n
}

// Wait blocks a follower until the leader publishes, the follower is
// promoted, or ctx is done.
//
// When promoted is true the caller now owns the build: the claim has
// become the leader and must finish with Complete or Resign. When ctx
// expires the follower detaches and the returned error carries CANCELLED;
// the build continues without it.
func (c *Claim) Wait(ctx context.Context) (res Result, promoted bool, err error) {
	select {
	case <-ctx.Done():
		if c.detach() {
			return Result{}, false, errors.Wrap(errors.CodeCancelled, "follower detached", ctx.Err())
		}
		// Completion or promotion raced the cancellation; prefer it.
		select {
		case <-c.promoted:
			return Result{}, true, nil
		case <-c.rec.done:
			return c.rec.result, false, nil
		default:
			return Result{}, false, errors.Wrap(errors.CodeCancelled, "follower detached", ctx.Err())
		}
	case <-c.promoted:
		return Result{}, true, nil
	case <-c.rec.done:
		return c.rec.result, false, nil
	}
}

// detach removes a cancelled follower from its record. Reports whether the
// claim was still registered as a follower.
func (c *Claim) detach() bool {
	b := c.table.bucketFor(c.digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := c.rec
	if rec.completed {
		return false
	}
	for i, f := range rec.followers {
		if f == c {
			rec.followers = append(rec.followers[:i], rec.followers[i+1:]...)
			return true
		}
	}
	// Promoted to leader while the cancellation was in flight.
	return false
}

// Complete publishes the leader's result, wakes every follower and removes
// the record. A second Complete on the same record is ignored.
func (c *Claim) Complete(res Result) {
	b := c.table.bucketFor(c.digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := c.rec
	if rec.completed || rec.leader != c {
		return
	}
	rec.completed = true
	rec.result = res
	close(rec.done)
	delete(b.records, c.digest)
}

// Resign gives up leadership before completion. The oldest follower is
// promoted and owns the build; with no followers the record is dropped so
// the next claim starts fresh.
func (c *Claim) Resign() {
	b := c.table.bucketFor(c.digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := c.rec
	if rec.completed || rec.leader != c {
		return
	}
	if len(rec.followers) == 0 {
		delete(b.records, c.digest)
		return
	}
	next := rec.followers[0]
	rec.followers = rec.followers[1:]
	rec.leader = next
	close(next.promoted)
}
