package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dig(b byte) types.Digest {
	var d types.Digest
	d[0] = b
	return d
}

func TestFirstClaimerIsLeader(t *testing.T) {
	tbl := NewTable()
	c := tbl.Claim(dig(1))
	assert.True(t, c.IsLeader())
	assert.Equal(t, 1, tbl.Pending())
	c.Complete(Result{Status: types.StatusOK})
	assert.Equal(t, 0, tbl.Pending())
}

func TestFollowersReceiveLeaderResult(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	require.True(t, leader.IsLeader())

	const followers = 10
	var wg sync.WaitGroup
	results := make([]Result, followers)
	for i := 0; i < followers; i++ {
		f := tbl.Claim(dig(1))
		require.False(t, f.IsLeader())
		wg.Add(1)
		go func(i int, f *Claim) {
			defer wg.Done()
			res, promoted, err := f.Wait(context.Background())
			assert.NoError(t, err)
			assert.False(t, promoted)
			results[i] = res
		}(i, f)
	}

	payload := []byte("the one build")
	leader.Complete(Result{Status: types.StatusOK, Object: payload})
	wg.Wait()

	for i := range results {
		assert.Equal(t, types.StatusOK, results[i].Status)
		assert.Equal(t, payload, results[i].Object)
	}
	assert.Equal(t, 0, tbl.Pending())
}

func TestSeparateDigestsAreIndependentLeaders(t *testing.T) {
	tbl := NewTable()
	a := tbl.Claim(dig(1))
	b := tbl.Claim(dig(2))
	assert.True(t, a.IsLeader())
	assert.True(t, b.IsLeader())
	a.Complete(Result{})
	b.Complete(Result{})
}

func TestRecordRemovedAfterCompletion(t *testing.T) {
	tbl := NewTable()
	c1 := tbl.Claim(dig(1))
	c1.Complete(Result{Status: types.StatusOK})

	// A new claim on the same digest starts a fresh record.
	c2 := tbl.Claim(dig(1))
	assert.True(t, c2.IsLeader())
	c2.Complete(Result{})
}

func TestDoubleCompleteIgnored(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	f := tbl.Claim(dig(1))

	done := make(chan Result, 1)
	go func() {
		res, _, _ := f.Wait(context.Background())
		done <- res
	}()

	leader.Complete(Result{Status: types.StatusOK, Object: []byte("first")})
	leader.Complete(Result{Status: types.StatusOK, Object: []byte("second")})

	res := <-done
	assert.Equal(t, []byte("first"), res.Object)
}

func TestFollowerCancellationDetaches(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	f := tbl.Claim(dig(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, promoted, err := f.Wait(ctx)
	require.Error(t, err)
	assert.False(t, promoted)
	assert.True(t, errors.IsCode(err, errors.CodeCancelled))

	// The leader is unaffected.
	leader.Complete(Result{Status: types.StatusOK})
	assert.Equal(t, 0, tbl.Pending())
}

func TestLeaderResignWithoutFollowersDropsRecord(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	leader.Resign()
	assert.Equal(t, 0, tbl.Pending())

	next := tbl.Claim(dig(1))
	assert.True(t, next.IsLeader())
	next.Complete(Result{})
}

func TestLeaderResignPromotesOldestFollower(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	first := tbl.Claim(dig(1))
	second := tbl.Claim(dig(1))

	type waitOutcome struct {
		res      Result
		promoted bool
	}
	firstCh := make(chan waitOutcome, 1)
	secondCh := make(chan waitOutcome, 1)
	go func() {
		res, promoted, _ := first.Wait(context.Background())
		firstCh <- waitOutcome{res, promoted}
	}()
	go func() {
		res, promoted, _ := second.Wait(context.Background())
		secondCh <- waitOutcome{res, promoted}
	}()

	leader.Resign()

	got := <-firstCh
	require.True(t, got.promoted, "oldest follower must be promoted")

	// The promoted follower owns the build now.
	first.Complete(Result{Status: types.StatusOK, Object: []byte("promoted build")})
	sec := <-secondCh
	assert.False(t, sec.promoted)
	assert.Equal(t, []byte("promoted build"), sec.res.Object)
	assert.Equal(t, 0, tbl.Pending())
}

func TestResignAfterCompleteIsNoop(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	leader.Complete(Result{Status: types.StatusOK})
	leader.Resign()
	assert.Equal(t, 0, tbl.Pending())
}

func TestConcurrentClaimsExactlyOneLeader(t *testing.T) {
	tbl := NewTable()
	const n = 32
	var wg sync.WaitGroup
	leaders := make(chan *Claim, n)
	claims := make(chan *Claim, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := tbl.Claim(dig(7))
			claims <- c
			if c.IsLeader() {
				leaders <- c
			}
		}()
	}
	wg.Wait()
	close(leaders)
	close(claims)

	var leader *Claim
	count := 0
	for c := range leaders {
		leader = c
		count++
	}
	require.Equal(t, 1, count, "exactly one leader per fingerprint")

	var followerWG sync.WaitGroup
	for c := range claims {
		if c == leader {
			continue
		}
		followerWG.Add(1)
		go func(c *Claim) {
			defer followerWG.Done()
			res, promoted, err := c.Wait(context.Background())
			assert.NoError(t, err)
			assert.False(t, promoted)
			assert.Equal(t, types.StatusOK, res.Status)
		}(c)
	}
	leader.Complete(Result{Status: types.StatusOK})
	followerWG.Wait()
}

func TestWaitResultAfterCancellationRace(t *testing.T) {
	// A follower whose context expires after the leader already completed
	// still receives the result.
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	f := tbl.Claim(dig(1))
	leader.Complete(Result{Status: types.StatusOK, Object: []byte("raced")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, promoted, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, []byte("raced"), res.Object)
}

func TestWaitTimeout(t *testing.T) {
	tbl := NewTable()
	leader := tbl.Claim(dig(1))
	f := tbl.Claim(dig(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := f.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCancelled))

	leader.Complete(Result{})
}
