package build

import (
	"runtime"

	"github.com/panjf2000/ants/v2"

	"github.com/farmcc/farmcc/pkg/errors"
)

// Pool is the bounded worker pool that runs builds. Submitting into a full
// pool blocks the caller, which is how backpressure reaches the dispatcher.
type Pool struct {
	pool *ants.Pool
}

// NewPool creates a pool of the given size; zero or negative means one
// worker per logical CPU.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "create worker pool", err)
	}
	return &Pool{pool: p}, nil
}

// Submit schedules a build task, blocking while all workers are busy.
func (p *Pool) Submit(task func()) error {
	if err := p.pool.Submit(task); err != nil {
		return errors.Wrap(errors.CodeInternal, "submit build task", err)
	}
	return nil
}

// Depth is the number of builds running plus submissions blocked waiting
// for a worker. The dispatcher compares it against the remote-preference
// high-watermark.
func (p *Pool) Depth() int {
	return p.pool.Running() + p.pool.Waiting()
}

// Cap returns the pool size.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Release shuts the pool down. Queued tasks are abandoned.
func (p *Pool) Release() { p.pool.Release() }
