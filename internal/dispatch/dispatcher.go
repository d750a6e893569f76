package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/farmcc/farmcc/internal/build"
	"github.com/farmcc/farmcc/internal/circuit"
	"github.com/farmcc/farmcc/internal/fingerprint"
	"github.com/farmcc/farmcc/internal/inflight"
	"github.com/farmcc/farmcc/internal/metrics"
	"github.com/farmcc/farmcc/internal/store"
	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

// Request is one client compilation handed to the dispatcher.
type Request struct {
	Flags *types.FlagSet
	// Source holds the preprocessed translation unit. A request without
	// one cannot be fingerprinted and is executed directly.
	Source []byte
	// OutputPath, when set, asks the dispatcher to materialize the
	// artifact there. When empty nothing is written; the flag set's
	// output is not used as a fallback.
	OutputPath string
}

// Response is the terminal answer for a request.
type Response struct {
	Status   types.BuildStatus
	Object   []byte
	Stderr   []byte
	Digest   types.Digest
	CacheHit bool
}

// Options tunes the dispatcher.
type Options struct {
	// HighWatermark is the worker queue depth at which remote dispatch
	// is preferred over a local build.
	HighWatermark int
}

// Dispatcher drives a request through lookup, inflight claim, build and
// store write-back.
type Dispatcher struct {
	store   *store.Store
	table   *inflight.Table
	pool    *build.Pool
	local   *build.LocalRunner
	remote  build.Runner     // nil disables remote dispatch
	breaker *circuit.Breaker // nil iff remote is nil
	metrics *metrics.Collector
	logger  *slog.Logger
	opts    Options
}

// New assembles a dispatcher. remote and breaker may be nil together to run
// a purely local coordinator; collector may be nil to run unobserved.
func New(st *store.Store, pool *build.Pool, local *build.LocalRunner,
	remote build.Runner, breaker *circuit.Breaker,
	collector *metrics.Collector, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   st,
		table:   inflight.NewTable(),
		pool:    pool,
		local:   local,
		remote:  remote,
		breaker: breaker,
		metrics: collector,
		logger:  logger.With("component", "dispatch"),
		opts:    opts,
	}
}

// Do routes one request to completion. Build verdicts (including compiler
// failures) come back as a Response; system failures come back as an error
// carrying a structured code.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := d.route(ctx, req)
	d.observeRequest(start, resp, err)
	return resp, err
}

func (d *Dispatcher) route(ctx context.Context, req *Request) (*Response, error) {
	// Help/version queries, link-only invocations and unparseable flag
	// sets bypass fingerprint, store and inflight entirely. So does a
	// compile with no preprocessable source.
	if !req.Flags.Cacheable() || len(req.Source) == 0 {
		return d.runDirect(ctx, req)
	}

	digest := fingerprint.Compute(req.Source, req.Flags)

	if resp, ok := d.serveFromStore(ctx, digest, req); ok {
		return resp, nil
	}

	claim := d.table.Claim(digest)
	if claim.IsLeader() {
		return d.lead(ctx, claim, digest, req)
	}
	return d.follow(ctx, claim, digest, req)
}

// serveFromStore attempts a cache hit. A store read failure degrades to a
// miss: the handle poisons the entry on its own.
func (d *Dispatcher) serveFromStore(_ context.Context, digest types.Digest, req *Request) (*Response, bool) {
	h, ok := d.store.Lookup(digest)
	if !ok {
		d.count(func(c *metrics.Collector) { c.CacheMisses.Inc() })
		return nil, false
	}
	payload, err := h.Bytes()
	if err != nil {
		d.logger.Warn("cached artifact unreadable, treating as miss",
			"digest", digest, "error", err)
		d.count(func(c *metrics.Collector) { c.CacheMisses.Inc() })
		return nil, false
	}
	if err := d.materialize(req, payload); err != nil {
		d.logger.Warn("materialize cached artifact", "digest", digest, "error", err)
	}
	d.count(func(c *metrics.Collector) { c.CacheHits.Inc() })
	return &Response{Status: types.StatusOK, Object: payload, Digest: digest, CacheHit: true}, true
}

// follow waits for the leader's result, translating it into this request's
// own response. A promoted follower takes over the build.
func (d *Dispatcher) follow(ctx context.Context, claim *inflight.Claim, digest types.Digest, req *Request) (*Response, error) {
	d.count(func(c *metrics.Collector) { c.Collapsed.Inc() })
	res, promoted, err := claim.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if promoted {
		return d.lead(ctx, claim, digest, req)
	}
	if res.Err != nil {
		return nil, errors.Wrap(errors.CodeOf(res.Err), "leader build failed", res.Err)
	}
	if res.Status == types.StatusBuildFailed {
		return &Response{Status: types.StatusBuildFailed, Stderr: res.Stderr, Digest: digest}, nil
	}
	// The payload is content-addressed: the leader's artifact is this
	// request's artifact, whatever output path it asked for.
	if err := d.materialize(req, res.Object); err != nil {
		d.logger.Warn("materialize follower output", "digest", digest, "error", err)
	}
	return &Response{Status: types.StatusOK, Object: res.Object, Stderr: res.Stderr, Digest: digest}, nil
}

// lead owns the build for a fingerprint. The claim is always resolved:
// Complete on any verdict or system failure, Resign on cancellation.
func (d *Dispatcher) lead(ctx context.Context, claim *inflight.Claim, digest types.Digest, req *Request) (*Response, error) {
	// A previous leader may have committed between this request's lookup
	// and its claim. Re-check before building.
	if h, ok := d.store.Lookup(digest); ok {
		if payload, err := h.Bytes(); err == nil {
			claim.Complete(inflight.Result{Status: types.StatusOK, Object: payload})
			if err := d.materialize(req, payload); err != nil {
				d.logger.Warn("materialize cached artifact", "digest", digest, "error", err)
			}
			d.count(func(c *metrics.Collector) { c.CacheHits.Inc() })
			return &Response{Status: types.StatusOK, Object: payload, Digest: digest, CacheHit: true}, nil
		}
	}

	inv := &build.Invocation{Flags: req.Flags, Source: req.Source}

	// Corruption on read-back of the just-written artifact re-runs the
	// build once.
	var (
		res *build.Result
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = d.executeThroughPool(ctx, inv)
		if err != nil {
			if errors.IsCode(err, errors.CodeCancelled) {
				claim.Resign()
				return nil, err
			}
			claim.Complete(inflight.Result{Err: err})
			return nil, err
		}
		if res.Status != types.StatusOK {
			// A compiler verdict is final and never cached.
			claim.Complete(inflight.Result{Status: types.StatusBuildFailed, Stderr: res.Stderr})
			d.count(func(c *metrics.Collector) { c.BuildFailures.WithLabelValues("compile").Inc() })
			return &Response{Status: types.StatusBuildFailed, Stderr: res.Stderr, Digest: digest}, nil
		}
		if d.writeBack(digest, res.Object) {
			break
		}
		d.logger.Warn("artifact corrupted on read-back, rebuilding", "digest", digest, "attempt", attempt+1)
	}

	claim.Complete(inflight.Result{Status: types.StatusOK, Object: res.Object, Stderr: res.Stderr})

	if err := d.materialize(req, res.Object); err != nil {
		d.logger.Warn("materialize output", "digest", digest, "error", err)
	}
	d.syncStoreGauges()
	return &Response{Status: types.StatusOK, Object: res.Object, Stderr: res.Stderr, Digest: digest}, nil
}

// writeBack commits the artifact and verifies it by reading it back.
// Returns false only on a digest mismatch, which deletes the entry so the
// caller can rebuild. Budget and I/O failures are logged and the request
// proceeds uncached.
func (d *Dispatcher) writeBack(digest types.Digest, payload []byte) bool {
	rsv, err := d.store.Reserve(digest, uint64(len(payload)))
	if err != nil {
		d.logger.Warn("artifact not cached", "digest", digest, "size", len(payload), "error", err)
		return true
	}
	if err := rsv.Commit(payload); err != nil {
		// The artifact is still served from memory; the eviction index
		// was not updated.
		d.logger.Warn("artifact commit failed, serving uncached", "digest", digest, "error", err)
		return true
	}

	h, ok := d.store.Lookup(digest)
	if !ok {
		// Evicted already; nothing to verify.
		return true
	}
	got, err := h.Bytes()
	if err != nil {
		d.logger.Warn("artifact unreadable after commit", "digest", digest, "error", err)
		return true
	}
	if fingerprint.Payload(got) != fingerprint.Payload(payload) {
		_ = d.store.Delete(digest)
		return false
	}
	return true
}

// executeThroughPool submits the routed build to the worker pool and waits
// for it. Submission blocks while the pool is saturated, which is how
// backpressure reaches the caller.
func (d *Dispatcher) executeThroughPool(ctx context.Context, inv *build.Invocation) (*build.Result, error) {
	preferRemote := d.remote != nil && d.pool.Depth() >= d.opts.HighWatermark

	type outcome struct {
		res *build.Result
		err error
	}
	ch := make(chan outcome, 1)
	if err := d.pool.Submit(func() {
		res, err := d.buildOnce(ctx, inv, preferRemote)
		ch <- outcome{res, err}
	}); err != nil {
		return nil, err
	}
	d.count(func(c *metrics.Collector) { c.QueueDepth.Set(float64(d.pool.Depth())) })

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		// The worker sees the same context and aborts its subprocess.
		return nil, errors.Wrap(errors.CodeCancelled, "request cancelled", ctx.Err())
	}
}

// buildOnce runs the two-leg routing: the preferred leg first, then one
// fallback. A second failure is fatal to the request.
func (d *Dispatcher) buildOnce(ctx context.Context, inv *build.Invocation, preferRemote bool) (*build.Result, error) {
	if preferRemote {
		res, err := d.tryRemote(ctx, inv)
		if err == nil {
			d.count(func(c *metrics.Collector) { c.Builds.WithLabelValues("remote").Inc() })
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.CodeCancelled, "request cancelled", ctx.Err())
		}
		d.logger.Info("remote dispatch failed, falling back to local build", "error", err)
		d.count(func(c *metrics.Collector) { c.RemoteFallback.Inc() })
		res, err = d.local.Run(ctx, inv)
		if err != nil {
			return nil, err
		}
		d.count(func(c *metrics.Collector) { c.Builds.WithLabelValues("local").Inc() })
		return res, nil
	}

	res, err := d.local.Run(ctx, inv)
	if err == nil {
		d.count(func(c *metrics.Collector) { c.Builds.WithLabelValues("local").Inc() })
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(errors.CodeCancelled, "request cancelled", ctx.Err())
	}
	if d.remote == nil {
		return nil, err
	}
	d.logger.Info("local build failed, dispatching remote", "error", err)
	res, rerr := d.tryRemote(ctx, inv)
	if rerr != nil {
		return nil, rerr
	}
	d.count(func(c *metrics.Collector) { c.Builds.WithLabelValues("remote").Inc() })
	return res, nil
}

// tryRemote runs one remote dispatch gated by the breaker.
func (d *Dispatcher) tryRemote(ctx context.Context, inv *build.Invocation) (*build.Result, error) {
	if d.breaker != nil {
		if err := d.breaker.Allow(); err != nil {
			return nil, err
		}
	}
	res, err := d.remote.Run(ctx, inv)
	if d.breaker != nil {
		d.breaker.Report(err)
	}
	return res, err
}

// runDirect executes a non-cacheable invocation through the worker pool.
func (d *Dispatcher) runDirect(ctx context.Context, req *Request) (*Response, error) {
	type outcome struct {
		res *build.Result
		err error
	}
	ch := make(chan outcome, 1)
	if err := d.pool.Submit(func() {
		res, err := d.local.RunDirect(ctx, req.Flags)
		ch <- outcome{res, err}
	}); err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		d.count(func(c *metrics.Collector) { c.Builds.WithLabelValues("direct").Inc() })
		return &Response{Status: o.res.Status, Object: o.res.Object, Stderr: o.res.Stderr}, nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.CodeCancelled, "request cancelled", ctx.Err())
	}
}

// materialize writes the artifact at the caller-requested output path.
func (d *Dispatcher) materialize(req *Request, payload []byte) error {
	dst := req.OutputPath
	if dst == "" {
		return nil
	}
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrap(errors.CodeStoreIO, "create output dir", err)
		}
	}
	if err := os.WriteFile(dst, payload, 0o640); err != nil {
		return errors.Wrap(errors.CodeStoreIO, "write output "+dst, err)
	}
	return nil
}

// Pending reports the number of in-flight fingerprints, for introspection.
func (d *Dispatcher) Pending() int { return d.table.Pending() }

func (d *Dispatcher) count(f func(c *metrics.Collector)) {
	if d.metrics != nil {
		f(d.metrics)
	}
}

func (d *Dispatcher) syncStoreGauges() {
	if d.metrics == nil {
		return
	}
	stats := d.store.Stats()
	d.metrics.StoreBytes.Set(float64(stats.Bytes))
	d.metrics.StoreEntries.Set(float64(stats.Entries))
	d.metrics.Evictions.Set(float64(stats.Evictions))
}

func (d *Dispatcher) observeRequest(start time.Time, resp *Response, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "failed"
	switch {
	case err == nil && resp != nil && resp.CacheHit:
		outcome = "hit"
	case err == nil && resp != nil && resp.Status == types.StatusOK:
		outcome = "built"
	}
	d.metrics.RequestSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
