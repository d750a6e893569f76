// Package daemon wires the coordinator components together and serves the
// client-facing wire protocol.
package daemon

import (
	"bufio"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/farmcc/farmcc/internal/build"
	"github.com/farmcc/farmcc/internal/circuit"
	"github.com/farmcc/farmcc/internal/config"
	"github.com/farmcc/farmcc/internal/dispatch"
	"github.com/farmcc/farmcc/internal/metrics"
	"github.com/farmcc/farmcc/internal/store"
	"github.com/farmcc/farmcc/internal/wire"
	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/retry"
	"github.com/farmcc/farmcc/pkg/types"
)

// Daemon is the assembled coordinator process.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	pool       *build.Pool
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector

	mu sync.Mutex
	ln net.Listener
}

// New builds every component from the configuration. Store acquisition
// errors keep their structured codes so the CLI can map them onto exit
// codes.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(store.Config{Root: cfg.CacheRoot, Budget: cfg.CacheBytes}, logger)
	if err != nil {
		return nil, err
	}

	pool, err := build.NewPool(cfg.Workers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	local := build.NewLocalRunner(logger, cfg.LocalCompileTimeout())

	var remote build.Runner
	var breaker *circuit.Breaker
	if cfg.RemoteEndpoint != "" {
		remote = build.NewRemoteRunner(build.RemoteConfig{
			Endpoint: cfg.RemoteEndpoint,
			Secret:   cfg.SharedSecret,
			Deadline: cfg.RemoteDeadline(),
			Retry:    retry.DefaultConfig(),
		}, logger)
		breaker = circuit.New(circuit.Config{
			ErrorThreshold: cfg.RemoteErrorThreshold,
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("remote pool availability changed", "from", from, "to", to)
			},
		})
	}

	collector := metrics.NewCollector()

	d := &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		store:     st,
		pool:      pool,
		collector: collector,
		dispatcher: dispatch.New(st, pool, local, remote, breaker, collector, logger,
			dispatch.Options{HighWatermark: cfg.HighWatermark()}),
	}
	return d, nil
}

// Dispatcher exposes the request entry point, used by tests and embedders.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// Addr returns the bound listen address once Run has started.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Run serves the wire protocol until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "listen on "+d.cfg.ListenAddr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	if d.cfg.MetricsPort > 0 {
		go func() {
			if err := d.collector.Serve(d.cfg.MetricsPort); err != nil {
				d.logger.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	d.logger.Info("coordinator listening", "addr", ln.Addr().String())

	var conns sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("accept", "error", err)
			continue
		}
		conns.Add(1)
		go func(conn net.Conn) {
			defer conns.Done()
			defer conn.Close()
			d.handleConn(ctx, conn)
		}(conn)
	}

	conns.Wait()
	_ = d.collector.Shutdown()
	d.pool.Release()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("release store lock", "error", err)
	}
	return nil
}

// handleConn performs the handshake and then serves build requests until
// the client hangs up.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)

	var hello wire.Hello
	if err := wire.Read(br, &hello); err != nil {
		d.logger.Debug("handshake read", "peer", conn.RemoteAddr(), "error", err)
		return
	}
	if hello.Proto != wire.ProtocolVersion {
		_ = wire.Write(conn, &wire.HelloAck{OK: false, Message: "protocol version mismatch"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(hello.Secret), []byte(d.cfg.SharedSecret)) != 1 {
		d.logger.Warn("rejected client with bad secret", "peer", conn.RemoteAddr())
		_ = wire.Write(conn, &wire.HelloAck{OK: false, Message: "bad secret"})
		return
	}
	if err := wire.Write(conn, &wire.HelloAck{OK: true}); err != nil {
		return
	}

	for {
		var req wire.BuildRequest
		if err := wire.Read(br, &req); err != nil {
			if err != io.EOF {
				d.logger.Debug("request read", "peer", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp := d.serve(ctx, &req)
		if err := wire.Write(conn, resp); err != nil {
			d.logger.Debug("response write", "peer", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

// serve maps one wire request through the dispatcher and back.
func (d *Daemon) serve(ctx context.Context, req *wire.BuildRequest) *wire.BuildResponse {
	flags := req.Flags
	resp, err := d.dispatcher.Do(ctx, &dispatch.Request{
		Flags:  &flags,
		Source: req.Source,
	})
	if err != nil {
		return &wire.BuildResponse{Status: types.StatusInternal, Message: err.Error()}
	}
	return &wire.BuildResponse{
		Status:   resp.Status,
		Artifact: resp.Object,
		Stderr:   resp.Stderr,
	}
}
