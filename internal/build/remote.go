package build

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/farmcc/farmcc/internal/wire"
	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/retry"
	"github.com/farmcc/farmcc/pkg/types"
)

// RemoteConfig configures dispatch to a remote builder.
type RemoteConfig struct {
	// Endpoint is the builder address, host:port.
	Endpoint string
	// Secret is the cluster shared secret presented in the handshake.
	Secret string
	// Deadline caps one remote dispatch, transport retries included.
	Deadline time.Duration
	// Retry tunes the transport retries inside the deadline.
	Retry retry.Config
}

// RemoteRunner ships the preprocessed translation unit to a remote builder
// over the framed wire protocol and returns the produced object.
type RemoteRunner struct {
	config  RemoteConfig
	retryer *retry.Retryer
	logger  *slog.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewRemoteRunner creates a remote runner.
func NewRemoteRunner(config RemoteConfig, logger *slog.Logger) *RemoteRunner {
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	return &RemoteRunner{
		config:  config,
		retryer: retry.New(config.Retry),
		logger:  logger.With("runner", "remote", "endpoint", config.Endpoint),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run dispatches the invocation to the remote builder. Transport failures
// and builder-internal failures surface as REMOTE_UNAVAILABLE so the
// dispatcher can fall back to a local build; a BUILD_FAILED verdict from
// the remote compiler is returned as a Result, not an error.
func (r *RemoteRunner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	if r.config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Deadline)
		defer cancel()
	}

	var result *Result
	err := r.retryer.Do(ctx, func(ctx context.Context) error {
		res, err := r.exchange(ctx, inv)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.IsCode(err, errors.CodeCancelled) {
			return nil, err
		}
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "remote dispatch", err)
	}
	return result, nil
}

// exchange performs one connection-scoped request/response cycle.
func (r *RemoteRunner) exchange(ctx context.Context, inv *Invocation) (*Result, error) {
	conn, err := r.dial(ctx, r.config.Endpoint)
	if err != nil {
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "dial builder", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(errors.CodeRemoteUnavailable, "set deadline", err)
		}
	}

	br := bufio.NewReader(conn)

	if err := wire.Write(conn, &wire.Hello{Proto: wire.ProtocolVersion, Secret: r.config.Secret}); err != nil {
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "send hello", err)
	}
	var ack wire.HelloAck
	if err := wire.Read(br, &ack); err != nil {
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "read hello ack", err)
	}
	if !ack.OK {
		// An auth rejection will not heal on retry.
		e := errors.Newf(errors.CodeRemoteUnavailable, "builder rejected handshake: %s", ack.Message)
		e.Retryable = false
		return nil, e
	}

	req := wire.BuildRequest{Flags: *inv.Flags, Source: inv.Source}
	if err := wire.Write(conn, &req); err != nil {
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "send build request", err)
	}

	var resp wire.BuildResponse
	if err := wire.Read(br, &resp); err != nil {
		return nil, errors.Wrap(errors.CodeRemoteUnavailable, "read build response", err)
	}

	switch resp.Status {
	case types.StatusOK:
		return &Result{Status: types.StatusOK, Object: resp.Artifact, Stderr: resp.Stderr}, nil
	case types.StatusBuildFailed:
		return &Result{Status: types.StatusBuildFailed, Stderr: resp.Stderr}, nil
	default:
		e := errors.Newf(errors.CodeRemoteUnavailable, "builder internal failure: %s", resp.Message)
		e.Retryable = false
		return nil, e
	}
}
