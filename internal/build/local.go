package build

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/farmcc/farmcc/pkg/errors"
	"github.com/farmcc/farmcc/pkg/types"
)

// LocalRunner compiles by invoking the compiler binary on this host.
type LocalRunner struct {
	logger *slog.Logger

	// timeout optionally caps a single local compile. Zero means no cap.
	timeout time.Duration
}

// NewLocalRunner creates a local subprocess runner.
func NewLocalRunner(logger *slog.Logger, timeout time.Duration) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{logger: logger.With("runner", "local"), timeout: timeout}
}

// Run compiles the preprocessed source to an object file in a scratch
// directory and returns its bytes. The scratch directory is removed on
// every exit path.
func (r *LocalRunner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp("", "farmcc-build-*")
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "create build scratch dir", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "input"+sourceExt(inv.Flags.Language))
	if err := os.WriteFile(srcPath, inv.Source, 0o640); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "write preprocessed source", err)
	}
	outPath := filepath.Join(workDir, "output.o")

	args := make([]string, 0, len(inv.Flags.Other)+len(inv.Flags.NonCached)+3)
	args = append(args, inv.Flags.Other...)
	args = append(args, inv.Flags.NonCached...)
	args = append(args, "-o", outPath, srcPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.Flags.Compiler.Path, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Wrap(errors.CodeCancelled, "local compile aborted", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Debug("compiler rejected translation unit",
				"input", inv.Flags.Input,
				"exit", exitErr.ExitCode(),
				"elapsed", elapsed)
			return &Result{Status: types.StatusBuildFailed, Stderr: stderr.Bytes()}, nil
		}
		return nil, errors.Wrap(errors.CodeInternal, "start compiler "+inv.Flags.Compiler.Path, err)
	}

	object, err := os.ReadFile(outPath)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "read compiler output", err)
	}
	r.logger.Debug("local compile finished",
		"input", inv.Flags.Input,
		"bytes", len(object),
		"elapsed", elapsed)
	return &Result{Status: types.StatusOK, Object: object, Stderr: stderr.Bytes()}, nil
}

// RunDirect executes a non-cacheable invocation exactly as the client
// requested it: original input path, original output path, no scratch
// redirection. Used for preprocess-only and unclassified flag sets.
func (r *LocalRunner) RunDirect(ctx context.Context, flags *types.FlagSet) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(flags.Other)+len(flags.NonCached)+3)
	args = append(args, flags.Other...)
	args = append(args, flags.NonCached...)
	if flags.Output != "" {
		args = append(args, "-o", flags.Output)
	}
	if flags.Input != "" {
		args = append(args, flags.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, flags.Compiler.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Wrap(errors.CodeCancelled, "direct execution aborted", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{Status: types.StatusBuildFailed, Stderr: stderr.Bytes()}, nil
		}
		return nil, errors.Wrap(errors.CodeInternal, "start compiler "+flags.Compiler.Path, err)
	}
	// Preprocess output goes to stdout when no -o was given.
	return &Result{Status: types.StatusOK, Object: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// sourceExt picks the scratch file suffix for an already-preprocessed
// translation unit.
func sourceExt(language string) string {
	switch language {
	case "c", "cpp-output":
		return ".i"
	case "assembler", "assembler-with-cpp":
		return ".s"
	default:
		return ".ii"
	}
}
