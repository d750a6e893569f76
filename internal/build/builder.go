// Package build runs compilations: locally as a compiler subprocess, or
// remotely over the cluster wire protocol. The worker pool that bounds
// build concurrency also lives here.
package build

import (
	"context"

	"github.com/farmcc/farmcc/pkg/types"
)

// Invocation is one compilation handed to a runner. Source holds the raw
// bytes of the preprocessed translation unit.
type Invocation struct {
	Flags  *types.FlagSet
	Source []byte
}

// Result is a build verdict. A compiler that ran and exited non-zero is a
// verdict (StatusBuildFailed), not a runner error; runner errors mean the
// build could not be attempted or finished abnormally.
type Result struct {
	Status types.BuildStatus
	Object []byte
	Stderr []byte
}

// Runner executes compilations. The two implementations are the local
// subprocess runner and the remote cluster runner.
type Runner interface {
	Run(ctx context.Context, inv *Invocation) (*Result, error)
}
