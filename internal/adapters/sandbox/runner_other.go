//go:build !linux

package sandbox

import (
	"context"
	"runtime"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
)

// Run fails: resource limits are only enforced on Linux.
func (r *Runner) Run(_ context.Context, _ domain.SandboxConfig) (domain.SandboxOutcome, error) {
	return domain.SandboxOutcome{}, zerr.With(domain.ErrSandboxSetupFailed, "os", runtime.GOOS)
}
