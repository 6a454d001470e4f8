// Package ports defines the core interfaces for the application.
package ports

import (
	"context"

	"go.trai.ch/forge/internal/core/domain"
)

// SandboxRunner runs a single process in a prepared directory under
// resource limits.
//
//go:generate go run go.uber.org/mock/mockgen -source=sandbox.go -destination=mocks/mock_sandbox.go -package=mocks
type SandboxRunner interface {
	// Run starts the process described by cfg and blocks until it terminates.
	//
	// Cancelling ctx kills the process; the outcome then has Killed set.
	// An error means the process could not be started at all.
	Run(ctx context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error)
}
