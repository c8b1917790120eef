// Package engines provides the scan engine contract and all engine
// adapters. Every adapter is treated identically by the orchestrator, so
// engines can be added, removed, or run remotely without touching
// orchestration logic.
package engines

import (
	"context"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// Engine is the interface all scan engines implement. Scan receives the
// raw package bytes and their content hash; a failed or timed-out engine
// returns an error and contributes no finding.
type Engine interface {
	// Name returns the unique engine name.
	Name() string
	// Version returns the engine version string.
	Version() string
	// Scan analyzes the package and reports whether it is positive.
	Scan(ctx context.Context, data []byte, sha256 string) (*core.EngineResult, error)
	// HealthCheck checks if the engine is operational.
	HealthCheck() bool
}
