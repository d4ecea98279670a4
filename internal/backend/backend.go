package backend

import (
	"context"
	"fmt"
)

// Backend types understood by New.
const (
	TypeShell  = "shell"
	TypeDryRun = "dry-run"
)

// Backend defines the interface that all task runners must implement.
type Backend interface {
	// Execute runs one attempt of a task and returns its output.
	Execute(ctx context.Context, req Request) (Response, error)

	// Close releases any resources held by the backend.
	Close() error
}

// New creates a new backend based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate backend.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case TypeShell, "":
		return NewShellBackend(cfg, pm), nil
	case TypeDryRun:
		return NewDryRunBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
