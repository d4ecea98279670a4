package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/waverunner/internal/backend"
	"github.com/aristath/waverunner/internal/scheduler"
)

// BackendFactory creates a backend for a role. The default is backend.New.
type BackendFactory func(cfg backend.Config, pm *backend.ProcessManager) (backend.Backend, error)

// Backends routes each role to the backend that executes its tasks.
type Backends struct {
	byRole   map[scheduler.Role]backend.Backend
	fallback backend.Backend
}

// NewBackends creates one backend per configured role plus a fallback for
// every other role. Role names are validated.
func NewBackends(roleConfigs map[string]backend.Config, fallback backend.Config, pm *backend.ProcessManager, factory BackendFactory) (*Backends, error) {
	if factory == nil {
		factory = backend.New
	}

	b := &Backends{byRole: make(map[scheduler.Role]backend.Backend)}
	for name, cfg := range roleConfigs {
		role, err := scheduler.ParseRole(name)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("backend config: %w", err)
		}
		be, err := factory(cfg, pm)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("backend for role %s: %w", role, err)
		}
		b.byRole[role] = be
	}

	be, err := factory(fallback, pm)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("default backend: %w", err)
	}
	b.fallback = be
	return b, nil
}

// For returns the backend for role.
func (b *Backends) For(role scheduler.Role) backend.Backend {
	if be, ok := b.byRole[role]; ok {
		return be
	}
	return b.fallback
}

// Close closes every backend.
func (b *Backends) Close() error {
	var errs []error
	for _, be := range b.byRole {
		errs = append(errs, be.Close())
	}
	if b.fallback != nil {
		errs = append(errs, b.fallback.Close())
	}
	return errors.Join(errs...)
}

// ExecFunc adapts the backends into an ExecFunc.
func (b *Backends) ExecFunc() ExecFunc {
	return BackendExecFunc(b.For)
}

// BackendExecFunc turns a role -> backend lookup into an ExecFunc. The
// previous attempt's failure is handed to the backend with every retry.
func BackendExecFunc(lookup func(scheduler.Role) backend.Backend) ExecFunc {
	return func(ctx context.Context, task *scheduler.Task, attempt Attempt) (string, error) {
		be := lookup(task.Role)
		if be == nil {
			return "", fmt.Errorf("no backend for role %s", task.Role)
		}

		req := backend.Request{
			TaskID:  task.ID,
			Role:    task.Role.String(),
			Command: task.Command,
			Attempt: attempt.Number,
		}
		if attempt.LastErr != nil {
			req.LastError = attempt.LastErr.Error()
		}

		resp, err := be.Execute(ctx, req)
		return resp.Output, err
	}
}
