package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aristath/waverunner/internal/backend"
	"github.com/aristath/waverunner/internal/scheduler"
)

// mockBackend records requests and replays scripted failures.
type mockBackend struct {
	mu       sync.Mutex
	name     string
	requests []backend.Request
	failFor  int // Fail this many calls before succeeding
	closed   bool
}

func (m *mockBackend) Execute(ctx context.Context, req backend.Request) (backend.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.requests) <= m.failFor {
		return backend.Response{Output: "partial"}, errors.New("exit status 1")
	}
	return backend.Response{Output: m.name + ":" + req.Command}, nil
}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestBackendExecFunc_PassesLastError(t *testing.T) {
	be := &mockBackend{name: "shell", failFor: 1}
	fn := BackendExecFunc(func(scheduler.Role) backend.Backend { return be })

	s := mustSchedule(t, &scheduler.Task{ID: "api", Role: scheduler.RoleBackend, Command: "make api"})
	wr := NewWaveExecutor(fastPolicy(2)).RunWave(context.Background(), s, s.Waves[0], fn)

	if !wr.Tasks[0].Succeeded() || wr.Tasks[0].Output != "shell:make api" {
		t.Fatalf("unexpected result: %+v", wr.Tasks[0])
	}
	if len(be.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(be.requests))
	}

	first, second := be.requests[0], be.requests[1]
	if first.Attempt != 1 || first.LastError != "" || first.Role != "backend" || first.TaskID != "api" {
		t.Errorf("unexpected first request: %+v", first)
	}
	if second.Attempt != 2 || second.LastError != "exit status 1" {
		t.Errorf("second request should carry the first failure: %+v", second)
	}
}

func TestBackendExecFunc_NoBackend(t *testing.T) {
	fn := BackendExecFunc(func(scheduler.Role) backend.Backend { return nil })

	_, err := fn(context.Background(), &scheduler.Task{ID: "x", Role: scheduler.RoleDocs}, Attempt{Number: 1})
	if err == nil || !strings.Contains(err.Error(), "no backend for role docs") {
		t.Errorf("expected missing backend error, got %v", err)
	}
}

func TestNewBackends_RoutesByRole(t *testing.T) {
	created := make(map[string]*mockBackend)
	factory := func(cfg backend.Config, pm *backend.ProcessManager) (backend.Backend, error) {
		m := &mockBackend{name: cfg.Type}
		created[cfg.Type] = m
		return m, nil
	}

	backends, err := NewBackends(
		map[string]backend.Config{"frontend": {Type: "node"}, "Tester": {Type: "ci"}},
		backend.Config{Type: "shell"},
		nil,
		factory,
	)
	if err != nil {
		t.Fatalf("NewBackends failed: %v", err)
	}

	tests := []struct {
		role scheduler.Role
		want string
	}{
		{scheduler.RoleFrontend, "node"},
		{scheduler.RoleTester, "ci"},
		{scheduler.RoleBackend, "shell"},
		{scheduler.RoleDocs, "shell"},
	}
	fn := backends.ExecFunc()
	for _, tt := range tests {
		out, err := fn(context.Background(), &scheduler.Task{ID: "t", Role: tt.role, Command: "go"}, Attempt{Number: 1})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.role, err)
		}
		if out != tt.want+":go" {
			t.Errorf("%s routed to %q, want %s", tt.role, out, tt.want)
		}
	}

	if err := backends.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for name, m := range created {
		if !m.closed {
			t.Errorf("backend %s not closed", name)
		}
	}
}

func TestNewBackends_Errors(t *testing.T) {
	if _, err := NewBackends(map[string]backend.Config{"wizard": {Type: "shell"}}, backend.Config{}, nil, nil); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := NewBackends(nil, backend.Config{Type: "telepathy"}, nil, nil); err == nil {
		t.Error("expected error for unknown backend type")
	}
}

func TestNewBackends_DryRun(t *testing.T) {
	backends, err := NewBackends(nil, backend.Config{Type: backend.TypeDryRun}, nil, nil)
	if err != nil {
		t.Fatalf("NewBackends failed: %v", err)
	}
	defer backends.Close()

	out, err := backends.ExecFunc()(context.Background(), &scheduler.Task{ID: "T9", Role: scheduler.RoleReviewer, Command: "lint"}, Attempt{Number: 1})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "[dry-run] T9") {
		t.Errorf("unexpected dry-run output %q", out)
	}
}
