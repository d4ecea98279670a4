package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Environment variables exposed to every task command.
const (
	EnvTaskID    = "WAVERUNNER_TASK_ID"
	EnvRole      = "WAVERUNNER_ROLE"
	EnvAttempt   = "WAVERUNNER_ATTEMPT"
	EnvLastError = "WAVERUNNER_LAST_ERROR"
)

// ShellBackend runs each task command through a shell, one subprocess per
// attempt, in its own process group.
type ShellBackend struct {
	shell   string
	workDir string
	env     map[string]string
	procMgr *ProcessManager
}

// NewShellBackend creates a shell backend. The ProcessManager is optional;
// if nil, subprocesses won't be tracked.
func NewShellBackend(cfg Config, procMgr *ProcessManager) *ShellBackend {
	shell := cfg.Shell
	if shell == "" {
		shell = "sh"
	}
	return &ShellBackend{
		shell:   shell,
		workDir: cfg.WorkDir,
		env:     cfg.Env,
		procMgr: procMgr,
	}
}

// Execute runs req.Command with "<shell> -c". A non-zero exit status is an
// error that carries the captured stderr.
func (b *ShellBackend) Execute(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Response{}, fmt.Errorf("task %q has no command", req.TaskID)
	}

	cmd := newCommand(ctx, b.shell, "-c", req.Command)
	cmd.Dir = b.workDir
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = b.buildEnv(req)

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, b.procMgr)
	resp := Response{
		Output:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		return resp, fmt.Errorf("task %q: %w", req.TaskID, err)
	}
	return resp, nil
}

// Close is a no-op (subprocess-per-attempt model).
func (b *ShellBackend) Close() error {
	return nil
}

// buildEnv layers the process environment, backend env, request env and the
// WAVERUNNER_* variables, later entries winning. Keys are emitted sorted.
func (b *ShellBackend) buildEnv(req Request) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range b.env {
		merged[k] = v
	}
	for k, v := range req.Env {
		merged[k] = v
	}
	merged[EnvTaskID] = req.TaskID
	merged[EnvRole] = req.Role
	merged[EnvAttempt] = strconv.Itoa(req.Attempt)
	merged[EnvLastError] = req.LastError

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
