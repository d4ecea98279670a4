package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_ConcurrentPipeReading_LargeOutput verifies no deadlock on large output
func TestExecuteCommand_ConcurrentPipeReading_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Well above the 64KB pipe buffer on both streams
	script := `i=0; while [ $i -lt 20000 ]; do echo "line $i of stdout output"; echo "line $i" >&2; i=$((i+1)); done`
	cmd := newCommand(ctx, "sh", "-c", script)

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("Expected 20000 lines of output, got %d", len(lines))
	}
	if len(stderr) == 0 {
		t.Error("Expected stderr to be captured")
	}
}

// TestExecuteCommand_ContextCancellation verifies subprocess termination on context cancel
func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	_, _, err := executeCommand(ctx, cmd, nil)

	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context error, got: %v", err)
	}
}

// TestExecuteCommand_TracksProcess verifies the ProcessManager sees the
// process while it runs and forgets it afterwards
func TestExecuteCommand_TracksProcess(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	cmd := newCommand(ctx, "sh", "-c", "sleep 0.5")
	go func() {
		_, _, err := executeCommand(ctx, cmd, pm)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process while running, got %d", pm.Count())
	}

	if err := <-done; err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after completion, got %d", pm.Count())
	}
}

// TestProcessManager_TrackAndKillAll verifies ProcessManager tracks and terminates processes
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() returned error: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestProcessManager_KillsProcessTree verifies process group signal propagation
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30; wait")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	// Wait a moment for the children to spawn
	time.Sleep(200 * time.Millisecond)

	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when nothing matches
	checkCmd := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID))
	output, err := checkCmd.CombinedOutput()
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

// TestExecuteCommand_NonZeroExitCode verifies error handling and output capture on failure
func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo test-output; exit 1")

	stdout, _, err := executeCommand(ctx, cmd, nil)

	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitCode := exitErr.ExitCode(); exitCode != 1 {
			t.Errorf("Expected exit code 1, got %d", exitCode)
		}
	} else {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
}
