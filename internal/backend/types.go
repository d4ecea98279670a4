package backend

import "time"

// Request is one attempt of one task, as handed to a backend.
type Request struct {
	TaskID    string
	Role      string
	Command   string
	Attempt   int    // 1-based
	LastError string // Failure detail of the previous attempt, empty on the first
	WorkDir   string // Overrides Config.WorkDir when set
	Env       map[string]string
}

// Response is the captured output of a successful attempt.
type Response struct {
	Output   string
	Stderr   string
	Duration time.Duration
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string // "shell" or "dry-run"
	Shell   string // Interpreter for shell backends (default "sh")
	WorkDir string
	Env     map[string]string
}
