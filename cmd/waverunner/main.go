package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/config"
	"github.com/aristath/waverunner/internal/logger"
	"github.com/aristath/waverunner/internal/orchestrator"
	"github.com/aristath/waverunner/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitSucceeded = 0
	exitFailure   = 1 // Schedule failure, cancellation or any other error
	exitDefects   = 2 // All waves ran but some tasks exhausted their retries
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeFor maps a run outcome to the process exit code.
func exitCodeFor(outcome orchestrator.RunOutcome) int {
	switch outcome {
	case orchestrator.OutcomeSucceeded:
		return exitSucceeded
	case orchestrator.OutcomeCompletedWithDefects:
		return exitDefects
	default:
		return exitFailure
	}
}

// app holds the state shared by every command.
type app struct {
	cfg            *config.Config
	globalPath     string
	projectPath    string
	shutdownTracer func(context.Context) error

	configFlag string
	logLevel   string
	logFormat  string
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "waverunner",
		Short:         "Run multi-worker plans in conflict-free parallel waves",
		Long:          `waverunner validates a plan of role-owned tasks, partitions it into ordered waves whose tasks never touch the same resource, and runs every wave in parallel with retries.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFlag, "config", "", "project config file (default .waverunner/config.{json,yaml})")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newRunsCmd(a))

	return rootCmd
}

// setup loads configuration and initializes logging and tracing.
func (a *app) setup(ctx context.Context) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home directory: %w", err)
	}
	a.globalPath = config.FindConfigFile(filepath.Join(homeDir, ".waverunner"))
	a.projectPath = config.FindConfigFile(".waverunner")
	if a.configFlag != "" {
		a.projectPath = a.configFlag
	}

	cfg, err := config.Load(a.globalPath, a.projectPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, format := cfg.Log.Level, cfg.Log.Format
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.logFormat != "" {
		format = a.logFormat
	}
	if err := logger.Configure(level, format); err != nil {
		return err
	}

	shutdown, err := telemetry.InitTracer(ctx, cfg.TelemetryConfig("waverunner", version))
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdownTracer = shutdown
	return nil
}

// teardown flushes traces. It runs whether or not the command failed.
func (a *app) teardown(ctx context.Context) {
	if a.shutdownTracer == nil {
		return
	}
	if err := a.shutdownTracer(context.WithoutCancel(ctx)); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to flush traces")
	}
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.teardown(ctx)
	if err == nil {
		return
	}

	code := exitFailure
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if ee == nil || ee.err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	stop()
	os.Exit(code)
}
