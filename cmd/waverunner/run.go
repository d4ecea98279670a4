package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/waverunner/internal/backend"
	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/logger"
	"github.com/aristath/waverunner/internal/orchestrator"
	"github.com/aristath/waverunner/internal/persistence"
	"github.com/aristath/waverunner/internal/plan"
	"github.com/aristath/waverunner/internal/telemetry"
	"github.com/aristath/waverunner/internal/tui"
)

type runOptions struct {
	tui        bool
	dryRun     bool
	maxRetries int
	timeout    time.Duration
	asJSON     bool
	noArchive  bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Run a plan wave by wave",
		Long: `Run executes every wave of a plan in order, running the tasks of a wave in parallel and retrying failed tasks.

Exit status is 0 when every task succeeded, 2 when some tasks exhausted their retries, and 1 when the plan was rejected or the run could not finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-retries") {
				opts.maxRetries = -1
			}
			return a.runPlan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the live terminal UI")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print task commands instead of running them")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "retries after the first attempt (overrides config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-attempt timeout (overrides config)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&opts.noArchive, "no-archive", false, "do not store the report in the run archive")

	return cmd
}

var cliTracer = telemetry.Tracer("waverunner.cli")

func (a *app) runPlan(ctx context.Context, stdout, stderr io.Writer, path string, opts runOptions) error {
	ctx, span := cliTracer.Start(ctx, "cli.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan.path", path),
		attribute.Bool("run.dry_run", opts.dryRun),
	)

	p, tasks, err := plan.LoadTasks(path)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	policy := a.cfg.RetryPolicy()
	if opts.maxRetries >= 0 {
		policy.MaxRetries = opts.maxRetries
	}
	if opts.timeout > 0 {
		policy.Timeout = opts.timeout
	}

	pm := backend.NewProcessManager()
	roleConfigs, fallback := a.cfg.BackendConfigs()
	if opts.dryRun {
		roleConfigs, fallback = nil, backend.Config{Type: backend.TypeDryRun}
	}
	backends, err := orchestrator.NewBackends(roleConfigs, fallback, pm, nil)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	defer backends.Close()

	archiver, closeArchive := a.openArchive(ctx, opts.noArchive)
	defer closeArchive()

	bus := events.NewEventBus()
	defer bus.Close()

	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		Policy:   policy,
		Exec:     backends.ExecFunc(),
		Breakers: a.cfg.BreakerRegistry(),
		EventBus: bus,
		Archiver: archiver,
		PlanName: p.Name,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-runCtx.Done()
		if n := pm.Count(); n > 0 {
			logger.G(ctx).WithField("processes", n).Warn("run stopped, killing task processes")
			if err := pm.KillAll(); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to kill task processes")
			}
		}
	}()

	// Subscribers attach before the run starts so no event is missed.
	var (
		model       tea.Model
		printerDone chan struct{}
	)
	if opts.tui {
		model = tui.New(bus, tui.Options{
			Title:       p.Name,
			Config:      a.cfg,
			GlobalPath:  a.globalPath,
			ProjectPath: a.projectPath,
		})
	} else if !opts.asJSON {
		printerDone = make(chan struct{})
		sub := bus.SubscribeAll(1024)
		go func() {
			defer close(printerDone)
			printProgress(sub, stderr)
		}()
	}

	var (
		report *orchestrator.RunReport
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, runErr = runner.Run(runCtx, tasks)
	}()

	if opts.tui {
		if err := runTUI(ctx, model); err != nil {
			cancel()
			<-done
			return &exitError{code: exitFailure, err: err}
		}
		// Leaving the TUI stops whatever is still running.
		cancel()
	}
	<-done

	if printerDone != nil {
		bus.Close()
		<-printerDone
	}

	if report == nil {
		return &exitError{code: exitFailure, err: runErr}
	}

	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, tui.RenderReport(report))
	}

	code := exitCodeFor(report.Outcome)
	if code == exitSucceeded {
		return nil
	}
	if report.Outcome == orchestrator.OutcomeCancelled {
		return &exitError{code: code, err: fmt.Errorf("run cancelled: %w", runErr)}
	}
	return &exitError{code: code}
}

// runTUI shows the live view until the user quits or ctx is cancelled.
// Logging is silenced while the TUI owns the terminal.
func runTUI(ctx context.Context, model tea.Model, opts ...tea.ProgramOption) error {
	restore := logger.L.Logger.Out
	logger.SetLogOutput(io.Discard)
	defer logger.SetLogOutput(restore)

	prog := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)

	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
			prog.Quit()
		case <-exited:
		}
	}()

	_, err := prog.Run()
	return err
}

// openArchive opens the run archive. Failing to open it only disables
// archiving.
func (a *app) openArchive(ctx context.Context, disabled bool) (orchestrator.Archiver, func()) {
	noop := func() {}
	if disabled || !a.cfg.Archive.Enabled {
		return nil, noop
	}

	store, err := openStore(ctx, a.cfg.Archive.Path)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("run archive unavailable, the report will not be stored")
		return nil, noop
	}
	return store, func() { store.Close() }
}

func openStore(ctx context.Context, path string) (*persistence.SQLiteStore, error) {
	if path == "" {
		def, err := persistence.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}
	return persistence.NewSQLiteStore(ctx, path)
}
