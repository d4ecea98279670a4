package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/persistence"
	"github.com/aristath/waverunner/internal/tui"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived runs",
	}
	cmd.AddCommand(newRunsListCmd(a))
	cmd.AddCommand(newRunsShowCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a.cfg.Archive.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No archived runs.")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				started := "-"
				if !r.Started().IsZero() {
					started = r.Started().Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					r.ID,
					r.PlanName,
					tui.OutcomeStyle(r.Outcome).Render(r.Outcome),
					fmt.Sprintf("%d/%d", r.Succeeded, r.TotalTasks),
					strconv.Itoa(r.Waves),
					started,
					r.Duration().Round(time.Millisecond).String(),
				})
			}
			fmt.Fprintln(out, table.New().
				Border(lipgloss.NormalBorder()).
				Headers("Run", "Plan", "Outcome", "Succeeded", "Waves", "Started", "Duration").
				Rows(rows...).
				Render())
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the runs as JSON")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	var (
		asJSON   bool
		attempts bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of an archived run",
		Long:  `Show prints the report of an archived run. A unique prefix of the run ID is enough.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, a.cfg.Archive.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Fprint(out, tui.RenderReport(report))
			if !attempts {
				return nil
			}

			results, err := store.TaskResults(ctx, report.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			for _, tr := range results {
				fmt.Fprintf(out, "%s %s (%s, wave %d)\n", tui.StatusIcon(tr.Status), tr.TaskID, tr.Role, tr.Wave)
				history, err := store.TaskAttempts(ctx, report.RunID, tr.TaskID)
				if err != nil {
					return err
				}
				printAttempts(cmd, history)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&attempts, "attempts", false, "list every attempt of every task")
	return cmd
}

func printAttempts(cmd *cobra.Command, history []persistence.TaskAttemptRecord) {
	out := cmd.OutOrStdout()
	for _, at := range history {
		result := "ok"
		if at.Error != "" {
			result = firstLine(at.Error)
		}
		fmt.Fprintf(out, "    attempt %d (%s): %s\n", at.Number, (time.Duration(at.DurationMS) * time.Millisecond).String(), result)
	}
}
