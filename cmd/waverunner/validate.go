package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/plan"
	"github.com/aristath/waverunner/internal/scheduler"
)

type waveView struct {
	Wave  int      `json:"wave"`
	Tasks []string `json:"tasks"`
}

func newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a plan and print its waves",
		Long:  `Validate builds the schedule of a plan without running it. It prints the waves, or every problem that keeps the plan from being scheduled.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tasks, err := plan.LoadTasks(args[0])
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}

			schedule, err := scheduler.BuildSchedule(tasks)
			if err != nil {
				printScheduleErrors(cmd.ErrOrStderr(), err)
				return &exitError{code: exitFailure}
			}

			views := make([]waveView, 0, len(schedule.Waves))
			for _, w := range schedule.Waves {
				views = append(views, waveView{Wave: w.Index, Tasks: w.TaskIDs})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			fmt.Fprintf(out, "Plan is valid: %d tasks in %d waves\n", schedule.Len(), len(schedule.Waves))
			for _, v := range views {
				fmt.Fprintf(out, "  wave %d: %s\n", v.Wave, strings.Join(v.Tasks, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the waves as JSON")
	return cmd
}

// printScheduleErrors lists every problem of a schedule error.
func printScheduleErrors(w io.Writer, err error) {
	var schedErr *scheduler.ScheduleError
	if !errors.As(err, &schedErr) {
		fmt.Fprintf(w, "Plan rejected: %v\n", err)
		return
	}

	problems := schedErr.Problems()
	fmt.Fprintf(w, "Plan rejected (%d problems):\n", len(problems))
	for _, p := range problems {
		fmt.Fprintf(w, "  - %v\n", p)
	}
}
