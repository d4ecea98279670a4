package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/waverunner/internal/orchestrator"
)

// RenderReport renders a finished run for non-interactive output.
func RenderReport(r *orchestrator.RunReport) string {
	if r == nil {
		return ""
	}

	var b strings.Builder

	title := "Run " + r.RunID
	if r.PlanName != "" {
		title += " (" + r.PlanName + ")"
	}
	b.WriteString(StyleTitle.Render(title))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Outcome: %s\n", OutcomeStyle(string(r.Outcome)).Render(string(r.Outcome))))

	if len(r.ScheduleErrors) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Plan rejected:"))
		b.WriteString("\n")
		for _, e := range r.ScheduleErrors {
			b.WriteString("  - " + e + "\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("Tasks:   %d total, %s succeeded, %s exhausted\n",
		r.TotalTasks,
		StyleStatusComplete.Render(strconv.Itoa(r.Succeeded)),
		StyleStatusFailed.Render(strconv.Itoa(r.Exhausted)),
	))
	if !r.StartedAt.IsZero() {
		b.WriteString(fmt.Sprintf("Started: %s, took %v\n", r.StartedAt.Format(time.DateTime), r.Duration.Round(time.Millisecond)))
	}

	if len(r.Waves) > 0 {
		b.WriteString("\n")
		b.WriteString(waveTable(r.Waves))
		b.WriteString("\n")
	}

	if len(r.ExhaustedTasks) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Exhausted tasks:"))
		b.WriteString("\n")
		for _, t := range r.ExhaustedTasks {
			b.WriteString(fmt.Sprintf("  %s %s (%s, wave %d, %d attempts): %s\n",
				StatusIcon(StatusExhausted), t.TaskID, t.Role, t.Wave, t.Attempts, firstLine(t.LastError)))
			if len(t.Dependents) > 0 {
				b.WriteString(fmt.Sprintf("      dependents: %s\n", strings.Join(t.Dependents, ", ")))
			}
		}
	}

	if len(r.NotRun) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleStatusPending.Render("Not run: " + strings.Join(r.NotRun, ", ")))
		b.WriteString("\n")
	}

	return b.String()
}

func waveTable(waves []orchestrator.WaveSummary) string {
	rows := make([][]string, 0, len(waves))
	for _, w := range waves {
		rows = append(rows, []string{
			strconv.Itoa(w.Index),
			strconv.Itoa(w.Total),
			strconv.Itoa(w.Succeeded),
			strconv.Itoa(w.Retried),
			strconv.Itoa(w.Exhausted),
			strconv.Itoa(w.FailedAttempts),
			w.Duration.Round(time.Millisecond).String(),
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(StyleStatusPending).
		Headers("Wave", "Tasks", "Succeeded", "Retried", "Exhausted", "Failed attempts", "Duration").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Render()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
