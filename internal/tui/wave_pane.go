package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/waverunner/internal/events"
)

// WaveState is what the pane knows about one wave.
type WaveState struct {
	Index     int
	Total     int
	Succeeded int
	Exhausted int
	Retried   int
	Done      bool
	Duration  time.Duration
}

// Finished counts the terminal tasks of the wave.
func (w WaveState) Finished() int {
	return w.Succeeded + w.Exhausted
}

// WavePaneModel shows per-wave progress and the overall run progress.
type WavePaneModel struct {
	waves    map[int]*WaveState
	taskWave map[string]int
	progress events.RunProgressEvent
	outcome  string
	runErr   string
	bar      progress.Model
	width    int
	height   int
	focused  bool
}

// NewWavePaneModel creates a new wave pane model.
func NewWavePaneModel() WavePaneModel {
	return WavePaneModel{
		waves:    make(map[int]*WaveState),
		taskWave: make(map[string]int),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the wave pane.
func (m WavePaneModel) Update(msg tea.Msg) (WavePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case events.WaveStartedEvent:
		w := m.wave(msg.Wave)
		w.Total = len(msg.TaskIDs)
		for _, id := range msg.TaskIDs {
			m.taskWave[id] = msg.Wave
		}

	case events.TaskRetryingEvent:
		// Counted once per task, on its first retry.
		if w, ok := m.waveOfTask(msg.ID); ok && msg.Attempt == 1 {
			w.Retried++
		}

	case events.TaskSucceededEvent:
		if w, ok := m.waveOfTask(msg.ID); ok && !w.Done {
			w.Succeeded++
		}

	case events.TaskExhaustedEvent:
		if w, ok := m.waveOfTask(msg.ID); ok && !w.Done {
			w.Exhausted++
		}

	case events.WaveCompletedEvent:
		w := m.wave(msg.Wave)
		w.Total = msg.Total
		w.Succeeded = msg.Succeeded
		w.Exhausted = msg.Exhausted
		w.Retried = msg.Retried
		w.Duration = msg.Duration
		w.Done = true

	case events.RunProgressEvent:
		m.progress = msg

	case events.RunCompletedEvent:
		m.outcome = msg.Outcome
		m.runErr = msg.Err
	}

	return m, nil
}

func (m *WavePaneModel) wave(index int) *WaveState {
	w, ok := m.waves[index]
	if !ok {
		w = &WaveState{Index: index}
		m.waves[index] = w
	}
	return w
}

func (m *WavePaneModel) waveOfTask(id string) (*WaveState, bool) {
	index, ok := m.taskWave[id]
	if !ok {
		return nil, false
	}
	return m.wave(index), true
}

// Wave returns the state of a wave.
func (m WavePaneModel) Wave(index int) (WaveState, bool) {
	w, ok := m.waves[index]
	if !ok {
		return WaveState{}, false
	}
	return *w, true
}

// Outcome returns the run outcome once the run completed.
func (m WavePaneModel) Outcome() string {
	return m.outcome
}

// Percent is the share of terminal tasks in the run, 0 to 1.
func (m WavePaneModel) Percent() float64 {
	if m.progress.Total == 0 {
		return 0
	}
	return float64(m.progress.Succeeded+m.progress.Exhausted) / float64(m.progress.Total)
}

// View renders the wave pane.
func (m WavePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Waves")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	indexes := make([]int, 0, len(m.waves))
	for i := range m.waves {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	barWidth := min(max(m.width-30, 10), 40)
	for _, i := range indexes {
		b.WriteString(renderWaveLine(*m.waves[i], barWidth))
		b.WriteString("\n")
	}
	if len(indexes) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for the first wave..."))
		b.WriteString("\n")
	}

	p := m.progress
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Overall %s  %d/%d\n", m.bar.ViewAs(m.Percent()), p.Succeeded+p.Exhausted, p.Total))
	b.WriteString(fmt.Sprintf("Running: %s  Retrying: %s  Succeeded: %s  Exhausted: %s\n",
		StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running)),
		StyleStatusRetrying.Render(fmt.Sprintf("%d", p.Failed)),
		StyleStatusComplete.Render(fmt.Sprintf("%d", p.Succeeded)),
		StyleStatusFailed.Render(fmt.Sprintf("%d", p.Exhausted)),
	))

	if m.outcome != "" {
		b.WriteString("\n")
		b.WriteString(OutcomeStyle(m.outcome).Render("Run " + m.outcome))
		if m.runErr != "" {
			b.WriteString(": " + m.runErr)
		}
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// renderWaveLine renders one wave as a labelled bar: "=" succeeded,
// "!" exhausted, "." not yet terminal.
func renderWaveLine(w WaveState, barWidth int) string {
	var bar string
	if w.Total > 0 {
		okWidth := (w.Succeeded * barWidth) / w.Total
		badWidth := (w.Exhausted * barWidth) / w.Total
		restWidth := max(barWidth-okWidth-badWidth, 0)

		bar = StyleStatusComplete.Render(strings.Repeat("=", okWidth)) +
			StyleStatusFailed.Render(strings.Repeat("!", badWidth)) +
			StyleStatusPending.Render(strings.Repeat(".", restWidth))
	} else {
		bar = StyleStatusPending.Render(strings.Repeat(".", barWidth))
	}

	line := fmt.Sprintf("Wave %-3d [%s] %d/%d", w.Index, bar, w.Finished(), w.Total)
	switch {
	case w.Done:
		line += StyleStatusPending.Render(fmt.Sprintf("  %v", w.Duration.Round(time.Millisecond)))
	case w.Total > 0:
		line += StyleStatusRunning.Render("  running")
	}
	if w.Retried > 0 {
		line += StyleStatusRetrying.Render(fmt.Sprintf("  %d retried", w.Retried))
	}
	return line
}

// SetSize updates the pane dimensions.
func (m *WavePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = min(max(w-24, 10), 40)
}

// SetFocused updates the focus state.
func (m *WavePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
