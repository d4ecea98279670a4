package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/waverunner/internal/events"
)

// Task display statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusExhausted = "exhausted"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Role      string
	Wave      int
	Status    string
	Attempts  int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the task list and the selected task's attempt log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.WaveStartedEvent:
		for _, id := range msg.TaskIDs {
			task := m.ensure(id)
			task.Wave = msg.Wave
		}

	case events.TaskStartedEvent:
		task := m.ensure(msg.ID)
		task.Name = msg.Name
		task.Role = msg.Role
		task.Wave = msg.Wave
		task.Status = StatusRunning
		task.Attempts = msg.Attempt
		if msg.Attempt == 1 {
			task.StartTime = msg.Timestamp
		}
		task.Log = append(task.Log, fmt.Sprintf("[attempt %d started %s]", msg.Attempt, msg.Timestamp.Format(time.TimeOnly)))
		return m, m.refresh(msg.ID)

	case events.TaskRetryingEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusRetrying
			task.Log = append(task.Log, fmt.Sprintf("[attempt %d failed: %s]", msg.Attempt, msg.Err))
			task.Log = append(task.Log, fmt.Sprintf("[retrying in %s]", msg.Delay.Round(time.Millisecond)))
			return m, m.refresh(msg.ID)
		}

	case events.TaskSucceededEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusSucceeded
			task.Attempts = msg.Attempts
			task.Duration = msg.Duration
			if out := strings.TrimRight(msg.Output, "\n"); out != "" {
				task.Log = append(task.Log, out)
			}
			task.Log = append(task.Log, fmt.Sprintf("\n[Succeeded after %d attempt(s) in %v]", msg.Attempts, msg.Duration))
			return m, m.refresh(msg.ID)
		}

	case events.TaskExhaustedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = StatusExhausted
			task.Attempts = msg.Attempts
			task.Duration = msg.Duration
			task.Log = append(task.Log, fmt.Sprintf("\n[Exhausted after %d attempt(s): %s]", msg.Attempts, msg.Err))
			return m, m.refresh(msg.ID)
		}

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// ensure returns the state of id, adding a pending entry on first sight.
func (m *TaskPaneModel) ensure(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id, Name: id, Status: StatusPending}
	m.tasks[id] = task
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return task
}

// refresh schedules a debounced viewport update when id is selected.
func (m *TaskPaneModel) refresh(id string) tea.Cmd {
	if m.SelectedTaskID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.taskOrder {
			task := m.tasks[id]
			name := task.Name
			if len(name) > width-8 {
				name = name[:max(width-11, 1)] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
			if task.Attempts > 1 {
				line += StyleStatusPending.Render(fmt.Sprintf(" ×%d", task.Attempts))
			}
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRetrying.Render("↻")
	case StatusSucceeded:
		return StyleStatusComplete.Render("✓")
	case StatusExhausted:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the ID of the selected task.
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the state of a task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s  wave %d", StyleTitle.Render(task.TaskID), task.Role, task.Wave)
	m.viewport.SetContent(header + "\n\n" + strings.Join(task.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := 28
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
