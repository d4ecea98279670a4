package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/waverunner/internal/config"
	"github.com/aristath/waverunner/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneWaves
	paneCount
)

// Options configures the TUI.
type Options struct {
	Title       string         // Shown above the panes, usually the plan name
	Config      *config.Config // Edited by the settings pane
	GlobalPath  string
	ProjectPath string
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	wavePane     WavePaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	title        string
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(eventBus *events.EventBus, opts Options) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		wavePane:     NewWavePaneModel(),
		settingsPane: NewSettingsPaneModel(opts.Config, opts.GlobalPath, opts.ProjectPath),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(1024),
		title:        opts.Title,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If settings panel is open, route all keys to it (modal behavior)
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			m.settingsPane.SetSize(m.width, m.height)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWaves
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneWaves:
				m.wavePane, cmd = m.wavePane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.WaveStartedEvent, events.TaskRetryingEvent, events.TaskSucceededEvent, events.TaskExhaustedEvent:
		// Both panes track these
		var taskCmd, waveCmd tea.Cmd
		m.taskPane, taskCmd = m.taskPane.Update(msg)
		m.wavePane, waveCmd = m.wavePane.Update(msg)
		cmds = append(cmds, taskCmd, waveCmd, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		if _, ok := msg.(events.TaskStartedEvent); ok {
			cmds = append(cmds, waitForEvent(m.eventSub))
		}

	case events.WaveCompletedEvent, events.RunProgressEvent, events.RunCompletedEvent:
		var cmd tea.Cmd
		m.wavePane, cmd = m.wavePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	default:
		// Route everything else (e.g. form internals) to an open settings pane
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	header := StyleTitle.Render("waverunner " + m.title)
	if outcome := m.wavePane.Outcome(); outcome != "" {
		header += "  " + OutcomeStyle(outcome).Render(outcome) + StyleHelp.Render("  (press q to exit)")
	}

	mainContent := lipgloss.JoinVertical(lipgloss.Left, m.wavePane.View(), m.taskPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
// One line each is reserved for the header and the help bar.
func (m *Model) computeLayout() {
	availableHeight := m.height - 2
	waveHeight := max((availableHeight*35)/100, 8)
	taskHeight := max(availableHeight-waveHeight, 6)

	m.wavePane.SetSize(m.width, waveHeight)
	m.taskPane.SetSize(m.width, taskHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.wavePane.SetFocused(m.focusedPane == PaneWaves)
}

// Finished reports whether the run shown has completed.
func (m Model) Finished() bool {
	return m.wavePane.Outcome() != ""
}
