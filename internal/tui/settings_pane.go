package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/waverunner/internal/backend"
	"github.com/aristath/waverunner/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings apply
// to the next run.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error
	fields      *settingsFields // Shared by copies of the model, the form writes here
}

// settingsFields holds the form bindings (strings for Huh).
type settingsFields struct {
	saveTarget      string
	maxRetries      string
	initialInterval string
	taskTimeout     string
	breakerEnabled  bool
	backendType     string
	logLevel        string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{},
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.fields.saveTarget = "project"
	m.fields.maxRetries = strconv.Itoa(m.config.Retry.MaxRetries)
	m.fields.initialInterval = m.config.Retry.InitialInterval.String()
	m.fields.taskTimeout = m.config.TaskTimeout.String()
	m.fields.breakerEnabled = m.config.Breaker.Enabled
	m.fields.backendType = m.config.Backend.Type
	m.fields.logLevel = m.config.Log.Level
}

func validateRetries(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("must be a duration such as 30s or 2m")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.fields.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxRetries").
				Title("Max Retries").
				Description("Retries after the first attempt").
				Value(&m.fields.maxRetries).
				Validate(validateRetries),

			huh.NewInput().
				Key("initialInterval").
				Title("Initial Backoff").
				Value(&m.fields.initialInterval).
				Validate(validateDuration),

			huh.NewInput().
				Key("taskTimeout").
				Title("Attempt Timeout").
				Description("0s for none").
				Value(&m.fields.taskTimeout).
				Validate(validateDuration),

			huh.NewConfirm().
				Key("breakerEnabled").
				Title("Per-role Circuit Breakers").
				Value(&m.fields.breakerEnabled),
		).Title("Retry Settings"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("backendType").
				Title("Default Backend").
				Options(
					huh.NewOption("Shell", backend.TypeShell),
					huh.NewOption("Dry run", backend.TypeDryRun),
				).
				Value(&m.fields.backendType),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.fields.logLevel),
		).Title("Execution Settings"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.applyFormToConfig()
		if m.err == nil {
			m.err = config.Save(m.config, m.targetPath())
		}
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

func (m SettingsPaneModel) targetPath() string {
	if m.fields.saveTarget == "global" {
		return m.globalPath
	}
	return m.projectPath
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() error {
	retries, err := strconv.Atoi(m.fields.maxRetries)
	if err != nil {
		return fmt.Errorf("max retries: %w", err)
	}
	interval, err := time.ParseDuration(m.fields.initialInterval)
	if err != nil {
		return fmt.Errorf("initial backoff: %w", err)
	}
	timeout, err := time.ParseDuration(m.fields.taskTimeout)
	if err != nil {
		return fmt.Errorf("attempt timeout: %w", err)
	}

	m.config.Retry.MaxRetries = retries
	m.config.Retry.InitialInterval = interval
	m.config.TaskTimeout = timeout
	m.config.Breaker.Enabled = m.fields.breakerEnabled
	m.config.Backend.Type = m.fields.backendType
	m.config.Log.Level = m.fields.logLevel
	return m.config.Validate()
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 10)).
		Height(max(m.height-4, 5))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (apply to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(w-8, 10)).WithHeight(max(h-8, 5))
	}
}

// SetVisible shows or hides the settings pane. Showing it resets the form.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v {
		m.loadFromConfig()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
