// Package tui provides the interactive task board for a project.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/client"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
)

const refreshInterval = 5 * time.Second

type viewMode int

const (
	modeList viewMode = iota
	modeDetail
)

// filters cycle with Tab; the empty status shows every task.
var filters = append([]models.TaskStatus{""}, models.AllStatuses()...)

// App is the board's bubbletea model.
type App struct {
	client    *client.Client
	projectID int64
	userID    int64

	tasks       []models.Task
	summary     *stats.Summary
	history     []tasking.HistoryEntry
	selectedIdx int
	filterIdx   int
	mode        viewMode

	input       textinput.Model
	suggestions *Suggestions
	width       int
	height      int
	message     string
	loading     bool
	online      bool
}

// New creates a board for projectID acting as userID.
func New(c *client.Client, projectID, userID int64) *App {
	ti := textinput.New()
	ti.Placeholder = "map | validate | done <STATUS> [comment] | undo | user <id>  (/ for commands)"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      c,
		projectID:   projectID,
		userID:      userID,
		input:       ti,
		suggestions: NewSuggestions(),
		width:       80,
		height:      24,
	}
}

// Run starts the board.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh(), tickCmd())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == modeDetail {
				a.mode = modeList
				a.history = nil
				return a, nil
			}
			a.input.SetValue("")

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.selectedIdx < len(a.tasks)-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a, a.refresh()

		case "ctrl+r":
			return a, a.refresh()

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.execute(line)
			}
			if task := a.selected(); task != nil {
				a.mode = modeDetail
				return a, a.fetchHistory(task.ID)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case boardLoadedMsg:
		a.loading = false
		a.online = true
		a.tasks = msg.tasks
		a.summary = msg.summary
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}

	case historyLoadedMsg:
		a.history = msg.entries

	case tickMsg:
		return a, tea.Batch(a.refresh(), tickCmd())

	case commandResultMsg:
		a.message = msg.message
		if msg.userID != 0 {
			a.userID = msg.userID
		}
		cmds = append(cmds, a.refresh())
		if task := a.selected(); a.mode == modeDetail && task != nil {
			cmds = append(cmds, a.fetchHistory(task.ID))
		}

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
		if _, ok := msg.err.(*client.APIError); !ok {
			a.online = false
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Update("")
	}
}

func (a *App) selected() *models.Task {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.tasks) {
		return nil
	}
	return &a.tasks[a.selectedIdx]
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-10, 5)
	switch a.mode {
	case modeList:
		b.WriteString(a.renderTaskList(contentHeight))
	case modeDetail:
		b.WriteString(a.renderTaskDetail(contentHeight))
	}

	b.WriteString("\n")
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n" + a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:history | Tab:filter | Ctrl+R:refresh | Ctrl+C:quit", len(a.tasks))
	if a.mode == modeDetail {
		status = " Esc:back | Enter:command | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) refresh() tea.Cmd {
	a.loading = true
	filter := filters[a.filterIdx]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		tasks, err := a.client.ListTasks(ctx, a.projectID, filter)
		if err != nil {
			return errMsg{err}
		}
		sum, err := a.client.Summary(ctx, a.projectID)
		if err != nil {
			return errMsg{err}
		}
		return boardLoadedMsg{tasks: tasks, summary: sum}
	}
}

func (a *App) fetchHistory(taskID int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		entries, err := a.client.History(ctx, a.projectID, taskID)
		if err != nil {
			return errMsg{err}
		}
		return historyLoadedMsg{entries}
	}
}

func (a *App) execute(line string) tea.Cmd {
	c, err := parseCommand(line)
	if err != nil {
		return func() tea.Msg { return commandResultMsg{message: "Error: " + err.Error()} }
	}
	if c.kind == cmdQuit {
		return tea.Quit
	}

	var taskID int64
	var status models.TaskStatus
	if task := a.selected(); task != nil {
		taskID, status = task.ID, task.Status
	}
	userID := a.userID

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		return runCommand(ctx, a.client, a.projectID, taskID, status, userID, c)
	}
}

// runCommand performs a parsed command against the API.
func runCommand(ctx context.Context, cl *client.Client, projectID, taskID int64, status models.TaskStatus, userID int64, c command) commandResultMsg {
	fail := func(err error) commandResultMsg { return commandResultMsg{message: "Error: " + err.Error()} }
	needTask := c.kind == cmdMap || c.kind == cmdValidate || c.kind == cmdDone || c.kind == cmdUndo
	if needTask && taskID == 0 {
		return commandResultMsg{message: "No task selected"}
	}

	switch c.kind {
	case cmdMap, cmdValidate:
		kind := models.LockMapping
		if c.kind == cmdValidate {
			kind = models.LockValidation
		}
		task, err := cl.Lock(ctx, kind, projectID, taskID, userID)
		if err != nil {
			return fail(err)
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Task %d locked for %s", task.ID, kind)}

	case cmdDone:
		kind, err := unlockKind(status)
		if err != nil {
			return fail(err)
		}
		task, err := cl.Unlock(ctx, kind, projectID, taskID, userID, c.outcome, c.comment)
		if err != nil {
			return fail(err)
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Task %d is now %s", task.ID, task.Status)}

	case cmdUndo:
		task, err := cl.Undo(ctx, projectID, taskID, userID)
		if err != nil {
			return fail(err)
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Task %d restored to %s", task.ID, task.Status)}

	case cmdUser:
		return commandResultMsg{message: fmt.Sprintf("Acting as user %d", c.userID), userID: c.userID}

	case cmdStats:
		uc, err := cl.UserStats(ctx, userID)
		if err != nil {
			return fail(err)
		}
		return commandResultMsg{message: fmt.Sprintf("User %d: mapped %d, validated %d, invalidated %d",
			userID, uc.TasksMapped, uc.TasksValidated, uc.TasksInvalidated)}

	case cmdSweep:
		res, err := cl.AutoUnlock(ctx, 0)
		if err != nil {
			return fail(err)
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Sweep released %d of %d locks", res.Unlocked, res.Checked)}
	}
	return commandResultMsg{message: "Refreshed"}
}

type boardLoadedMsg struct {
	tasks   []models.Task
	summary *stats.Summary
}

type historyLoadedMsg struct {
	entries []tasking.HistoryEntry
}

type commandResultMsg struct {
	message string
	userID  int64
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
