package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

var statusColors = map[models.TaskStatus]lipgloss.Color{
	models.TaskStatusReady:               mutedColor,
	models.TaskStatusLockedForMapping:    warningColor,
	models.TaskStatusMapped:              secondaryColor,
	models.TaskStatusLockedForValidation: cyanColor,
	models.TaskStatusValidated:           successColor,
	models.TaskStatusInvalidated:         errorColor,
	models.TaskStatusBadImagery:          errorColor,
}

var statusIcons = map[models.TaskStatus]string{
	models.TaskStatusReady:               "○",
	models.TaskStatusLockedForMapping:    "◐",
	models.TaskStatusMapped:              "◑",
	models.TaskStatusLockedForValidation: "◕",
	models.TaskStatusValidated:           "●",
	models.TaskStatusInvalidated:         "✗",
	models.TaskStatusBadImagery:          "▨",
}

func formatStatus(status models.TaskStatus) string {
	icon, ok := statusIcons[status]
	if !ok {
		return string(status)
	}
	return lipgloss.NewStyle().Foreground(statusColors[status]).Render(icon + " " + string(status))
}

func statusIcon(status models.TaskStatus) string {
	if icon, ok := statusIcons[status]; ok {
		return icon
	}
	return "?"
}

func (a *App) renderHeader() string {
	online := lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("● API")
	if !a.online {
		online = lipgloss.NewStyle().Foreground(errorColor).Render("○ API")
	}

	header := titleStyle.Render(fmt.Sprintf("Project #%d", a.projectID))
	header += "  " + online
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[user %d]", a.userID))
	if s := a.summary; s != nil {
		header += "  " + mutedStyle.Render(fmt.Sprintf("mapped %d%%  validated %d%%  bad imagery %d%%  locks %d",
			s.PercentMapped, s.PercentValidated, s.PercentBadImagery, s.ActiveLocks))
	}
	return header
}

func (a *App) renderTaskList(height int) string {
	label := "ALL"
	if f := filters[a.filterIdx]; f != "" {
		label = string(f)
	}
	out := mutedStyle.Render(fmt.Sprintf(" Filter: [%s]", label)) + "\n"

	if a.loading && len(a.tasks) == 0 {
		return out + "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return out + "\n  No tasks found.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		holder := ""
		if task.LockedBy != nil {
			holder = fmt.Sprintf("  locked by %d", *task.LockedBy)
		}
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  #%-5d %s%s", statusIcon(task.Status), task.ID, task.Status, holder)))
		} else {
			lines = append(lines, taskItemStyle.Render(fmt.Sprintf("  #%-5d %s%s", task.ID, formatStatus(task.Status), mutedStyle.Render(holder))))
		}
	}

	return out + strings.Join(window(lines, a.selectedIdx, height-1), "\n")
}

// window returns at most height lines of lines, keeping idx in view.
func window(lines []string, idx, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := max(0, idx-height/2)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func (a *App) renderTaskDetail(height int) string {
	t := a.selected()
	if t == nil {
		return "\n  No task selected.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Task #%d", t.ID))))
	b.WriteString(fmt.Sprintf("  Status: %s\n", formatStatus(t.Status)))
	if t.LockedBy != nil {
		b.WriteString(fmt.Sprintf("  Locked by: %d\n", *t.LockedBy))
	}
	if t.MappedBy != nil {
		b.WriteString(fmt.Sprintf("  Mapped by: %d\n", *t.MappedBy))
	}
	if t.ValidatedBy != nil {
		b.WriteString(fmt.Sprintf("  Validated by: %d\n", *t.ValidatedBy))
	}

	b.WriteString("\n  History:\n")
	if a.history == nil {
		b.WriteString("    Loading...\n")
		return b.String()
	}
	lines := make([]string, 0, len(a.history))
	for _, e := range a.history {
		lines = append(lines, "    "+historyLine(e))
	}
	b.WriteString(strings.Join(window(lines, 0, height-8), "\n"))
	return b.String()
}

func historyLine(e tasking.HistoryEntry) string {
	when := e.ActionDate.Local().Format("2006-01-02 15:04")
	text := ""
	switch {
	case e.Open:
		text = lipgloss.NewStyle().Foreground(warningColor).Render("(open)")
	case e.ActionText != nil:
		text = *e.ActionText
	}
	return fmt.Sprintf("%s  %-22s user %-6d %s", mutedStyle.Render(when), e.Action, e.UserID, text)
}
