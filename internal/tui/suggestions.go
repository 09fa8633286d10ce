package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for board commands.
type Suggestions struct {
	items       []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	prefix      string // "/" or "!"
}

// SuggestionItem is a single autocomplete entry.
type SuggestionItem struct {
	Text        string
	Description string
}

var commandSuggestions = []SuggestionItem{
	{Text: "map", Description: "Lock the selected task for mapping"},
	{Text: "validate", Description: "Lock the selected task for validation"},
	{Text: "done", Description: "Unlock with an outcome: done <STATUS> [comment]"},
	{Text: "undo", Description: "Revert the last settle of the selected task"},
	{Text: "user", Description: "Act as another user: user <id>"},
	{Text: "stats", Description: "Show the acting user's counters"},
	{Text: "sweep", Description: "Release stale locks now"},
	{Text: "refresh", Description: "Reload tasks and summary"},
	{Text: "quit", Description: "Leave the board"},
}

var outcomeSuggestions = []SuggestionItem{
	{Text: "done MAPPED", Description: "Mapping finished"},
	{Text: "done BADIMAGERY", Description: "Imagery unusable"},
	{Text: "done READY", Description: "Stop mapping, keep task open"},
	{Text: "done VALIDATED", Description: "Mapping accepted"},
	{Text: "done INVALIDATED", Description: "Mapping needs rework"},
}

// NewSuggestions creates a hidden suggestions dropdown.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// Update refreshes the dropdown for the current input. "/" lists
// commands and "!" lists unlock outcomes.
func (s *Suggestions) Update(input string) {
	if input == "" {
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}

	switch input[0] {
	case '/':
		s.prefix = "/"
		s.items = commandSuggestions
	case '!':
		s.prefix = "!"
		s.items = outcomeSuggestions
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}
	s.visible = true
	s.filter(strings.ToLower(input[1:]))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion.
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion.
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the highlighted suggestion, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible reports whether the dropdown has anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render draws the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	header := "Commands"
	if s.prefix == "!" {
		header = "Outcomes"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		if i == s.selectedIdx {
			b.WriteString(selectedStyle.Render("▶ " + item.Text + " " + item.Description))
		} else {
			b.WriteString("  " + item.Text + " " + descStyle.Render(item.Description))
		}
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(b.String())
}
