package commands

import (
	"os"

	"charm.land/lipgloss/v2"
	"golang.org/x/term"
)

const (
	colorUser      = "#7C3AED" // Violet - user messages
	colorAssistant = "#10B981" // Green - assistant replies
	colorAccent    = "#60A5FA" // Blue - labels
	colorError     = "#EF4444" // Red - errors
	colorMuted     = "#6B7280" // Gray - hints, status lines
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(colorUser)).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAssistant))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)).Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError)).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)).Italic(true)
)

// styled reports whether stdout is a terminal; output is plain text otherwise.
var styled = term.IsTerminal(int(os.Stdout.Fd()))

func render(style lipgloss.Style, s string) string {
	if !styled {
		return s
	}
	return style.Render(s)
}
