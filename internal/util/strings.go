// Package util provides text helpers for terminal output.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// Summarize collapses all whitespace runs in s to single spaces and
// truncates the result to maxLen runes, ending in "..." when cut.
// Objectives and intervention text use it to fit on one table row.
func Summarize(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// FitWidth truncates a styled line to width terminal columns. Escape
// sequences and wide characters are measured as they render. A width of
// zero or less leaves s unchanged.
func FitWidth(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	if width <= len(ellipsis) {
		return ellipsis
	}
	return ansi.Truncate(s, width, ellipsis)
}
