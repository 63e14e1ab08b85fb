// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tkhq/imgraph/internal/runner"
)

// Color palette shared by all CLI output.
const (
	// ColorPrimary is purple - used for titles and headers.
	ColorPrimary = lipgloss.Color("#7C3AED")

	// ColorMuted is gray - used for secondary text.
	ColorMuted = lipgloss.Color("#6B7280")

	// ColorSuccess is green - used for built and fresh packages.
	ColorSuccess = lipgloss.Color("#10B981")

	// ColorError is red - used for failures.
	ColorError = lipgloss.Color("#EF4444")

	// ColorWarning is amber - used for stale and skipped packages.
	ColorWarning = lipgloss.Color("#F59E0B")

	// ColorHighlight is blue - used for package names and commands.
	ColorHighlight = lipgloss.Color("#3B82F6")

	// ColorVerbose is light gray - used for reasons and hints.
	ColorVerbose = lipgloss.Color("#9CA3AF")
)

var (
	// TitleStyle is for primary headers and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle is for success messages and positive indicators.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle is for error messages and failure indicators.
	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// WarningStyle is for warning messages and caution indicators.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// CmdStyle is for package names, commands and config keys.
	CmdStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)

	// VerboseStyle is for reasons and supplementary information.
	VerboseStyle = lipgloss.NewStyle().
			Foreground(ColorVerbose)

	// cellStyle pads table cells.
	cellStyle = lipgloss.NewStyle().PaddingRight(2)
)

// stateStyle returns the style a package state is printed with.
func stateStyle(s runner.State) lipgloss.Style {
	switch s {
	case runner.Built, runner.Fresh:
		return SuccessStyle
	case runner.Failed:
		return ErrorStyle
	case runner.Skipped, runner.Building:
		return WarningStyle
	default:
		return SubtitleStyle
	}
}

// stateSymbol returns the marker printed before a package in summaries.
func stateSymbol(s runner.State) string {
	switch s {
	case runner.Built:
		return "✓"
	case runner.Fresh:
		return "="
	case runner.Failed:
		return "✗"
	case runner.Skipped:
		return "-"
	default:
		return "•"
	}
}

// table renders rows with aligned columns. The first row is the header.
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	lines := make([]string, 0, len(rows))
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle.Width(widths[i] + 2)
			if r == 0 {
				style = style.Inherit(TitleStyle)
			}
			cells[i] = style.Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
