// Package tui renders executions, plans and decision logs for the terminal.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	ColorSuccess = lipgloss.Color("#10B981") // Green
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	ColorText      = lipgloss.Color("#E5E7EB") // Light gray
	ColorTextMuted = lipgloss.Color("#9CA3AF") // Muted gray
	ColorBorder    = lipgloss.Color("#374151") // Dark gray

	// Step colors
	ColorDesign    = lipgloss.Color("#8B5CF6") // Purple
	ColorAnalyze   = lipgloss.Color("#06B6D4") // Cyan
	ColorImplement = lipgloss.Color("#10B981") // Green
	ColorVerify    = lipgloss.Color("#3B82F6") // Blue
	ColorMerge     = lipgloss.Color("#F59E0B") // Amber
)
