package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Base styles
var (
	// TitleStyle is for titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// BoxStyle is the style for containers.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	// LabelStyle is for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Width(12)

	// SubtleStyle is for subtle text.
	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	// Status styles
	PendingStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	RunningStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true)

	CompletedStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	AttentionStyle = lipgloss.NewStyle().
			Foreground(ColorWarning).
			Bold(true)

	FailedStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	SkippedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Italic(true)

	// Progress bar styles
	ProgressBarFilledStyle = lipgloss.NewStyle().
				Foreground(ColorSuccess)

	ProgressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(ColorBorder)
)

// StatusStyle returns the style for an execution, step or batch status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "in_progress":
		return RunningStyle
	case "completed", "complete", "healed":
		return CompletedStyle
	case "paused", "waiting_merge", "needs_attention", "blocked":
		return AttentionStyle
	case "failed":
		return FailedStyle
	case "cancelled", "skipped":
		return SkippedStyle
	default:
		return PendingStyle
	}
}

// StepBadge returns the badge style for a step.
func StepBadge(step core.StepName) lipgloss.Style {
	color := ColorTextMuted
	switch step {
	case core.StepDesign:
		color = ColorDesign
	case core.StepAnalyze:
		color = ColorAnalyze
	case core.StepImplement:
		color = ColorImplement
	case core.StepVerify:
		color = ColorVerify
	case core.StepMerge:
		color = ColorMerge
	}
	return lipgloss.NewStyle().
		Background(color).
		Foreground(lipgloss.Color("#FFFFFF")).
		Padding(0, 1).
		Bold(true)
}
