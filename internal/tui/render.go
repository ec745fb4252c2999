package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/planner"
)

// Renderer formats orchestration data. A plain renderer emits the same
// layout without colors or borders.
type Renderer struct {
	styled bool
	now    func() time.Time
}

// NewRenderer creates a renderer for the given output mode.
func NewRenderer(mode OutputMode) *Renderer {
	return &Renderer{styled: mode == ModeStyled, now: time.Now}
}

func (r *Renderer) apply(style lipgloss.Style, s string) string {
	if !r.styled {
		return s
	}
	return style.Render(s)
}

func (r *Renderer) field(label, value string) string {
	if !r.styled {
		return fmt.Sprintf("%-12s%s", label, value)
	}
	return LabelStyle.Render(label) + value
}

// Execution renders the summary of one execution followed by its batches
// and the last recent decisions. recent <= 0 omits the decision log.
func (r *Renderer) Execution(exec *core.OrchestrationExecution, recent int) string {
	var b strings.Builder

	b.WriteString(r.apply(TitleStyle, "Execution "+string(exec.ID)))
	b.WriteString("\n")
	b.WriteString(r.field("Project", exec.ProjectID))
	b.WriteString("\n")
	b.WriteString(r.field("Path", exec.ProjectPath))
	b.WriteString("\n")
	b.WriteString(r.field("Status", r.apply(StatusStyle(string(exec.Status)), string(exec.Status))))
	b.WriteString("\n")

	step := string(exec.Step.Current)
	if r.styled {
		step = StepBadge(exec.Step.Current).Render(step)
	}
	b.WriteString(r.field("Step", fmt.Sprintf("%s %s", step,
		r.apply(StatusStyle(string(exec.Step.Status)), string(exec.Step.Status)))))
	b.WriteString("\n")

	cost := fmt.Sprintf("$%.2f", exec.TotalCostUsd)
	if exec.HealingCostUsd > 0 {
		cost += fmt.Sprintf(" (healing $%.2f)", exec.HealingCostUsd)
	}
	if limit := exec.Config.Budget.MaxTotal; limit > 0 {
		cost += fmt.Sprintf(" of $%.2f", limit)
	}
	b.WriteString(r.field("Cost", cost))
	b.WriteString("\n")
	b.WriteString(r.field("Started", formatAge(r.now().Sub(exec.StartedAt))+" ago"))
	b.WriteString("\n")

	if exec.ErrorMessage != "" {
		b.WriteString(r.field("Error", r.apply(FailedStyle, exec.ErrorMessage)))
		b.WriteString("\n")
	}
	if rc := exec.RecoveryContext; rc != nil && exec.Status == core.StatusNeedsAttention {
		b.WriteString(r.field("Issue", r.apply(AttentionStyle, rc.Issue)))
		b.WriteString("\n")
		opts := make([]string, len(rc.Options))
		for i, o := range rc.Options {
			opts[i] = string(o)
		}
		b.WriteString(r.field("Options", strings.Join(opts, ", ")))
		b.WriteString("\n")
	}

	if len(exec.Batches.Items) > 0 {
		b.WriteString("\n")
		b.WriteString(r.Batches(exec.Batches))
	}

	if recent > 0 && len(exec.DecisionLog) > 0 {
		entries := exec.DecisionLog
		if len(entries) > recent {
			entries = entries[len(entries)-recent:]
		}
		b.WriteString("\n")
		b.WriteString(r.apply(TitleStyle, "Recent decisions"))
		b.WriteString("\n")
		b.WriteString(r.Decisions(entries))
	}

	if !r.styled {
		return b.String()
	}
	return BoxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

// Batches renders the batch table with a completion bar.
func (r *Renderer) Batches(bt core.BatchTracking) string {
	var b strings.Builder
	done := 0
	for _, item := range bt.Items {
		if item.Status.IsDone() {
			done++
		}
	}
	fmt.Fprintf(&b, "Batches %d/%d %s\n", done, bt.Total, r.progressBar(done, bt.Total, 20))

	for i, item := range bt.Items {
		marker := "  "
		if i == bt.Current && !item.Status.IsDone() {
			marker = "> "
		}
		status := fmt.Sprintf("%-9s", item.Status)
		line := fmt.Sprintf("%s%2d. %s %s (%d tasks)", marker, i+1,
			r.apply(StatusStyle(string(item.Status)), status), item.Section, len(item.TaskIDs))
		if item.HealAttempts > 0 {
			line += fmt.Sprintf(" heals=%d", item.HealAttempts)
		}
		if item.CostUsd > 0 {
			line += fmt.Sprintf(" $%.2f", item.CostUsd)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Decisions renders decision log entries, oldest first.
func (r *Renderer) Decisions(entries []core.DecisionLogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		ts := r.apply(SubtleStyle, e.Timestamp.Local().Format("15:04:05"))
		fmt.Fprintf(&b, "%s  %-16s %s\n", ts, e.Decision, e.Reason)
	}
	return b.String()
}

// ExecutionList renders one line per execution.
func (r *Renderer) ExecutionList(execs []*core.OrchestrationExecution) string {
	if len(execs) == 0 {
		return "No executions.\n"
	}
	var b strings.Builder
	for _, e := range execs {
		fmt.Fprintf(&b, "%-36s  %-16s %-10s %-10s $%-8.2f %s ago\n",
			e.ID, e.ProjectID,
			r.apply(StatusStyle(string(e.Status)), fmt.Sprintf("%-10s", e.Status)),
			e.Step.Current, e.TotalCostUsd, formatAge(r.now().Sub(e.UpdatedAt)))
	}
	return b.String()
}

// Plan renders a batch plan.
func (r *Renderer) Plan(path string, plan *planner.Plan) string {
	var b strings.Builder
	b.WriteString(r.apply(TitleStyle, "Plan for "+path))
	b.WriteString("\n")
	if plan.TotalIncomplete == 0 {
		b.WriteString("All tasks are complete.\n")
		return b.String()
	}
	mode := "sections"
	if plan.UsedFallback {
		mode = fmt.Sprintf("fallback, %d tasks per batch", plan.FallbackSize)
	}
	fmt.Fprintf(&b, "%d open tasks in %d batches (%s)\n\n", plan.TotalIncomplete, len(plan.Batches), mode)
	for i, batch := range plan.Batches {
		fmt.Fprintf(&b, "%2d. %s\n", i+1, r.apply(RunningStyle, batch.Name))
		fmt.Fprintf(&b, "    %s\n", strings.Join(batch.TaskIDs, " "))
	}
	for _, w := range plan.DependencyWarnings {
		fmt.Fprintf(&b, "%s %s\n", r.apply(AttentionStyle, "warning:"), w)
	}
	return b.String()
}

func (r *Renderer) progressBar(done, total, width int) string {
	if total <= 0 {
		return ""
	}
	filled := done * width / total
	bar := r.apply(ProgressBarFilledStyle, strings.Repeat("█", filled)) +
		r.apply(ProgressBarEmptyStyle, strings.Repeat("░", width-filled))
	return bar
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
