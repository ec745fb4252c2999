package planner

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

// Batch is one execution unit of the plan.
type Batch struct {
	Name         string              `json:"name"`
	TaskIDs      []string            `json:"taskIds"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
}

// Plan is the planner output. It is not persisted; State Service turns it into batch tracking.
type Plan struct {
	Batches            []Batch  `json:"batches"`
	UsedFallback       bool     `json:"usedFallback"`
	FallbackSize       int      `json:"fallbackSize,omitempty"`
	TotalIncomplete    int      `json:"totalIncomplete"`
	DependencyWarnings []string `json:"dependencyWarnings,omitempty"`
}

// Build plans batches from task list text.
// Sectioned lists produce one batch per section with incomplete tasks. Lists
// without headers are sliced into batches of fallbackSize (default 15).
func Build(text string, fallbackSize int) *Plan {
	if fallbackSize <= 0 {
		fallbackSize = core.DefaultBatchSizeFallback
	}
	doc := Parse(text)

	plan := &Plan{}
	complete := make(map[string]bool, len(doc.Tasks))
	known := make(map[string]bool, len(doc.Tasks))
	var incomplete []Task
	for _, t := range doc.Tasks {
		known[t.ID] = true
		if t.Complete {
			complete[t.ID] = true
			continue
		}
		incomplete = append(incomplete, t)
	}
	plan.TotalIncomplete = len(incomplete)
	if len(incomplete) == 0 {
		return plan
	}

	var groups []group
	if doc.HasSections {
		groups = groupBySection(doc.Sections, incomplete)
	} else {
		plan.UsedFallback = true
		plan.FallbackSize = fallbackSize
		groups = groupBySize(incomplete, fallbackSize)
	}

	batchOf := make(map[string]int, len(incomplete))
	for gi, g := range groups {
		for _, t := range g.tasks {
			batchOf[t.ID] = gi
		}
	}

	for gi, g := range groups {
		batch := Batch{Name: g.name}
		ids := make([]string, 0, len(g.tasks))
		for _, t := range g.tasks {
			ids = append(ids, t.ID)
			var pending []string
			for _, dep := range t.DependsOn {
				switch {
				case complete[dep]:
					// Already satisfied.
				case !known[dep]:
					plan.DependencyWarnings = append(plan.DependencyWarnings,
						fmt.Sprintf("%s depends on unknown task %s", t.ID, dep))
				default:
					pending = append(pending, dep)
					if batchOf[dep] > gi {
						plan.DependencyWarnings = append(plan.DependencyWarnings,
							fmt.Sprintf("%s depends on %s scheduled in later batch %q", t.ID, dep, groups[batchOf[dep]].name))
					}
				}
			}
			if len(pending) > 0 {
				if batch.Dependencies == nil {
					batch.Dependencies = make(map[string][]string)
				}
				batch.Dependencies[t.ID] = pending
			}
		}

		order, cyclic, ok := topoOrder(ids, batch.Dependencies)
		if !ok {
			plan.DependencyWarnings = append(plan.DependencyWarnings,
				fmt.Sprintf("dependency cycle in %s: %s; using document order", g.name, strings.Join(cyclic, ", ")))
		}
		batch.TaskIDs = order
		plan.Batches = append(plan.Batches, batch)
	}

	return plan
}

type group struct {
	name  string
	tasks []Task
}

// groupBySection keeps section order as written; sections without incomplete tasks are dropped.
func groupBySection(sections []string, tasks []Task) []group {
	index := make(map[string]int)
	var groups []group
	add := func(name string) {
		if _, ok := index[name]; !ok {
			index[name] = len(groups)
			groups = append(groups, group{name: name})
		}
	}

	// Tasks before the first header come first.
	for _, t := range tasks {
		if t.Section == ungroupedSection {
			add(ungroupedSection)
			break
		}
	}
	for _, s := range sections {
		add(s)
	}
	for _, t := range tasks {
		add(t.Section)
		groups[index[t.Section]].tasks = append(groups[index[t.Section]].tasks, t)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.tasks) > 0 {
			out = append(out, g)
		}
	}
	return out
}

func groupBySize(tasks []Task, size int) []group {
	var groups []group
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		groups = append(groups, group{
			name:  fmt.Sprintf("Batch %d", len(groups)+1),
			tasks: tasks[start:end],
		})
	}
	return groups
}

// TaskIDs returns every task ID in the plan in execution order.
func (p *Plan) TaskIDs() []string {
	var ids []string
	for _, b := range p.Batches {
		ids = append(ids, b.TaskIDs...)
	}
	return ids
}
