// Package planner turns a markdown task list into dependency-ordered batches.
package planner

import (
	"bufio"
	"regexp"
	"strings"
)

var (
	// Section headers are level-2 and level-3 markdown headings.
	sectionRegex = regexp.MustCompile(`^#{2,3}\s+(.+?)\s*#*\s*$`)

	// Task lines: "- [ ] T001 description" or "- [x] T001 ..." ("*" bullets and "X" accepted).
	taskRegex = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+([A-Z][A-Z0-9]*-?\d+(?:\.\d+)?)\b(.*)$`)

	taskIDRegex = regexp.MustCompile(`\b[A-Z][A-Z0-9]*-?\d+(?:\.\d+)?\b`)

	// Three equivalent dependency annotations.
	dependsBracketRegex = regexp.MustCompile(`(?i)\[depends:\s*([^\]]*)\]`)
	dependsParenRegex   = regexp.MustCompile(`(?i)\(depends on\s+([^)]*)\)`)
	dependsAfterRegex   = regexp.MustCompile(`(?i)\bafter:\s*(.+)$`)
)

// ungroupedSection names tasks that appear before the first header of a sectioned list.
const ungroupedSection = "Tasks"

// Task is one parsed line of the task list.
type Task struct {
	ID          string
	Description string
	Complete    bool
	Section     string
	DependsOn   []string
	Line        int
}

// Document is the parsed task list.
type Document struct {
	Tasks       []Task
	Sections    []string
	HasSections bool
}

// Parse reads task list text. It never fails: unrecognized lines are ignored.
func Parse(text string) *Document {
	doc := &Document{}
	section := ""
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Text()

		if m := sectionRegex.FindStringSubmatch(raw); m != nil {
			section = strings.TrimSpace(m[1])
			doc.HasSections = true
			doc.Sections = append(doc.Sections, section)
			continue
		}

		m := taskRegex.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		id := m[2]
		if seen[id] {
			continue
		}
		seen[id] = true

		rest := m[3]
		doc.Tasks = append(doc.Tasks, Task{
			ID:          id,
			Description: cleanDescription(rest),
			Complete:    m[1] != " ",
			Section:     section,
			DependsOn:   parseDependencies(rest, id),
			Line:        line,
		})
	}

	if doc.HasSections {
		for i := range doc.Tasks {
			if doc.Tasks[i].Section == "" {
				doc.Tasks[i].Section = ungroupedSection
			}
		}
	}
	return doc
}

// parseDependencies extracts dependency IDs from all annotation syntaxes, in order, deduplicated.
func parseDependencies(rest, self string) []string {
	var groups []string
	for _, re := range []*regexp.Regexp{dependsBracketRegex, dependsParenRegex} {
		for _, m := range re.FindAllStringSubmatch(rest, -1) {
			groups = append(groups, m[1])
		}
	}
	if m := dependsAfterRegex.FindStringSubmatch(rest); m != nil {
		groups = append(groups, m[1])
	}

	var deps []string
	seen := map[string]bool{self: true}
	for _, g := range groups {
		for _, id := range taskIDRegex.FindAllString(g, -1) {
			if seen[id] {
				continue
			}
			seen[id] = true
			deps = append(deps, id)
		}
	}
	return deps
}

func cleanDescription(rest string) string {
	s := dependsBracketRegex.ReplaceAllString(rest, "")
	s = dependsParenRegex.ReplaceAllString(s, "")
	s = dependsAfterRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// CompletionIndex maps every task ID in text to its completion marker.
func CompletionIndex(text string) map[string]bool {
	doc := Parse(text)
	idx := make(map[string]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		idx[t.ID] = t.Complete
	}
	return idx
}

// Progress returns the number of tasks and how many are marked complete.
func Progress(text string) (total, complete int) {
	for _, t := range Parse(text).Tasks {
		total++
		if t.Complete {
			complete++
		}
	}
	return total, complete
}
