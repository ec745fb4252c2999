package logging

import (
	"regexp"
)

// Redacted replaces every secret matched by a Sanitizer.
const Redacted = "[REDACTED]"

// Sanitizer redacts credentials from log lines and agent output. Agent
// sessions echo their environment and tool output, so anything that reaches
// a log file, a crash dump or a healer prompt goes through it first.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default credential patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: Redacted,
	}
}

var builtinPatterns = []string{
	// Anthropic keys come first so the generic sk- rule does not leave a tail.
	`sk-ant-[a-zA-Z0-9_-]{32,}`,
	`sk-[A-Za-z0-9_-]{20,}`,
	// GitHub tokens used by merge and PR tooling
	`gh[pousr]_[A-Za-z0-9]{36}`,
	`github_pat_[A-Za-z0-9_]{40,}`,
	`AKIA[0-9A-Z]{16}`,
	`xox[baprs]-[0-9a-zA-Z-]{10,}`,
	`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
	// KEY=value pairs leaked from an environment dump
	`(?i)[A-Z0-9_]*(api[_-]?key|secret|token|password)[A-Z0-9_]*\s*[=:]\s*["']?[^\s"']{8,}`,
}

func defaultPatterns() []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts credentials from input.
func (s *Sanitizer) Sanitize(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SanitizeMap returns a copy of m with string values redacted, descending
// into nested maps and slices.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = s.sanitizeValue(v)
	}
	return result
}

func (s *Sanitizer) sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.Sanitize(val)
	case map[string]interface{}:
		return s.SanitizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
