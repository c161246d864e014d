package pipeline

import (
	"regexp"
	"strings"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// SanitizeMiddleware normalizes whitespace in the passage and prompt text:
// non-breaking spaces become plain spaces, runs of blanks within a line
// collapse to one, and blank lines are dropped. Entities and markup are
// left alone; the parser already decoded them, so anything that still
// looks like a tag is part of the passage.
type SanitizeMiddleware struct {
	blankRe *regexp.Regexp
}

func NewSanitizeMiddleware() *SanitizeMiddleware {
	return &SanitizeMiddleware{
		blankRe: regexp.MustCompile(`[\t\f\v \x{00a0}\x{202f}]+`),
	}
}

func (m *SanitizeMiddleware) Name() string { return "sanitize" }

func (m *SanitizeMiddleware) Process(q *types.Question) (*types.Question, error) {
	q.Context = m.clean(q.Context)
	q.Prompt = m.clean(q.Prompt)
	return q, nil
}

func (m *SanitizeMiddleware) clean(s string) string {
	if s == "" {
		return s
	}

	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(m.blankRe.ReplaceAllString(line, " ")); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
