package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Area is one of the four ENEM subject areas, identified by its URL slug.
type Area string

const (
	AreaLanguages     Area = "linguagens"
	AreaNaturalSci    Area = "ciencias-natureza"
	AreaMathematics   Area = "matematica"
	AreaHumanSciences Area = "ciencias-humanas"
)

// AllAreas returns every area in listing order.
func AllAreas() []Area {
	return []Area{AreaLanguages, AreaNaturalSci, AreaMathematics, AreaHumanSciences}
}

// ParseArea converts a slug into an Area.
func ParseArea(s string) (Area, error) {
	for _, a := range AllAreas() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown area %q", s)
}

// YearAreaIndex maps year -> area -> question URLs in document order.
type YearAreaIndex map[int]map[Area][]string

// LinkCount returns the total number of question URLs in the index.
func (idx YearAreaIndex) LinkCount() int {
	n := 0
	for _, areas := range idx {
		for _, links := range areas {
			n += len(links)
		}
	}
	return n
}

// ChoiceLetters are the column names for the five choices.
var ChoiceLetters = []string{"A", "B", "C", "D", "E"}

// TableHeader is the fixed column header of every output table.
var TableHeader = []string{"number", "context", "question", "A", "B", "C", "D", "E", "answer", "context-images"}

// Question is one extracted exam question.
type Question struct {
	// Number is the on-page sequence number; nil when the page has none.
	Number *int `json:"number,omitempty" bson:"number,omitempty"`

	// Context is the passage preceding the prompt.
	Context string `json:"context" bson:"context"`

	// Prompt is the question statement.
	Prompt string `json:"question" bson:"question"`

	// Choices holds text choices followed by image choice paths. It may
	// have fewer than five entries.
	Choices []string `json:"choices" bson:"choices"`

	// Answer is the correct choice letter, or the answer text's last
	// character when the page does not end on a letter.
	Answer string `json:"answer" bson:"answer"`

	// AnswerText is the answer section as scraped. It decides whether the
	// question has an answer at all and is not written to tables.
	AnswerText string `json:"-" bson:"-"`

	// ContextImages are on-disk paths of the context section's images.
	ContextImages []string `json:"context_images,omitempty" bson:"context_images,omitempty"`

	// URL is the question page this record was extracted from.
	URL string `json:"url" bson:"url"`
}

// Choice returns the i-th choice, or "" when the page omitted it.
func (q *Question) Choice(i int) string {
	if i < 0 || i >= len(q.Choices) {
		return ""
	}
	return q.Choices[i]
}

// NumberString renders Number, or "" when absent.
func (q *Question) NumberString() string {
	if q.Number == nil {
		return ""
	}
	return strconv.Itoa(*q.Number)
}

// Row renders the question in TableHeader column order.
func (q *Question) Row() []string {
	row := make([]string, 0, len(TableHeader))
	row = append(row, q.NumberString(), q.Context, q.Prompt)
	for i := range ChoiceLetters {
		row = append(row, q.Choice(i))
	}
	row = append(row, q.Answer, strings.Join(q.ContextImages, ","))
	return row
}

// Table is the set of accepted questions for one (year, area) pair.
type Table struct {
	Year int
	Area Area
	Rows []*Question
}

// SortRows orders rows by number with unnumbered rows last, then by URL.
func (t *Table) SortRows() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		switch {
		case a.Number != nil && b.Number != nil:
			if *a.Number != *b.Number {
				return *a.Number < *b.Number
			}
		case a.Number != nil:
			return true
		case b.Number != nil:
			return false
		}
		return a.URL < b.URL
	})
}
