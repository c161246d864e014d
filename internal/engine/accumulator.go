package engine

import (
	"sync"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Accumulator collects accepted questions from concurrent extraction tasks.
type Accumulator struct {
	mu   sync.Mutex
	rows []*types.Question
}

// Add appends q. Safe for concurrent use.
func (a *Accumulator) Add(q *types.Question) {
	a.mu.Lock()
	a.rows = append(a.rows, q)
	a.mu.Unlock()
}

// Len returns the number of accepted questions.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

// Rows returns a copy of the accepted questions.
func (a *Accumulator) Rows() []*types.Question {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Question, len(a.rows))
	copy(out, a.rows)
	return out
}
