package pipeline

import (
	"log/slog"
	"strings"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Middleware processes a question and returns the (possibly modified) question.
// Return nil to drop the question from the pipeline.
type Middleware interface {
	// Name returns the middleware's identifier.
	Name() string

	// Process transforms a question. Return nil to drop it.
	Process(q *types.Question) (*types.Question, error)
}

// Pipeline chains middleware processors together.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
	}
}

// Default returns the pipeline every extracted question goes through:
// text sanitizing and trimming, the context/prompt/answer gate, then the
// five-column choice cap.
func Default(logger *slog.Logger) *Pipeline {
	p := New(logger)
	p.Use(NewSanitizeMiddleware())
	p.Use(&TrimMiddleware{})
	p.Use(&RequiredFieldsMiddleware{})
	p.Use(&ChoiceLimitMiddleware{Max: len(types.ChoiceLetters), logger: p.logger})
	return p
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the question through all middleware in order. A nil
// question with a nil error means it was dropped.
func (p *Pipeline) Process(q *types.Question) (*types.Question, error) {
	current := q

	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &types.PipelineError{
				Stage:    mw.Name(),
				Question: current,
				Err:      err,
			}
		}
		if result == nil {
			p.logger.Debug("question dropped", "stage", mw.Name(), "url", q.URL)
			return nil, nil
		}
		current = result
	}

	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// --- Built-in Middleware ---

// TrimMiddleware trims whitespace from every text field and drops blank choices.
type TrimMiddleware struct{}

func (m *TrimMiddleware) Name() string { return "trim" }

func (m *TrimMiddleware) Process(q *types.Question) (*types.Question, error) {
	q.Context = strings.TrimSpace(q.Context)
	q.Prompt = strings.TrimSpace(q.Prompt)
	q.Answer = strings.TrimSpace(q.Answer)
	q.AnswerText = strings.TrimSpace(q.AnswerText)

	choices := q.Choices[:0]
	for _, c := range q.Choices {
		if c = strings.TrimSpace(c); c != "" {
			choices = append(choices, c)
		}
	}
	q.Choices = choices
	return q, nil
}

// RequiredFieldsMiddleware drops questions whose context, prompt or
// answer is empty. The answer counts as present when either the scraped
// answer text or the derived letter is non-empty. Choice count is not checked: image choices may stand
// in for text ones and pages may omit trailing choices.
type RequiredFieldsMiddleware struct{}

func (m *RequiredFieldsMiddleware) Name() string { return "required_fields" }

func (m *RequiredFieldsMiddleware) Process(q *types.Question) (*types.Question, error) {
	if q.Context == "" || q.Prompt == "" || (q.AnswerText == "" && q.Answer == "") {
		return nil, nil
	}
	return q, nil
}

// ChoiceLimitMiddleware truncates choices beyond Max. Pages that render a
// sixth list item (usually a stray comment or note) would otherwise push
// image choices out of the table.
type ChoiceLimitMiddleware struct {
	Max    int
	logger *slog.Logger
}

func (m *ChoiceLimitMiddleware) Name() string { return "choice_limit" }

func (m *ChoiceLimitMiddleware) Process(q *types.Question) (*types.Question, error) {
	if m.Max > 0 && len(q.Choices) > m.Max {
		if m.logger != nil {
			m.logger.Debug("choices truncated", "url", q.URL, "count", len(q.Choices), "max", m.Max)
		}
		q.Choices = q.Choices[:m.Max]
	}
	return q, nil
}
