package parser

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/types"
)

// QuestionPage holds the raw fields extracted from one question page,
// before images are downloaded and the validation gate is applied.
type QuestionPage struct {
	Number           *int
	Context          string
	Prompt           string
	Choices          []string
	AnswerLines      []string
	ContextImageURLs []string
	ChoiceImageURLs  []string
}

// Answer returns the answer letter derived from the answer section.
func (p *QuestionPage) Answer() string {
	return AnswerLetter(p.AnswerLines)
}

// AnswerText returns the answer section's lines joined by newlines.
func (p *QuestionPage) AnswerText() string {
	return strings.Join(p.AnswerLines, "\n")
}

// QuestionParser extracts question fields using goquery selectors.
type QuestionParser struct {
	cfg    config.ParserConfig
	logger *slog.Logger
}

// NewQuestionParser creates a parser for question pages.
func NewQuestionParser(cfg config.ParserConfig, logger *slog.Logger) *QuestionParser {
	return &QuestionParser{
		cfg:    cfg,
		logger: logger.With("component", "question_parser"),
	}
}

// Parse extracts a QuestionPage from resp. It returns
// types.ErrNoContextSection when the page has no context section.
func (p *QuestionParser) Parse(resp *types.Response) (*QuestionPage, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, &types.ParseError{URL: resp.BaseURL(), Err: err}
	}

	contextSection := doc.Find(p.cfg.ContextSelector).First()
	if contextSection.Length() == 0 {
		return nil, types.ErrNoContextSection
	}

	base := resp.BaseURL()
	page := &QuestionPage{
		Prompt:           ElementsText(doc.Find(p.cfg.PromptSelector).First()),
		Context:          ElementsText(contextSection),
		Choices:          NonBlankLines(ElementsText(doc.Find(p.cfg.TextChoicesSelector).First())),
		AnswerLines:      NonBlankLines(ElementsText(doc.Find(p.cfg.AnswerSelector).First())),
		ContextImageURLs: imageURLs(contextSection, base),
	}

	if p.cfg.NumberSelector != "" {
		page.Number = SequenceNumber(doc.Find(p.cfg.NumberSelector).First().Text())
	}

	if p.cfg.ImageChoiceSelector != "" {
		imageList := doc.Find(p.cfg.ImageChoiceSelector).First()
		if imageList.Length() > 0 {
			page.ChoiceImageURLs = imageURLs(imageList, base)
		}
	}

	p.logger.Debug("question page parsed",
		"url", base,
		"choices", len(page.Choices),
		"context_images", len(page.ContextImageURLs),
		"choice_images", len(page.ChoiceImageURLs),
	)

	return page, nil
}

// ElementsText joins the text of each child node of the selection with
// newlines, so block-level children (paragraphs, list items) end up on
// their own lines. Whitespace-only children are skipped.
func ElementsText(sel *goquery.Selection) string {
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			var text string
			if node := child.Get(0); node != nil && node.Type == html.TextNode {
				text = node.Data
			} else {
				text = child.Text()
			}
			if t := strings.TrimSpace(text); t != "" {
				parts = append(parts, t)
			}
		})
	})
	return strings.Join(parts, "\n")
}

// NonBlankLines splits text into trimmed, non-empty lines.
func NonBlankLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// AnswerLetter returns the last character of the last non-blank answer
// line, upper-cased, ignoring trailing punctuation. "…resposta correta é
// C." yields "C"; "Gabarito: 3" yields "3". It returns "" when the line is
// nothing but punctuation.
func AnswerLetter(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	last := strings.TrimRightFunc(lines[len(lines)-1], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if last == "" {
		return ""
	}
	runes := []rune(last)
	return string(unicode.ToUpper(runes[len(runes)-1]))
}

var digitRun = regexp.MustCompile(`\d+`)

// SequenceNumber parses the first run of digits in text. It returns nil
// when text has no digits.
func SequenceNumber(text string) *int {
	m := digitRun.FindString(text)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

func imageURLs(sel *goquery.Selection, baseURL string) []string {
	var srcs []string
	sel.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || strings.TrimSpace(src) == "" || strings.HasPrefix(src, "data:") {
			src, _ = img.Attr("data-src")
		}
		srcs = append(srcs, src)
	})
	return resolveLinks(baseURL, srcs)
}
