package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/types"
)

// LinkSelector finds the question links of one area on a listing page.
type LinkSelector interface {
	// Select returns absolute question URLs in document order.
	Select(resp *types.Response, area types.Area) ([]string, error)

	// Name returns the strategy identifier.
	Name() string
}

// NewLinkSelector returns the strategy named by cfg.ListingStrategy.
func NewLinkSelector(cfg config.ParserConfig, logger *slog.Logger) (LinkSelector, error) {
	switch cfg.ListingStrategy {
	case "", "attribute":
		return &AttributeSelector{logger: logger.With("component", "attribute_selector")}, nil
	case "class":
		return &ClassSelector{BaseClass: cfg.ListingBaseClass, logger: logger.With("component", "class_selector")}, nil
	case "xpath":
		return &XPathSelector{logger: logger.With("component", "xpath_selector")}, nil
	default:
		return nil, fmt.Errorf("unknown listing strategy %q", cfg.ListingStrategy)
	}
}

// AttributeSelector matches anchors carrying an area attribute, e.g.
// <a area="matematica" href="...">.
type AttributeSelector struct {
	logger *slog.Logger
}

func (s *AttributeSelector) Name() string { return "attribute" }

func (s *AttributeSelector) Select(resp *types.Response, area types.Area) ([]string, error) {
	return selectCSS(resp, fmt.Sprintf("a[area='%s']", area))
}

// ClassSelector matches anchors by a base class plus an area modifier, e.g.
// <a class="question-link question-link--matematica" href="...">.
type ClassSelector struct {
	BaseClass string
	logger    *slog.Logger
}

func (s *ClassSelector) Name() string { return "class" }

func (s *ClassSelector) Select(resp *types.Response, area types.Area) ([]string, error) {
	return selectCSS(resp, fmt.Sprintf("a.%s.%s--%s", s.BaseClass, s.BaseClass, area))
}

// XPathSelector evaluates //a[@area='<slug>'] with htmlquery.
type XPathSelector struct {
	logger *slog.Logger
}

func (s *XPathSelector) Name() string { return "xpath" }

func (s *XPathSelector) Select(resp *types.Response, area types.Area) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &types.ParseError{URL: resp.BaseURL(), Err: err}
	}

	expr := fmt.Sprintf("//a[@area='%s']", area)
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, &types.ParseError{URL: resp.BaseURL(), Selector: expr, Err: err}
	}

	hrefs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		hrefs = append(hrefs, htmlquery.SelectAttr(node, "href"))
	}
	return resolveLinks(resp.BaseURL(), hrefs), nil
}

func selectCSS(resp *types.Response, selector string) ([]string, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, &types.ParseError{URL: resp.BaseURL(), Selector: selector, Err: err}
	}

	var hrefs []string
	doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		hrefs = append(hrefs, href)
	})
	return resolveLinks(resp.BaseURL(), hrefs), nil
}

// resolveLinks makes hrefs absolute against baseURL, dropping empty,
// fragment-only and non-http(s) targets. Order is preserved and
// duplicates are kept.
func resolveLinks(baseURL string, hrefs []string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	links := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		parsed, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(parsed)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		resolved.Fragment = ""
		links = append(links, resolved.String())
	}
	return links
}
