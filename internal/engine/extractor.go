package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strconv"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/media"
	"github.com/IshaanNene/enemscrape/internal/observability"
	"github.com/IshaanNene/enemscrape/internal/parser"
	"github.com/IshaanNene/enemscrape/internal/pipeline"
	"github.com/IshaanNene/enemscrape/internal/types"
)

// Skip reasons recorded when a question page yields no record.
const (
	skipStatus    = "status"
	skipNoContext = "no_context"
	skipInvalid   = "invalid"
	skipExhausted = "retries_exhausted"
)

// Extractor turns one question page into a validated Question,
// downloading its images next to the year's tables.
type Extractor struct {
	fetcher  Fetcher
	parser   *parser.QuestionParser
	images   *media.Downloader
	pipeline *pipeline.Pipeline
	retry    retryPolicy
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewExtractor creates an Extractor. Pages are fetched with pages and
// images with images; they may be the same fetcher.
func NewExtractor(cfg *config.Config, pages, images Fetcher, metrics *observability.Metrics, logger *slog.Logger) *Extractor {
	x := &Extractor{
		fetcher:  pages,
		parser:   parser.NewQuestionParser(cfg.Parser, logger),
		images:   media.NewDownloader(images, logger),
		pipeline: pipeline.Default(logger),
		metrics:  metrics,
		logger:   logger.With("component", "extractor"),
	}
	x.retry = retryPolicy{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Delay:       cfg.Engine.RetryDelay,
		OnRetry: func(attempt int, err error) {
			metrics.Retries.Inc()
			x.logger.Debug("question attempt failed, retrying", "attempt", attempt, "error", err)
		},
	}
	return x
}

// Extract scrapes the question at pageURL, saving images under outDir.
// It returns nil with a nil error when the page is skipped (non-2xx
// status, no context section, or a failed validation gate). Transient
// failures are retried; once attempts run out the error is returned.
func (x *Extractor) Extract(ctx context.Context, pageURL, outDir string) (*types.Question, error) {
	var q *types.Question
	err := x.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		q, err = x.extractOnce(ctx, pageURL, outDir)
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrMaxRetries) {
			x.metrics.QuestionsSkipped.WithLabelValues(skipExhausted).Inc()
		}
		return nil, err
	}
	return q, nil
}

func (x *Extractor) extractOnce(ctx context.Context, pageURL, outDir string) (*types.Question, error) {
	req, err := types.NewRequest(pageURL)
	if err != nil {
		return nil, err
	}
	req.Tag = "question"

	resp, err := x.fetcher.Fetch(ctx, req)
	if err != nil {
		x.metrics.FetchFailures.WithLabelValues("question").Inc()
		return nil, err
	}
	x.metrics.ObserveFetch("question", resp.StatusCode, resp.FetchDuration)

	if !resp.IsSuccess() {
		x.skip(pageURL, skipStatus, "status", resp.StatusCode)
		return nil, nil
	}

	page, err := x.parser.Parse(resp)
	if errors.Is(err, types.ErrNoContextSection) {
		x.skip(pageURL, skipNoContext)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	q := &types.Question{
		Number:  page.Number,
		Context: page.Context,
		Prompt:  page.Prompt,
		Choices: page.Choices,
		Answer:  page.Answer(),
		URL:     pageURL,

		AnswerText: page.AnswerText(),
	}

	imageDir := filepath.Join(outDir, ImageDirName(page.Number, pageURL))
	for i, imgURL := range page.ContextImageURLs {
		dest := filepath.Join(imageDir, fmt.Sprintf("context_img_%d.png", i))
		if err := x.download(ctx, imgURL, dest); err != nil {
			return nil, err
		}
		q.ContextImages = append(q.ContextImages, dest)
	}
	for i, imgURL := range page.ChoiceImageURLs {
		dest := filepath.Join(imageDir, fmt.Sprintf("alt_img_%d.png", i))
		if err := x.download(ctx, imgURL, dest); err != nil {
			return nil, err
		}
		q.Choices = append(q.Choices, dest)
	}

	out, err := x.pipeline.Process(q)
	if err != nil {
		return nil, err
	}
	if out == nil {
		x.skip(pageURL, skipInvalid)
		return nil, nil
	}
	return out, nil
}

// ImageStats returns how many images were saved and their total size.
func (x *Extractor) ImageStats() (files, bytes int64) {
	stats := x.images.Stats()
	return stats["total_downloaded"], stats["bytes_written"]
}

func (x *Extractor) download(ctx context.Context, imgURL, dest string) error {
	if _, err := x.images.Download(ctx, imgURL, dest); err != nil {
		x.metrics.FetchFailures.WithLabelValues("image").Inc()
		return fmt.Errorf("image %s: %w", imgURL, err)
	}
	x.metrics.ImagesDownloaded.Inc()
	return nil
}

func (x *Extractor) skip(pageURL, reason string, attrs ...any) {
	x.metrics.QuestionsSkipped.WithLabelValues(reason).Inc()
	x.logger.Debug("question skipped", append([]any{"url", pageURL, "reason", reason}, attrs...)...)
}

// ImageDirName returns the per-question image directory name:
// "<number>-images", or the last URL path segment when the page has no
// number.
func ImageDirName(number *int, pageURL string) string {
	if number != nil {
		return strconv.Itoa(*number) + "-images"
	}

	slug := "question"
	if u, err := url.Parse(pageURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			slug = base
		}
	}
	return slug + "-images"
}
