package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/observability"
	"github.com/IshaanNene/enemscrape/internal/storage"
	"github.com/IshaanNene/enemscrape/internal/types"
)

// RunSummary reports what a scrape run did. Tables and StorageErrors are
// keyed by storage backend name, so a failing mirror does not hide that
// the CSV files were written (or the other way round).
type RunSummary struct {
	RunID         string         `json:"run_id"`
	Years         int            `json:"years"`
	Links         int            `json:"links"`
	Processed     int            `json:"processed"`
	Accepted      int            `json:"accepted"`
	Tables        map[string]int `json:"tables"`
	StorageErrors map[string]int `json:"storage_errors"`
	Images        int64          `json:"images"`
	ImageBytes    int64          `json:"image_bytes"`
	Elapsed       time.Duration  `json:"elapsed"`
}

// Skipped returns the number of processed links that yielded no record.
func (s *RunSummary) Skipped() int {
	return s.Processed - s.Accepted
}

// Engine runs discovery, then extracts every (year, area) table and hands
// it to storage.
type Engine struct {
	cfg        *config.Config
	areas      []types.Area
	discoverer *Discoverer
	extractor  *Extractor
	storage    storage.Storage
	metrics    *observability.Metrics
	runID      string
	logger     *slog.Logger
}

// New creates an Engine. Pages are fetched through pages and images
// through images.
func New(cfg *config.Config, pages, images Fetcher, store storage.Storage, metrics *observability.Metrics, logger *slog.Logger) (*Engine, error) {
	areas, err := ParseAreas(cfg.Engine.Areas)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	discoverer, err := NewDiscoverer(cfg, pages, metrics, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		areas:      areas,
		discoverer: discoverer,
		extractor:  NewExtractor(cfg, pages, images, metrics, logger),
		storage:    store,
		metrics:    metrics,
		runID:      runID,
		logger:     logger.With("component", "engine"),
	}, nil
}

// RunID returns the identifier attached to this engine's log lines.
func (e *Engine) RunID() string { return e.runID }

// Run scrapes every configured year and area. Failures on individual
// years, links or tables are logged and counted; Run only returns an
// error when the output root cannot be created or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	outputDir := e.cfg.Storage.OutputDir

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	e.logger.Info("scrape starting",
		"years", fmt.Sprintf("%d-%d", e.cfg.Engine.StartYear, e.cfg.Engine.EndYear),
		"areas", len(e.areas),
		"concurrency", e.cfg.Engine.Concurrency,
		"output", outputDir,
	)

	years := Years(e.cfg.Engine.StartYear, e.cfg.Engine.EndYear)
	index := e.discoverer.Discover(ctx, years, e.areas)

	summary := &RunSummary{
		RunID:         e.runID,
		Years:         len(years),
		Links:         index.LinkCount(),
		Tables:        make(map[string]int),
		StorageErrors: make(map[string]int),
	}

	for _, year := range years {
		if ctx.Err() != nil {
			break
		}

		yearDir := storage.YearDir(outputDir, year)
		if err := os.MkdirAll(yearDir, 0o755); err != nil {
			e.logger.Error("create year dir failed", "year", year, "error", err)
			continue
		}

		for _, area := range e.areas {
			if ctx.Err() != nil {
				break
			}

			links := index[year][area]
			table := e.scrapeTable(ctx, year, area, links, yearDir)
			summary.Processed += len(links)
			summary.Accepted += len(table.Rows)

			e.store(ctx, table, summary)
		}
	}

	summary.Images, summary.ImageBytes = e.extractor.ImageStats()
	summary.Elapsed = time.Since(start)
	e.logger.Info("scrape complete",
		"processed", summary.Processed,
		"accepted", summary.Accepted,
		"skipped", summary.Skipped(),
		"tables", summary.Tables,
		"storage_errors", summary.StorageErrors,
		"images", summary.Images,
		"image_bytes", summary.ImageBytes,
		"elapsed", FormatElapsed(summary.Elapsed),
	)

	return summary, ctx.Err()
}

// store hands table to storage and counts the outcome per backend.
func (e *Engine) store(ctx context.Context, table *types.Table, summary *RunSummary) {
	failed := storage.FailedBackends(e.storage, e.storage.Store(ctx, table))
	for _, name := range storage.BackendNames(e.storage) {
		if err, ok := failed[name]; ok {
			summary.StorageErrors[name]++
			e.metrics.StoreFailures.WithLabelValues(name).Inc()
			e.logger.Error("store table failed", "backend", name, "year", table.Year, "area", table.Area, "error", err)
			continue
		}
		summary.Tables[name]++
		e.metrics.TablesWritten.WithLabelValues(name).Inc()
	}
}

// scrapeTable extracts every link of one (year, area) pair over a bounded
// pool and returns the accepted rows sorted.
func (e *Engine) scrapeTable(ctx context.Context, year int, area types.Area, links []string, yearDir string) *types.Table {
	var acc Accumulator

	var g errgroup.Group
	if e.cfg.Engine.Concurrency > 0 {
		g.SetLimit(e.cfg.Engine.Concurrency)
	}

	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			q, err := e.extractor.Extract(ctx, link, yearDir)
			if err != nil {
				e.logger.Warn("question failed", "url", link, "error", err)
				return nil
			}
			if q != nil {
				acc.Add(q)
				e.metrics.QuestionsAccepted.WithLabelValues(string(area)).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	table := &types.Table{Year: year, Area: area, Rows: acc.Rows()}
	table.SortRows()

	e.logger.Info("table extracted",
		"year", year,
		"area", area,
		"processed", len(links),
		"accepted", len(table.Rows),
	)
	return table
}

// Years returns the inclusive range [start, end].
func Years(start, end int) []int {
	var years []int
	for y := start; y <= end; y++ {
		years = append(years, y)
	}
	return years
}

// ParseAreas converts area slugs, defaulting to every area when names is
// empty.
func ParseAreas(names []string) ([]types.Area, error) {
	if len(names) == 0 {
		return types.AllAreas(), nil
	}
	areas := make([]types.Area, 0, len(names))
	for _, n := range names {
		a, err := types.ParseArea(n)
		if err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}
	return areas, nil
}

// FormatElapsed renders d as hours, minutes, seconds and milliseconds,
// e.g. "0h3m12s450ms".
func FormatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%dh%dm%ds%dms", h, m, s, ms)
}
