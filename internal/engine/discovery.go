package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/observability"
	"github.com/IshaanNene/enemscrape/internal/parser"
	"github.com/IshaanNene/enemscrape/internal/types"
)

// Fetcher is the subset of fetcher.Fetcher the engine needs.
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)
}

// Discoverer builds the year/area index of question URLs from the
// per-year listing pages.
type Discoverer struct {
	site     config.SiteConfig
	workers  int
	retry    retryPolicy
	fetcher  Fetcher
	selector parser.LinkSelector
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewDiscoverer creates a Discoverer using the listing strategy from cfg.
func NewDiscoverer(cfg *config.Config, f Fetcher, metrics *observability.Metrics, logger *slog.Logger) (*Discoverer, error) {
	selector, err := parser.NewLinkSelector(cfg.Parser, logger)
	if err != nil {
		return nil, err
	}

	d := &Discoverer{
		site:     cfg.Site,
		workers:  cfg.Engine.DiscoveryWorkers,
		fetcher:  f,
		selector: selector,
		metrics:  metrics,
		logger:   logger.With("component", "discovery"),
	}
	d.retry = retryPolicy{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Delay:       cfg.Engine.RetryDelay,
		OnRetry: func(attempt int, err error) {
			metrics.Retries.Inc()
			d.logger.Debug("listing fetch failed, retrying", "attempt", attempt, "error", err)
		},
	}
	return d, nil
}

// ListingURL returns the listing page URL for a year.
func (d *Discoverer) ListingURL(year int) string {
	q := url.Values{}
	q.Set("cor", d.site.Color)
	q.Set("idioma", d.site.Language)
	return fmt.Sprintf("%s/gabarito-enem/questoes/%d/?%s", strings.TrimRight(d.site.BaseURL, "/"), year, q.Encode())
}

// Discover fetches every year's listing page concurrently and returns the
// question URLs per area. Every requested year is present in the result;
// a year whose listing could not be fetched maps each area to an empty
// slice.
func (d *Discoverer) Discover(ctx context.Context, years []int, areas []types.Area) types.YearAreaIndex {
	index := make(types.YearAreaIndex, len(years))
	var mu sync.Mutex

	var g errgroup.Group
	if d.workers > 0 {
		g.SetLimit(d.workers)
	}

	for _, year := range years {
		g.Go(func() error {
			links, err := d.discoverYear(ctx, year, areas)
			if err != nil {
				d.logger.Error("year discovery failed", "year", year, "error", err)
				links = emptyAreas(areas)
			}

			mu.Lock()
			index[year] = links
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("discovery complete", "years", len(index), "links", index.LinkCount())
	return index
}

func (d *Discoverer) discoverYear(ctx context.Context, year int, areas []types.Area) (map[types.Area][]string, error) {
	var links map[types.Area][]string

	err := d.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		links, err = d.fetchListing(ctx, year, areas)
		return err
	})
	if err != nil {
		return nil, err
	}

	for area, urls := range links {
		d.metrics.LinksDiscovered.WithLabelValues(string(area)).Add(float64(len(urls)))
	}
	d.logger.Debug("year discovered", "year", year, "links", countLinks(links))
	return links, nil
}

func (d *Discoverer) fetchListing(ctx context.Context, year int, areas []types.Area) (map[types.Area][]string, error) {
	listingURL := d.ListingURL(year)
	req, err := types.NewRequest(listingURL)
	if err != nil {
		return nil, err
	}
	req.Tag = "listing"

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		d.metrics.FetchFailures.WithLabelValues("listing").Inc()
		return nil, err
	}
	d.metrics.ObserveFetch("listing", resp.StatusCode, resp.FetchDuration)

	if !resp.IsSuccess() {
		return nil, &types.FetchError{URL: listingURL, StatusCode: resp.StatusCode, Err: types.ErrUnexpectedStatus}
	}

	links := make(map[types.Area][]string, len(areas))
	for _, area := range areas {
		urls, err := d.selector.Select(resp, area)
		if err != nil {
			return nil, fmt.Errorf("select %s links: %w", area, err)
		}
		if urls == nil {
			urls = []string{}
		}
		links[area] = urls
	}
	return links, nil
}

func emptyAreas(areas []types.Area) map[types.Area][]string {
	m := make(map[types.Area][]string, len(areas))
	for _, a := range areas {
		m[a] = []string{}
	}
	return m
}

func countLinks(m map[types.Area][]string) int {
	n := 0
	for _, urls := range m {
		n += len(urls)
	}
	return n
}
