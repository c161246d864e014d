package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "enemscrape"

// Metrics holds the Prometheus collectors for a scrape run.
type Metrics struct {
	PagesFetched      *prometheus.CounterVec
	FetchFailures     *prometheus.CounterVec
	Retries           prometheus.Counter
	LinksDiscovered   *prometheus.CounterVec
	QuestionsAccepted *prometheus.CounterVec
	QuestionsSkipped  *prometheus.CounterVec
	ImagesDownloaded  prometheus.Counter
	TablesWritten     *prometheus.CounterVec
	StoreFailures     *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewMetrics creates a registry and registers all collectors on it.
func NewMetrics(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		logger:   logger.With("component", "metrics"),
	}

	m.PagesFetched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "pages_fetched_total",
		Help:      "Pages fetched, by kind and status class",
	}, []string{"kind", "status"})

	m.FetchFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "fetch_failures_total",
		Help:      "Fetches that failed at the transport level",
	}, []string{"kind"})

	m.Retries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retries_total",
		Help:      "Attempts repeated after a transient failure",
	})

	m.LinksDiscovered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "links_discovered_total",
		Help:      "Question links found on listing pages",
	}, []string{"area"})

	m.QuestionsAccepted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "questions_accepted_total",
		Help:      "Questions that passed validation",
	}, []string{"area"})

	m.QuestionsSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "questions_skipped_total",
		Help:      "Question pages that produced no record",
	}, []string{"reason"})

	m.ImagesDownloaded = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "images_downloaded_total",
		Help:      "Images written to disk",
	})

	m.TablesWritten = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "tables_written_total",
		Help:      "Year/area tables persisted, by storage backend",
	}, []string{"backend"})

	m.StoreFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "store_failures_total",
		Help:      "Year/area tables a storage backend failed to persist",
	}, []string{"backend"})

	m.FetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "fetch_duration_seconds",
		Help:      "Page fetch latency",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kind"})

	return m
}

// ObserveFetch records a completed fetch of the given kind.
func (m *Metrics) ObserveFetch(kind string, statusCode int, d time.Duration) {
	m.PagesFetched.WithLabelValues(kind, statusClass(statusCode)).Inc()
	m.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server in the background and
// returns it so the caller can shut it down.
func (m *Metrics) StartServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("metrics server starting", "addr", srv.Addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return srv
}
