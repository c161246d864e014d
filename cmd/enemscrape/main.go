package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/engine"
	"github.com/IshaanNene/enemscrape/internal/fetcher"
	"github.com/IshaanNene/enemscrape/internal/observability"
	"github.com/IshaanNene/enemscrape/internal/storage"
)

var (
	cfgFile     string
	verbose     bool
	outputDir   string
	concurrent  int
	startYear   int
	endYear     int
	fetcherType string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "enemscrape",
		Short: "Scrape ENEM exam questions into per-year CSV tables",
		Long: `enemscrape walks the ENEM answer-key archive year by year, extracts every
question (passage, prompt, choices, answer and images) and writes one CSV
table per subject area under <output>/enem-<year>/.`,
		SilenceUsage: true,
		RunE:         runScrape,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVar(&startYear, "start-year", 0, "first exam year to scrape")
	rootCmd.PersistentFlags().IntVar(&endYear, "end-year", 0, "last exam year to scrape")
	rootCmd.PersistentFlags().StringVar(&fetcherType, "fetcher", "", "page fetcher: http or browser")

	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory")
	rootCmd.Flags().IntVarP(&concurrent, "concurrency", "n", 0, "concurrent question extractions per table")

	rootCmd.AddCommand(linksCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runScrape executes a full scrape.
func runScrape(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	pages, images, err := newFetchers(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFetchers(pages, images, logger)

	store, err := newStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close error", "error", err)
		}
	}()

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		srv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	eng, err := engine.New(cfg, pages, images, store, metrics, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signalContext(logger)
	defer stop()

	summary, err := eng.Run(ctx)
	if summary == nil {
		return err
	}

	fmt.Printf("\nScrape finished in %s (run %s)\n", engine.FormatElapsed(summary.Elapsed), summary.RunID)
	fmt.Printf("   Years:     %d\n", summary.Years)
	fmt.Printf("   Links:     %d discovered, %d processed\n", summary.Links, summary.Processed)
	fmt.Printf("   Questions: %d accepted, %d skipped\n", summary.Accepted, summary.Skipped())
	fmt.Printf("   Images:    %d saved, %d bytes\n", summary.Images, summary.ImageBytes)
	for _, name := range storage.BackendNames(store) {
		fmt.Printf("   Tables:    %d written, %d failed (%s)\n", summary.Tables[name], summary.StorageErrors[name], name)
	}
	fmt.Printf("   Output:    %s\n", cfg.Storage.OutputDir)

	if err != nil {
		return fmt.Errorf("scrape interrupted: %w", err)
	}
	return nil
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("enemscrape %s\n", config.Version)
		},
	}
}

// configCmd prints the effective configuration as YAML.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if outputDir != "" {
		cfg.Storage.OutputDir = outputDir
	}
	if concurrent > 0 {
		cfg.Engine.Concurrency = concurrent
	}
	if startYear > 0 {
		cfg.Engine.StartYear = startYear
	}
	if endYear > 0 {
		cfg.Engine.EndYear = endYear
	}
	if fetcherType != "" {
		cfg.Fetcher.Type = strings.ToLower(fetcherType)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
}

// setupLogger creates a structured logger.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newFetchers returns the page fetcher selected by config and an HTTP
// fetcher for images. They are the same fetcher when the page fetcher is
// HTTP.
func newFetchers(cfg *config.Config, logger *slog.Logger) (fetcher.Fetcher, fetcher.Fetcher, error) {
	pages, err := fetcher.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create fetcher: %w", err)
	}
	if pages.Type() == "http" {
		return pages, pages, nil
	}

	images, err := fetcher.NewHTTPFetcher(cfg, logger)
	if err != nil {
		pages.Close()
		return nil, nil, fmt.Errorf("create image fetcher: %w", err)
	}
	return pages, images, nil
}

func closeFetchers(pages, images fetcher.Fetcher, logger *slog.Logger) {
	if err := pages.Close(); err != nil {
		logger.Error("fetcher close error", "error", err)
	}
	if images != pages {
		if err := images.Close(); err != nil {
			logger.Error("fetcher close error", "error", err)
		}
	}
}

func newStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	csvStore, err := storage.NewCSVStorage(cfg.Storage.OutputDir, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Mongo.Enabled {
		return csvStore, nil
	}

	mongoStore, err := storage.NewMongoStorage(cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, cfg.Storage.Mongo.Collection, logger)
	if err != nil {
		return nil, err
	}
	return storage.NewMultiStorage([]storage.Storage{csvStore, mongoStore}, logger), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
