package config

import (
	"fmt"
	"net/url"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if err := ValidateURL(cfg.Site.BaseURL); err != nil {
		return fmt.Errorf("site.base_url: %w", err)
	}

	if cfg.Engine.StartYear < 1998 || cfg.Engine.EndYear < cfg.Engine.StartYear {
		return fmt.Errorf("engine year range %d-%d is invalid", cfg.Engine.StartYear, cfg.Engine.EndYear)
	}
	if len(cfg.Engine.Areas) == 0 {
		return fmt.Errorf("engine.areas must not be empty")
	}
	for _, a := range cfg.Engine.Areas {
		if _, err := types.ParseArea(a); err != nil {
			return fmt.Errorf("engine.areas: %w", err)
		}
	}
	if cfg.Engine.Concurrency < 1 || cfg.Engine.Concurrency > 256 {
		return fmt.Errorf("engine.concurrency must be 1-256, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Engine.DiscoveryWorkers < 1 || cfg.Engine.DiscoveryWorkers > 64 {
		return fmt.Errorf("engine.discovery_workers must be 1-64, got %d", cfg.Engine.DiscoveryWorkers)
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be > 0")
	}
	if cfg.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1, got %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.RetryDelay < 0 {
		return fmt.Errorf("engine.retry_delay must be >= 0")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.Type != "http" && cfg.Fetcher.Type != "browser" {
		return fmt.Errorf("fetcher.type must be 'http' or 'browser', got %q", cfg.Fetcher.Type)
	}

	switch cfg.Parser.ListingStrategy {
	case "attribute", "xpath":
	case "class":
		if cfg.Parser.ListingBaseClass == "" {
			return fmt.Errorf("parser.listing_base_class is required for the class strategy")
		}
	default:
		return fmt.Errorf("parser.listing_strategy must be attribute, class or xpath, got %q", cfg.Parser.ListingStrategy)
	}
	if cfg.Parser.ContextSelector == "" || cfg.Parser.PromptSelector == "" || cfg.Parser.AnswerSelector == "" {
		return fmt.Errorf("parser context, prompt and answer selectors are required")
	}

	if cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir must not be empty")
	}
	if cfg.Storage.Mongo.Enabled {
		if cfg.Storage.Mongo.URI == "" || cfg.Storage.Mongo.Database == "" || cfg.Storage.Mongo.Collection == "" {
			return fmt.Errorf("storage.mongo requires uri, database and collection")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks that a URL is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
