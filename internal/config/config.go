package config

import (
	"time"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for enemscrape.
type Config struct {
	Site    SiteConfig    `mapstructure:"site"    yaml:"site"`
	Engine  EngineConfig  `mapstructure:"engine"  yaml:"engine"`
	Fetcher FetcherConfig `mapstructure:"fetcher" yaml:"fetcher"`
	Parser  ParserConfig  `mapstructure:"parser"  yaml:"parser"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// SiteConfig describes the question archive being scraped.
type SiteConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Color    string `mapstructure:"color"    yaml:"color"`
	Language string `mapstructure:"language" yaml:"language"`
}

// EngineConfig controls the discovery and extraction stages.
type EngineConfig struct {
	StartYear        int           `mapstructure:"start_year"        yaml:"start_year"`
	EndYear          int           `mapstructure:"end_year"          yaml:"end_year"`
	Areas            []string      `mapstructure:"areas"             yaml:"areas"`
	Concurrency      int           `mapstructure:"concurrency"       yaml:"concurrency"`
	DiscoveryWorkers int           `mapstructure:"discovery_workers" yaml:"discovery_workers"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"      yaml:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"       yaml:"retry_delay"`
}

// FetcherConfig controls the page fetcher.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	UserAgent       string        `mapstructure:"user_agent"        yaml:"user_agent"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	Stealth         bool          `mapstructure:"stealth"           yaml:"stealth"`
}

// ParserConfig holds the selectors used on listing and question pages.
type ParserConfig struct {
	ListingStrategy     string `mapstructure:"listing_strategy"      yaml:"listing_strategy"` // attribute, class, xpath
	ListingBaseClass    string `mapstructure:"listing_base_class"    yaml:"listing_base_class"`
	ContextSelector     string `mapstructure:"context_selector"      yaml:"context_selector"`
	PromptSelector      string `mapstructure:"prompt_selector"       yaml:"prompt_selector"`
	TextChoicesSelector string `mapstructure:"text_choices_selector" yaml:"text_choices_selector"`
	ImageChoiceSelector string `mapstructure:"image_choice_selector" yaml:"image_choice_selector"`
	AnswerSelector      string `mapstructure:"answer_selector"       yaml:"answer_selector"`
	NumberSelector      string `mapstructure:"number_selector"       yaml:"number_selector"`
}

// StorageConfig controls where tables are written.
type StorageConfig struct {
	OutputDir string      `mapstructure:"output_dir" yaml:"output_dir"`
	Mongo     MongoConfig `mapstructure:"mongo"      yaml:"mongo"`
}

// MongoConfig controls the optional MongoDB mirror of extracted rows.
type MongoConfig struct {
	Enabled    bool   `mapstructure:"enabled"    yaml:"enabled"`
	URI        string `mapstructure:"uri"        yaml:"uri"`
	Database   string `mapstructure:"database"   yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:  "https://enem.example.com.br",
			Color:    "amarelo",
			Language: "ingles",
		},
		Engine: EngineConfig{
			StartYear:        2009,
			EndYear:          2023,
			Areas:            areaSlugs(types.AllAreas()),
			Concurrency:      8,
			DiscoveryWorkers: 4,
			RequestTimeout:   30 * time.Second,
			MaxAttempts:      5,
			RetryDelay:       0,
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Parser: ParserConfig{
			ListingStrategy:     "attribute",
			ListingBaseClass:    "question-link",
			ContextSelector:     "section[class='question-content']",
			PromptSelector:      "section[class='alternatives-introduction']",
			TextChoicesSelector: "ol[class='alternatives-list type-text']",
			ImageChoiceSelector: "ol[class='alternatives-list type-image']",
			AnswerSelector:      "div[class='answer']",
			NumberSelector:      ".question-number",
		},
		Storage: StorageConfig{
			OutputDir: "enem-data",
			Mongo: MongoConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "enem",
				Collection: "questions",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

func areaSlugs(areas []types.Area) []string {
	slugs := make([]string, len(areas))
	for i, a := range areas {
		slugs[i] = string(a)
	}
	return slugs
}
