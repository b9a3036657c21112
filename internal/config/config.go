// Package config loads and validates the chatctx configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for chatctx.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CacheConfig bounds the in-memory context store.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// SummarizerConfig controls when and how background folds run.
type SummarizerConfig struct {
	// TokenThreshold triggers a fold once the running estimate exceeds it.
	TokenThreshold int `yaml:"token_threshold"`

	// MaxTurns triggers a fold once the window holds more turns than this.
	MaxTurns int `yaml:"max_turns"`

	// MinTail is how many of the most recent turns a fold never touches.
	MinTail int `yaml:"min_tail"`

	// HydrateTurns is how many turns a cache miss loads from persistence.
	HydrateTurns int `yaml:"hydrate_turns"`

	// Timeout bounds the summarizer model call; a hung call releases the
	// single-flight guard like any other failure.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent caps simultaneously running folds across all chats.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres", or "memory".
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// URL is the DSN for the postgres driver.
	URL string `yaml:"url"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig configures the model providers.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Usually supplied through
	// the environment (ANTHROPIC_API_KEY / OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, self-hosted).
	BaseURL string `yaml:"base_url"`

	// ReplyModel handles ordinary chat replies.
	ReplyModel string `yaml:"reply_model"`

	// SummaryModel handles background summarization; typically a cheaper
	// model than ReplyModel.
	SummaryModel string `yaml:"summary_model"`

	// MaxTokens caps reply generation length.
	MaxTokens int `yaml:"max_tokens"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, expanding environment
// variables and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with working defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 200
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 30 * time.Minute
	}
	if cfg.Summarizer.TokenThreshold == 0 {
		cfg.Summarizer.TokenThreshold = 4096
	}
	if cfg.Summarizer.MaxTurns == 0 {
		cfg.Summarizer.MaxTurns = 12
	}
	if cfg.Summarizer.MinTail == 0 {
		cfg.Summarizer.MinTail = 4
	}
	if cfg.Summarizer.HydrateTurns == 0 {
		cfg.Summarizer.HydrateTurns = 12
	}
	if cfg.Summarizer.Timeout == 0 {
		cfg.Summarizer.Timeout = 60 * time.Second
	}
	if cfg.Summarizer.MaxConcurrent == 0 {
		cfg.Summarizer.MaxConcurrent = 4
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "chatctx.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for the postgres driver")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Summarizer.MinTail < 0 {
		return fmt.Errorf("summarizer.min_tail must not be negative")
	}
	if c.Summarizer.MaxTurns < c.Summarizer.MinTail {
		return fmt.Errorf("summarizer.max_turns must be at least min_tail")
	}
	return nil
}
