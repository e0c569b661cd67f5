// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Scraping  ScrapingConfig  `yaml:"scraping" mapstructure:"scraping"`
	Strategy  StrategyConfig  `yaml:"strategy" mapstructure:"strategy"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Dedup     DedupConfig     `yaml:"dedup" mapstructure:"dedup"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres, memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	HeartbeatSecs    int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ShutdownSecs     int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
	PhaseTimeoutSecs int      `yaml:"phase_timeout_secs" mapstructure:"phase_timeout_secs"`
}

// DiscoveryConfig configures the site crawl phase.
type DiscoveryConfig struct {
	MaxPages          int      `yaml:"max_pages" mapstructure:"max_pages"`
	MaxDepth          int      `yaml:"max_depth" mapstructure:"max_depth"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	ExcludePaths      []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
}

// ScrapingConfig configures the bulk scraping phase.
type ScrapingConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// StrategyConfig configures scraping strategy selection.
type StrategyConfig struct {
	Forced      string `yaml:"forced" mapstructure:"forced"`
	TechMapPath string `yaml:"tech_map_path" mapstructure:"tech_map_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	EnrichTokens   int    `yaml:"enrich_tokens" mapstructure:"enrich_tokens"`
	GenerateTokens int    `yaml:"generate_tokens" mapstructure:"generate_tokens"`
}

// RetryConfig configures transient-error retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the LLM circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// DedupConfig configures the content deduplicator.
type DedupConfig struct {
	TTLHours  int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	Capacity  int    `yaml:"capacity" mapstructure:"capacity"`
	CacheFile string `yaml:"cache_file" mapstructure:"cache_file"`
}

// PipelineConfig configures unattended pipeline runs and the quality
// gate applied to every phase's output.
type PipelineConfig struct {
	AutoApprove     bool    `yaml:"auto_approve" mapstructure:"auto_approve"`
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOMAININTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "domain-intel.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.heartbeat_secs", 15)
	v.SetDefault("server.shutdown_secs", 10)
	v.SetDefault("server.phase_timeout_secs", 300)
	v.SetDefault("discovery.max_pages", 50)
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("discovery.requests_per_second", 2.0)
	v.SetDefault("discovery.timeout_secs", 15)
	v.SetDefault("discovery.exclude_paths", []string{})
	v.SetDefault("scraping.concurrency", 4)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.enrich_tokens", 1024)
	v.SetDefault("anthropic.generate_tokens", 4096)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("dedup.ttl_hours", 24)
	v.SetDefault("dedup.capacity", 10000)
	v.SetDefault("pipeline.review_threshold", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration can support the given run
// mode. Modes: "serve", "run", "cache".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, "store.driver must be sqlite, postgres, or memory")
	}

	if c.Scraping.Concurrency < 1 || c.Scraping.Concurrency > 64 {
		problems = append(problems, "scraping.concurrency must be between 1 and 64")
	}
	if c.Discovery.MaxPages < 1 {
		problems = append(problems, "discovery.max_pages must be > 0")
	}
	if c.Discovery.RequestsPerSecond <= 0 {
		problems = append(problems, "discovery.requests_per_second must be > 0")
	}
	if c.Pipeline.ReviewThreshold < 0 || c.Pipeline.ReviewThreshold > 1 {
		problems = append(problems, "pipeline.review_threshold must be between 0 and 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "run":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "cache":
		if c.Dedup.CacheFile == "" {
			problems = append(problems, "dedup.cache_file is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
