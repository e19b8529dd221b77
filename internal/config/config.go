// Package config loads census-cli settings from config.yaml, a .env file and
// CENSUS_* environment variables, and installs the global logger.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/census-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Download DownloadConfig `yaml:"download" mapstructure:"download"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// APIConfig configures the survey API client.
type APIConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Survey            string  `yaml:"survey" mapstructure:"survey"`
	Estimate          int     `yaml:"estimate" mapstructure:"estimate"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// CacheConfig configures the on-disk table cache.
type CacheConfig struct {
	Root      string `yaml:"root" mapstructure:"root"`
	Extension string `yaml:"extension" mapstructure:"extension"`
}

// DownloadConfig configures the downloader.
type DownloadConfig struct {
	DelayMs      int    `yaml:"delay_ms" mapstructure:"delay_ms"`
	Workers      int    `yaml:"workers" mapstructure:"workers"`
	CancelPolicy string `yaml:"cancel_policy" mapstructure:"cancel_policy"`
}

// Delay is the minimum spacing between request starts.
func (d DownloadConfig) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}

// RetryConfig configures retries of failed API attempts.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	StatusCodes      []int   `yaml:"status_codes" mapstructure:"status_codes"`
	// BreakerThreshold opens the API breaker after this many consecutive
	// outage failures. Zero disables it.
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCoolDownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// Policy converts the settings to a resilience policy.
func (r RetryConfig) Policy() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction, r.StatusCodes)
}

// Breaker builds the API breaker, nil when disabled.
func (r RetryConfig) Breaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: r.BreakerThreshold,
		CoolDown:  time.Duration(r.BreakerCoolDownSecs) * time.Second,
	})
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// Enabled reports whether runs are recorded.
func (s StoreConfig) Enabled() bool { return s.Driver != "" && s.Driver != "none" }

// CatalogConfig locates the table catalog.
type CatalogConfig struct {
	Path           string `yaml:"path" mapstructure:"path"`
	LabelTolerance int    `yaml:"label_tolerance" mapstructure:"label_tolerance"`
}

// PipelineConfig locates the pipeline definitions.
type PipelineConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the progress API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads .env, then configuration from file and environment.
func Load() (*Config, error) {
	// Existing environment variables win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.key", "")
	v.SetDefault("api.base_url", "https://api.census.gov")
	v.SetDefault("api.survey", "")
	v.SetDefault("api.estimate", 5)
	v.SetDefault("api.timeout_secs", 60)
	v.SetDefault("api.requests_per_second", 5)
	v.SetDefault("cache.root", "census-cache")
	v.SetDefault("cache.extension", "csv")
	v.SetDefault("download.delay_ms", 10000)
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.cancel_policy", "abandon")
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 300)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("retry.status_codes", []int{429, 500, 502, 504})
	v.SetDefault("retry.breaker_threshold", 0)
	v.SetDefault("retry.breaker_cooldown_secs", 60)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "census-runs.db")
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.label_tolerance", 2)
	v.SetDefault("pipeline.path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that required fields are present for the given mode.
// Modes: "download", "pipeline", "serve", "runs".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "download", "pipeline":
		errs = append(errs, c.validateDownload()...)
	case "serve":
		errs = append(errs, c.validateDownload()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "runs":
		if !c.Store.Enabled() {
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite, postgres or none")
	}
	if c.Store.Enabled() && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateDownload() []string {
	var errs []string
	if c.Cache.Root == "" {
		errs = append(errs, "cache.root is required")
	}
	switch c.API.Estimate {
	case 1, 3, 5:
	default:
		errs = append(errs, "api.estimate must be 1, 3 or 5")
	}
	if c.Download.Workers < 1 || c.Download.Workers > 64 {
		errs = append(errs, "download.workers must be between 1 and 64")
	}
	if c.Download.DelayMs < 0 {
		errs = append(errs, "download.delay_ms must be >= 0")
	}
	if c.Download.CancelPolicy != "abandon" && c.Download.CancelPolicy != "drain" {
		errs = append(errs, "download.cancel_policy must be abandon or drain")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.BreakerThreshold < 0 {
		errs = append(errs, "retry.breaker_threshold must be >= 0")
	}
	return errs
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
