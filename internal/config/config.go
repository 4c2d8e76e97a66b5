// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Renderer engines.
const (
	EngineHeadless = "headless"
	EngineColly    = "colly"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Blob archive backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	MaxBodyBytes           int `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl loop.
type CrawlerConfig struct {
	MaxPagesDefault        int     `mapstructure:"max_pages_default"`
	RenderTimeoutSeconds   int     `mapstructure:"render_timeout_seconds"`
	OptimizeTimeoutSeconds int     `mapstructure:"optimize_timeout_seconds"`
	UserAgent              string  `mapstructure:"user_agent"`
	RespectRobots          bool    `mapstructure:"respect_robots"`
	RateLimitRPS           float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst         int     `mapstructure:"rate_limit_burst"`
}

// RendererConfig selects and tunes the page renderer.
type RendererConfig struct {
	Engine            string `mapstructure:"engine"`
	ExecPath          string `mapstructure:"exec_path"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	IdleWaitMillis    int    `mapstructure:"idle_wait_ms"`
	FailOnHTTPError   bool   `mapstructure:"fail_on_http_error"`
	MaxBodyBytes      int    `mapstructure:"max_body_bytes"`
}

// OptimizerConfig configures the OpenAI-compatible optimizer backend.
type OptimizerConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	MaxInputBytes  int    `mapstructure:"max_input_bytes"`
	Referer        string `mapstructure:"referer"`
	Title          string `mapstructure:"title"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the record store and the raw-markup archive.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Blob      string `mapstructure:"blob"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	SessionsTable          string `mapstructure:"sessions_table"`
	PagesTable             string `mapstructure:"pages_table"`
	Migrate                bool   `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Without a
// project id, notifications on TopicName are kept by the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features. Level is a zap level name
// (debug, info, warn, error); empty keeps the mode's default.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 600)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.render_timeout_seconds", 30)
	v.SetDefault("crawler.optimize_timeout_seconds", 60)
	v.SetDefault("crawler.user_agent", "site-crawler/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 2)
	v.SetDefault("renderer.engine", EngineHeadless)
	v.SetDefault("renderer.exec_path", "")
	v.SetDefault("renderer.no_sandbox", false)
	v.SetDefault("renderer.nav_timeout_seconds", 25)
	v.SetDefault("renderer.idle_wait_ms", 2000)
	v.SetDefault("renderer.fail_on_http_error", false)
	v.SetDefault("renderer.max_body_bytes", 10<<20)
	v.SetDefault("optimizer.api_key", "")
	v.SetDefault("optimizer.model", "gpt-4o-mini")
	v.SetDefault("optimizer.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("optimizer.max_input_bytes", 60000)
	v.SetDefault("optimizer.referer", "")
	v.SetDefault("optimizer.title", "site-crawler")
	v.SetDefault("optimizer.timeout_seconds", 90)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.blob", BlobNone)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.sessions_table", "crawl_sessions")
	v.SetDefault("db.pages_table", "pages")
	v.SetDefault("db.migrate", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "crawl-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.RenderTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.render_timeout_seconds must be > 0")
	}
	if c.Crawler.OptimizeTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.optimize_timeout_seconds must be > 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	switch c.Renderer.Engine {
	case EngineHeadless, EngineColly:
	default:
		return fmt.Errorf("renderer.engine must be %q or %q, got %q", EngineHeadless, EngineColly, c.Renderer.Engine)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Storage.Backend)
	}
	switch c.Storage.Blob {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob is %q", BlobLocal)
		}
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob is %q", BlobGCS)
		}
	default:
		return fmt.Errorf("storage.blob must be one of none, memory, local, gcs, got %q", c.Storage.Blob)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// RequestTimeout is the per-request deadline applied by the HTTP server.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RenderTimeout bounds one page render.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Crawler.RenderTimeoutSeconds) * time.Second
}

// OptimizeTimeout bounds one optimizer call.
func (c Config) OptimizeTimeout() time.Duration {
	return time.Duration(c.Crawler.OptimizeTimeoutSeconds) * time.Second
}

// NavigationTimeout bounds one headless navigation.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Renderer.NavTimeoutSeconds) * time.Second
}

// IdleWait caps the wait for network idle after load.
func (c Config) IdleWait() time.Duration {
	return time.Duration(c.Renderer.IdleWaitMillis) * time.Millisecond
}

// OptimizerHTTPTimeout bounds the optimizer HTTP client.
func (c Config) OptimizerHTTPTimeout() time.Duration {
	return time.Duration(c.Optimizer.TimeoutSeconds) * time.Second
}

// MaxConnLifetime is the pgx pool connection lifetime.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}
