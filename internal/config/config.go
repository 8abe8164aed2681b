// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Retailer RetailerConfig `mapstructure:"retailer"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CrawlerConfig governs stage worker behavior.
type CrawlerConfig struct {
	MaxRetries          int `mapstructure:"max_retries"`
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds"`
	ClaimPollMs         int `mapstructure:"claim_poll_ms"`
	ProxyRetryDelayMs   int `mapstructure:"proxy_retry_delay_ms"`
	ProxyWaitMaxSeconds int `mapstructure:"proxy_wait_max_seconds"`
}

// ProxyConfig governs pool selection behavior.
type ProxyConfig struct {
	Strategy           string      `mapstructure:"strategy"`
	PreferPaid         bool        `mapstructure:"prefer_paid"`
	FailureThreshold   int         `mapstructure:"failure_threshold"`
	TestURL            string      `mapstructure:"test_url"`
	TestTimeoutSeconds int         `mapstructure:"test_timeout_seconds"`
	Seeds              []ProxySeed `mapstructure:"seeds"`
}

// ProxySeed provisions one proxy endpoint (and its provider) at
// startup.
type ProxySeed struct {
	ID             string  `mapstructure:"id"` // host:port
	Provider       string  `mapstructure:"provider"`
	Tier           string  `mapstructure:"tier"`
	Username       string  `mapstructure:"username"`
	Password       string  `mapstructure:"password"`
	CostPerRequest float64 `mapstructure:"cost_per_request"`
}

// BudgetConfig sets the default per-provider daily spend limit (USD).
type BudgetConfig struct {
	DailyLimit float64 `mapstructure:"daily_limit"`
}

// RetailerConfig identifies the target site and its seed categories.
type RetailerConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	UserAgent      string   `mapstructure:"user_agent"`
	SeedCategories []string `mapstructure:"seed_categories"`
}

// HeadlessConfig configures the chromedp fetcher used for
// JS-rendered product detail pages.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets the blob archive used for failed-parse pages.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for session lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
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
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.fetch_timeout_seconds", 15)
	v.SetDefault("crawler.claim_poll_ms", 250)
	v.SetDefault("crawler.proxy_retry_delay_ms", 500)
	v.SetDefault("crawler.proxy_wait_max_seconds", 30)
	v.SetDefault("proxy.strategy", "BEST_SUCCESS_RATE")
	v.SetDefault("proxy.prefer_paid", true)
	v.SetDefault("proxy.failure_threshold", 5)
	v.SetDefault("proxy.test_url", "https://httpbin.org/ip")
	v.SetDefault("proxy.test_timeout_seconds", 10)
	v.SetDefault("budget.daily_limit", 50.0)
	v.SetDefault("retailer.user_agent", "kitchen-compass-bot/1.0")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.prefix", "failed-pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	switch c.Proxy.Strategy {
	case "ROUND_ROBIN", "LEAST_USED", "BEST_SUCCESS_RATE":
	default:
		return fmt.Errorf("proxy.strategy %q is not one of ROUND_ROBIN, LEAST_USED, BEST_SUCCESS_RATE", c.Proxy.Strategy)
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	}
	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the configured fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// ClaimPoll is the delay between claim attempts on an idle queue.
func (c Config) ClaimPoll() time.Duration {
	return time.Duration(c.Crawler.ClaimPollMs) * time.Millisecond
}

// ProxyRetryDelay is the backoff between proxy acquisition attempts.
func (c Config) ProxyRetryDelay() time.Duration {
	return time.Duration(c.Crawler.ProxyRetryDelayMs) * time.Millisecond
}

// ProxyWaitMax bounds how long a worker waits for a proxy per item.
func (c Config) ProxyWaitMax() time.Duration {
	return time.Duration(c.Crawler.ProxyWaitMaxSeconds) * time.Second
}
