// Package config loads and validates permit crawler configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// YearPlan bounds one permit year: sequences above CompleteAt do not exist.
type YearPlan struct {
	Year       int `mapstructure:"year"`
	CompleteAt int `mapstructure:"complete_at"`
}

// CrawlerConfig governs key enumeration and the engine stop policy.
type CrawlerConfig struct {
	BaseURL                string     `mapstructure:"base_url"`
	StartYear              int        `mapstructure:"start_year"`
	RecordType             int        `mapstructure:"record_type"`
	Years                  []YearPlan `mapstructure:"years"`
	MaxConsecutiveFailures int        `mapstructure:"max_consecutive_failures"`
	MaxConsecutiveNoData   int        `mapstructure:"max_consecutive_no_data"`
	BatchSize              int        `mapstructure:"batch_size"`
	RequestDelayMs         int        `mapstructure:"request_delay_ms"`
	MaxCrawlPerRun         int        `mapstructure:"max_crawl_per_run"`
	AutoStop               bool       `mapstructure:"auto_stop"`
}

// HTTPConfig configures the session ladder.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	BackoffStepMs     int     `mapstructure:"backoff_step_ms"`
	ReloadWaitMs      int     `mapstructure:"reload_wait_ms"`
	MarkerRetryWaitMs int     `mapstructure:"marker_retry_wait_ms"`
	UserAgent         string  `mapstructure:"user_agent"`
	MaxRPS            float64 `mapstructure:"max_rps"`
}

// HeadlessConfig configures the chromedp fallback fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// StorageConfig selects the object backend and the snapshot/log paths.
type StorageConfig struct {
	Backend       string   `mapstructure:"backend"`
	BaseDir       string   `mapstructure:"base_dir"`
	GCSBucket     string   `mapstructure:"gcs_bucket"`
	Prefix        string   `mapstructure:"prefix"`
	SnapshotPaths []string `mapstructure:"snapshot_paths"`
	LogPaths      []string `mapstructure:"log_paths"`
	ArchiveRaw    bool     `mapstructure:"archive_raw"`
}

// Relational index drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DBConfig controls the optional relational record index.
type DBConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig drives the periodic planned run.
type ScheduleConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// DispatcherConfig sizes the run queue and worker pool.
type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// legacyEnv maps config keys to the bare environment names older
// deployments export.
var legacyEnv = map[string]string{
	"crawler.start_year":               "START_YEAR",
	"crawler.record_type":              "CRAWL_TYPE",
	"crawler.max_consecutive_failures": "MAX_CONSECUTIVE_FAILURES",
	"crawler.max_consecutive_no_data":  "MAX_CONSECUTIVE_NO_DATA",
	"crawler.batch_size":               "BATCH_SIZE",
	"crawler.request_delay_ms":         "REQUEST_DELAY_MS",
	"crawler.max_crawl_per_run":        "MAX_CRAWL_PER_RUN",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, name := range legacyEnv {
		// Prefixed names win; the bare name is consulted second.
		if err := v.BindEnv(key, "PERMIT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

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
	if len(cfg.Crawler.Years) == 0 {
		cfg.Crawler.Years = DefaultYears()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultYears is the completion table for the years currently tracked.
func DefaultYears() []YearPlan {
	return []YearPlan{
		{Year: 114, CompleteAt: 1138},
		{Year: 113, CompleteAt: 2201},
		{Year: 112, CompleteAt: 2039},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.base_url", "https://mcgbm.taichung.gov.tw/bupic/pages/queryInfoAction.do")
	v.SetDefault("crawler.start_year", 114)
	v.SetDefault("crawler.record_type", 1)
	v.SetDefault("crawler.max_consecutive_failures", 5)
	v.SetDefault("crawler.max_consecutive_no_data", 20)
	v.SetDefault("crawler.batch_size", 30)
	v.SetDefault("crawler.request_delay_ms", 800)
	v.SetDefault("crawler.max_crawl_per_run", 50)
	v.SetDefault("crawler.auto_stop", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base_ms", 3000)
	v.SetDefault("http.backoff_step_ms", 1000)
	v.SetDefault("http.reload_wait_ms", 2000)
	v.SetDefault("http.marker_retry_wait_ms", 1500)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("http.max_rps", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", ".")
	v.SetDefault("storage.snapshot_paths", []string{"permits.json", "data/permits.json", "all_permits.json"})
	v.SetDefault("storage.log_paths", []string{"crawl-logs.json", "data/crawl-logs.json"})
	v.SetDefault("storage.archive_raw", false)
	v.SetDefault("db.table_prefix", "")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", 24*time.Hour)
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("dispatcher.concurrency", 1)
	v.SetDefault("dispatcher.queue_depth", 16)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.BaseURL == "" {
		return fmt.Errorf("crawler.base_url must be set")
	}
	if c.Crawler.StartYear < 100 || c.Crawler.StartYear > 999 {
		return fmt.Errorf("crawler.start_year must be a 3-digit year, got %d", c.Crawler.StartYear)
	}
	if c.Crawler.RecordType < 0 || c.Crawler.RecordType > 9 {
		return fmt.Errorf("crawler.record_type must be a single digit, got %d", c.Crawler.RecordType)
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.MaxCrawlPerRun <= 0 {
		return fmt.Errorf("crawler.max_crawl_per_run must be > 0")
	}
	if c.Crawler.MaxConsecutiveFailures <= 0 || c.Crawler.MaxConsecutiveNoData <= 0 {
		return fmt.Errorf("crawler.max_consecutive_failures and crawler.max_consecutive_no_data must be > 0")
	}
	if c.Crawler.RequestDelayMs < 0 {
		return fmt.Errorf("crawler.request_delay_ms must be >= 0")
	}
	for _, y := range c.Crawler.Years {
		if y.Year < 100 || y.Year > 999 || y.CompleteAt <= 0 {
			return fmt.Errorf("crawler.years entry %+v is invalid", y)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if len(c.Storage.SnapshotPaths) == 0 || len(c.Storage.LogPaths) == 0 {
		return fmt.Errorf("storage.snapshot_paths and storage.log_paths must not be empty")
	}
	switch c.DB.Driver {
	case "":
	case DriverPostgres, DriverSQLite:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is %q", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	if c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0 when the schedule is enabled")
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be > 0")
	}
	return nil
}

// RequestDelay is the pause between consecutive keys.
func (c Config) RequestDelay() time.Duration {
	return time.Duration(c.Crawler.RequestDelayMs) * time.Millisecond
}

// FetchTimeout bounds a single HTTP exchange.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SortedYears returns the year plan newest first.
func (c Config) SortedYears() []YearPlan {
	years := append([]YearPlan(nil), c.Crawler.Years...)
	sort.Slice(years, func(i, j int) bool { return years[i].Year > years[j].Year })
	return years
}
