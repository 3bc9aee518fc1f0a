package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Direct     DirectConfig     `yaml:"direct" mapstructure:"direct"`
	Wordstat   WordstatConfig   `yaml:"wordstat" mapstructure:"wordstat"`
	Screenshot ServiceConfig    `yaml:"screenshot" mapstructure:"screenshot"`
	Renderer   ServiceConfig    `yaml:"renderer" mapstructure:"renderer"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Keyphrase  KeyphraseConfig  `yaml:"keyphrase" mapstructure:"keyphrase"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DirectConfig configures the ads-platform API client.
type DirectConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Language    string  `yaml:"language" mapstructure:"language"`
}

// WordstatConfig configures the keyword-statistics API client. Regions and
// Devices are the scope used when a caller passes none.
type WordstatConfig struct {
	BaseURL     string   `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Regions     []int64  `yaml:"regions" mapstructure:"regions"`
	Devices     []string `yaml:"devices" mapstructure:"devices"`
}

// ServiceConfig configures a plain HTTP collaborator.
type ServiceConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BlobConfig configures object storage for generated files.
type BlobConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// RetryConfig bounds retries of upstream calls.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier        float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	MaxRetryAfterSecs int     `yaml:"max_retry_after_secs" mapstructure:"max_retry_after_secs"`
}

// CircuitConfig configures per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ReportConfig configures report generation runs.
type ReportConfig struct {
	MaxAttempts          int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	FetchDeadlineSecs    int    `yaml:"fetch_deadline_secs" mapstructure:"fetch_deadline_secs"`
	GenerateDeadlineSecs int    `yaml:"generate_deadline_secs" mapstructure:"generate_deadline_secs"`
	TemplatesPath        string `yaml:"templates_path" mapstructure:"templates_path"`
	// LeaseSecs is how long a report may stay generating without a write
	// before batch processing fails it as abandoned. Zero disables recovery.
	LeaseSecs int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// FetchDeadline is the per-call deadline for upstream fetches.
func (r ReportConfig) FetchDeadline() time.Duration {
	return time.Duration(r.FetchDeadlineSecs) * time.Second
}

// GenerateDeadline is the per-artifact generator deadline.
func (r ReportConfig) GenerateDeadline() time.Duration {
	return time.Duration(r.GenerateDeadlineSecs) * time.Second
}

// Lease is the generating lease. Zero disables recovery.
func (r ReportConfig) Lease() time.Duration {
	return time.Duration(r.LeaseSecs) * time.Second
}

// ReconcileConfig selects the financial rollup policy.
type ReconcileConfig struct {
	FinancialPolicy string `yaml:"financial_policy" mapstructure:"financial_policy"`
}

// KeyphraseConfig configures keyphrase refresh.
type KeyphraseConfig struct {
	FreshnessHours int `yaml:"freshness_hours" mapstructure:"freshness_hours"`
}

// Freshness is how long an ingested count stays current.
func (k KeyphraseConfig) Freshness() time.Duration {
	return time.Duration(k.FreshnessHours) * time.Hour
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentReports int `yaml:"max_concurrent_reports" mapstructure:"max_concurrent_reports"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// MonitoringConfig configures the report backlog checker run by serve.
// A zero threshold disables its alert.
type MonitoringConfig struct {
	Enabled            bool   `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs  int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailedThreshold    int    `yaml:"failed_threshold" mapstructure:"failed_threshold"`
	ExhaustedThreshold int    `yaml:"exhausted_threshold" mapstructure:"exhausted_threshold"`
	PendingThreshold   int    `yaml:"pending_threshold" mapstructure:"pending_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ADREPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Fallbacks only. Retry bounds and the financial policy are deployment
	// policy and expected in config.yaml.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("direct.base_url", "https://api.direct.yandex.com/json/v5")
	v.SetDefault("direct.rate_per_sec", 5.0)
	v.SetDefault("direct.timeout_secs", 60)
	v.SetDefault("direct.language", "ru")
	v.SetDefault("wordstat.base_url", "https://api.wordstat.yandex.net/v1")
	v.SetDefault("wordstat.rate_per_sec", 10.0)
	v.SetDefault("wordstat.timeout_secs", 30)
	v.SetDefault("wordstat.devices", []string{"all"})
	v.SetDefault("screenshot.base_url", "http://localhost:3000")
	v.SetDefault("screenshot.timeout_secs", 60)
	v.SetDefault("renderer.base_url", "http://localhost:8090")
	v.SetDefault("renderer.timeout_secs", 120)
	v.SetDefault("blob.driver", "minio")
	v.SetDefault("blob.bucket", "reports")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.max_retry_after_secs", 120)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("report.max_attempts", 3)
	v.SetDefault("report.fetch_deadline_secs", 60)
	v.SetDefault("report.generate_deadline_secs", 300)
	v.SetDefault("report.templates_path", "templates.yaml")
	v.SetDefault("report.lease_secs", 1800)
	v.SetDefault("reconcile.financial_policy", "keep_total")
	v.SetDefault("keyphrase.freshness_hours", 168)
	v.SetDefault("batch.max_concurrent_reports", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "adreport")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.exhausted_threshold", 1)

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

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "store", "pipeline", "keyphrase", "serve".
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	storeChecks := func() {
		need(c.Store.Driver == "postgres" || c.Store.Driver == "sqlite",
			fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
		need(c.Store.Driver != "postgres" || c.Store.DatabaseURL != "", "store.database_url is required")
	}
	blobChecks := func() {
		if c.Blob.Driver == "memory" {
			return
		}
		need(c.Blob.Endpoint != "", "blob.endpoint is required")
		need(c.Blob.Bucket != "", "blob.bucket is required")
	}

	switch mode {
	case "store":
		storeChecks()
	case "pipeline":
		storeChecks()
		blobChecks()
		need(c.Direct.BaseURL != "", "direct.base_url is required")
		need(c.Renderer.BaseURL != "", "renderer.base_url is required")
		need(c.Report.MaxAttempts > 0, "report.max_attempts must be positive")
		need(c.Report.LeaseSecs == 0 || c.Report.LeaseSecs > c.Report.GenerateDeadlineSecs,
			"report.lease_secs must exceed report.generate_deadline_secs")
		need(c.Reconcile.FinancialPolicy != "", "reconcile.financial_policy is required")
	case "keyphrase":
		storeChecks()
		need(c.Wordstat.BaseURL != "", "wordstat.base_url is required")
		need(c.Keyphrase.FreshnessHours > 0, "keyphrase.freshness_hours must be positive")
	case "serve":
		need(c.Server.Port > 0 && c.Server.Port < 65536, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		need(!c.Monitoring.Enabled || c.Monitoring.CheckIntervalSecs > 0, "monitoring.check_interval_secs must be positive")
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
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
