package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"depthflow/models"
)

type Config struct {
	Depthflow   DepthflowConfig     `yaml:"depthflow"`
	Channels    ChannelsConfig      `yaml:"channels"`
	Feed        FeedConfig          `yaml:"feed"`
	Book        BookConfig          `yaml:"book"`
	Analytics   AnalyticsConfig     `yaml:"analytics"`
	Writer      WriterConfig        `yaml:"writer"`
	Storage     StorageConfig       `yaml:"storage"`
	API         APIConfig           `yaml:"api"`
	Metrics     MetricsConfig       `yaml:"metrics"`
	Logging     LoggingConfig       `yaml:"logging"`
	Instruments []models.Instrument `yaml:"instruments"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer   int `yaml:"event_buffer"`
	SampleBuffer  int `yaml:"sample_buffer"`
	CaptureBuffer int `yaml:"capture_buffer"`
}

type FeedConfig struct {
	URL             string      `yaml:"url"`
	ReadTimeout     Duration    `yaml:"read_timeout"`
	Reconnect       RetryConfig `yaml:"reconnect"`
	SnapshotLimit   int         `yaml:"snapshot_limit"`
	SnapshotRPS     int         `yaml:"snapshot_rps"`
	SnapshotBurst   int         `yaml:"snapshot_burst"`
	BinanceEnabled  bool        `yaml:"binance_enabled"`
	BinanceInterval Duration    `yaml:"binance_interval"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

type BookConfig struct {
	WorkerBuffer int      `yaml:"worker_buffer"`
	StaleAfter   Duration `yaml:"stale_after"`
}

type AnalyticsConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	DepthLevels   int      `yaml:"depth_levels"`
	VolWindow     int      `yaml:"vol_window"`
	VolMinSamples int      `yaml:"vol_min_samples"`
	BandTicks     int      `yaml:"band_ticks"`
	CaptureEvery  Duration `yaml:"capture_every"`
}

type WriterConfig struct {
	MaxWorkers   int         `yaml:"max_workers"`
	BatchSize    int         `yaml:"batch_size"`
	BatchTimeout Duration    `yaml:"batch_timeout"`
	DrainTimeout Duration    `yaml:"drain_timeout"`
	ArchiveEvery Duration    `yaml:"archive_every"`
	Retry        RetryConfig `yaml:"retry"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
	ReportEvery Duration         `yaml:"report_every"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Duration wraps time.Duration so yaml values like "5s" parse. yaml.v3 only
// decodes integers into a bare time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides for credentials and endpoints.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Analytics.TickInterval.Duration <= 0 {
		cfg.Analytics.TickInterval.Duration = time.Second
	}
	if cfg.Analytics.DepthLevels <= 0 {
		cfg.Analytics.DepthLevels = 10
	}
	if cfg.Analytics.VolWindow <= 0 {
		cfg.Analytics.VolWindow = 60
	}
	if cfg.Analytics.VolMinSamples < 2 {
		cfg.Analytics.VolMinSamples = 2
	}
	if cfg.Analytics.BandTicks <= 0 {
		cfg.Analytics.BandTicks = 100
	}
	if cfg.Book.WorkerBuffer <= 0 {
		cfg.Book.WorkerBuffer = 256
	}
	if cfg.Book.StaleAfter.Duration <= 0 {
		cfg.Book.StaleAfter.Duration = 10 * time.Second
	}
	if cfg.Writer.MaxWorkers <= 0 {
		cfg.Writer.MaxWorkers = 2
	}
	if cfg.Writer.BatchSize <= 0 {
		cfg.Writer.BatchSize = 100
	}
	if cfg.Writer.BatchTimeout.Duration <= 0 {
		cfg.Writer.BatchTimeout.Duration = 2 * time.Second
	}
	if cfg.Writer.DrainTimeout.Duration <= 0 {
		cfg.Writer.DrainTimeout.Duration = 10 * time.Second
	}
	if cfg.Writer.ArchiveEvery.Duration <= 0 {
		cfg.Writer.ArchiveEvery.Duration = time.Minute
	}
	if cfg.Writer.Retry.MaxAttempts <= 0 {
		cfg.Writer.Retry.MaxAttempts = 3
	}
	if cfg.Writer.Retry.BaseDelay.Duration <= 0 {
		cfg.Writer.Retry.BaseDelay.Duration = 200 * time.Millisecond
	}
	if cfg.Writer.Retry.MaxDelay.Duration <= 0 {
		cfg.Writer.Retry.MaxDelay.Duration = 5 * time.Second
	}
	if cfg.Writer.Retry.BackoffMultiplier <= 1 {
		cfg.Writer.Retry.BackoffMultiplier = 2
	}
	if cfg.Feed.Reconnect.BaseDelay.Duration <= 0 {
		cfg.Feed.Reconnect.BaseDelay.Duration = time.Second
	}
	if cfg.Feed.Reconnect.MaxDelay.Duration <= 0 {
		cfg.Feed.Reconnect.MaxDelay.Duration = 30 * time.Second
	}
	if cfg.Feed.Reconnect.BackoffMultiplier <= 1 {
		cfg.Feed.Reconnect.BackoffMultiplier = 2
	}
	if cfg.Feed.SnapshotRPS <= 0 {
		cfg.Feed.SnapshotRPS = 5
	}
	if cfg.Feed.SnapshotBurst <= 0 {
		cfg.Feed.SnapshotBurst = cfg.Feed.SnapshotRPS
	}
	if cfg.Metrics.ReportEvery.Duration <= 0 {
		cfg.Metrics.ReportEvery.Duration = 30 * time.Second
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}
	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.SampleBuffer <= 0 {
		return fmt.Errorf("channels.sample_buffer must be greater than 0")
	}
	if cfg.Channels.CaptureBuffer <= 0 {
		return fmt.Errorf("channels.capture_buffer must be greater than 0")
	}
	if len(cfg.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument symbol must not be empty")
		}
		if _, dup := seen[inst.Symbol]; dup {
			return fmt.Errorf("duplicate instrument %q", inst.Symbol)
		}
		seen[inst.Symbol] = struct{}{}
		if inst.TickSize <= 0 {
			return fmt.Errorf("instrument %s: tick_size must be greater than 0", inst.Symbol)
		}
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}
	if cfg.API.Enabled && cfg.API.Address == "" {
		return fmt.Errorf("api.address is required when the API is enabled")
	}
	return nil
}

// Instrument looks an instrument up by symbol.
func (c *Config) Instrument(symbol string) (models.Instrument, bool) {
	for _, inst := range c.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return models.Instrument{}, false
}

// Symbols returns the configured instrument symbols in declaration order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}
