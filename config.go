package tracker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectorConfig holds collection server configuration
type CollectorConfig struct {
	URL            string        `yaml:"url"`
	MediaType      string        `yaml:"media_type"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UploadConfig holds delivery scheduling configuration
type UploadConfig struct {
	// Interval is the steady-state period between batch passes.
	Interval time.Duration `yaml:"interval"`
	// BulkThreshold is the number of cached non-instant events that forces
	// an immediate pass ahead of the timer.
	BulkThreshold int `yaml:"bulk_threshold"`
	// BatchSize caps the number of events per request.
	BatchSize int `yaml:"batch_size"`
	// BackoffFloor is the first retry delay after a failure.
	BackoffFloor time.Duration `yaml:"backoff_floor"`
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// CellularDailyLimitMB caps cellular bytes per calendar day. A negative
	// value disables the quota.
	CellularDailyLimitMB int `yaml:"cellular_daily_limit_mb"`
}

// StorageConfig holds local persistence configuration
type StorageConfig struct {
	// DataDir holds the event database, the shared state file and the lock
	// files.
	DataDir string `yaml:"data_dir"`
	// RetentionDays is how long undelivered events are kept before the age
	// purge removes them.
	RetentionDays int `yaml:"retention_days"`
	// PurgeInterval is the period of the age-purge timer.
	PurgeInterval time.Duration `yaml:"purge_interval"`
	// StateSlots is the fixed slot count of the shared state store.
	StateSlots int `yaml:"state_slots"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config represents the complete configuration for the tracker pipeline
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Upload    UploadConfig    `yaml:"upload"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Collector.MediaType == "" {
		cfg.Collector.MediaType = "application/json"
	}
	if cfg.Collector.RequestTimeout == 0 {
		cfg.Collector.RequestTimeout = 10 * time.Second
	}

	if cfg.Upload.Interval == 0 {
		cfg.Upload.Interval = 15 * time.Second
	}
	if cfg.Upload.BulkThreshold == 0 {
		cfg.Upload.BulkThreshold = 100
	}
	if cfg.Upload.BatchSize == 0 {
		cfg.Upload.BatchSize = 100
	}
	if cfg.Upload.BackoffFloor == 0 {
		cfg.Upload.BackoffFloor = 15 * time.Second
	}
	if cfg.Upload.MaxBackoff == 0 {
		cfg.Upload.MaxBackoff = 5 * time.Minute
	}
	if cfg.Upload.CellularDailyLimitMB == 0 {
		cfg.Upload.CellularDailyLimitMB = 10
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./tracker-data"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 7
	}
	if cfg.Storage.PurgeInterval == 0 {
		cfg.Storage.PurgeInterval = time.Hour
	}
	if cfg.Storage.StateSlots == 0 {
		cfg.Storage.StateSlots = 256
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Upload.Interval < time.Second {
		return fmt.Errorf("upload.interval must be at least 1s")
	}
	if c.Upload.BulkThreshold < 1 {
		return fmt.Errorf("upload.bulk_threshold must be positive")
	}
	if c.Upload.BatchSize < 1 {
		return fmt.Errorf("upload.batch_size must be positive")
	}
	if c.Upload.MaxBackoff < c.Upload.BackoffFloor {
		return fmt.Errorf("upload.max_backoff must not be below upload.backoff_floor")
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be positive")
	}
	if c.Storage.StateSlots < 16 {
		return fmt.Errorf("storage.state_slots must be at least 16")
	}
	return nil
}
