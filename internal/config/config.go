package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the reconciler configuration
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Report   ReportConfig   `yaml:"report"`
	Polling  PollingConfig  `yaml:"polling"`
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// ProviderConfig holds the PayU merchant API settings
type ProviderConfig struct {
	LoginURL       string        `yaml:"login_url"`
	APIBaseURL     string        `yaml:"api_base_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MerchantID     string        `yaml:"merchant_id"`
	AccountID      string        `yaml:"account_id"`
	Language       string        `yaml:"language"`
	TimeZone       string        `yaml:"time_zone"`
	UserAgent      string        `yaml:"user_agent"`
	Origin         string        `yaml:"origin"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MaxRangeDays   int           `yaml:"max_range_days"`
}

// ReportConfig holds report window and parsing settings
type ReportConfig struct {
	DaysToFetch int    `yaml:"days_to_fetch"`
	Delimiter   string `yaml:"delimiter"`
	Encoding    string `yaml:"encoding"`
}

// PollingConfig bounds the report acquisition loop
type PollingConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// DatabaseConfig holds the relational store settings
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres or sqlite3
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ArchiveConfig controls where raw report artifacts are kept
type ArchiveConfig struct {
	GCSBucket string `yaml:"gcs_bucket"`
	Prefix    string `yaml:"prefix"`
	LocalDir  string `yaml:"local_dir"`
	KeepLocal bool   `yaml:"keep_local"`
}

// AuditConfig controls the BigQuery run audit table
type AuditConfig struct {
	BigQueryProject string `yaml:"bigquery_project"`
	Dataset         string `yaml:"dataset"`
	Table           string `yaml:"table"`
}

// LoggingConfig controls log level and output format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Port string `yaml:"port"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `yaml:"token"`
}

// ScheduleConfig controls the background worker
type ScheduleConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
}

// Defaults returns the configuration used when a key is not set.
func Defaults() Config {
	return Config{
		Provider: ProviderConfig{
			LoginURL:       "https://api.payulatam.com/secure-api/authorization/login",
			APIBaseURL:     "https://api.payulatam.com/secure-api",
			Language:       "es_co",
			TimeZone:       "America/Bogota",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
			Origin:         "https://merchants.payulatam.com",
			RequestTimeout: 60 * time.Second,
			SessionTTL:     30 * time.Minute,
			MaxRangeDays:   31,
		},
		Report: ReportConfig{
			DaysToFetch: 15,
			Delimiter:   ";",
			Encoding:    "utf-8",
		},
		Polling: PollingConfig{
			BaseDelay:   5 * time.Second,
			Multiplier:  1.5,
			MaxDelay:    30 * time.Second,
			Jitter:      0.1,
			MaxAttempts: 20,
			MaxElapsed:  10 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Table:        "payu_report",
			MaxOpenConns: 4,
		},
		Archive: ArchiveConfig{
			Prefix:   "payu-reports",
			LocalDir: "./temp_reports",
		},
		Audit: AuditConfig{
			Dataset: "finance",
			Table:   "reconciliation_runs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			Port: "8080",
		},
		Schedule: ScheduleConfig{
			Interval:   6 * time.Hour,
			MaxRetries: 2,
		},
	}
}

// Load reads the YAML file at path on top of Defaults, then applies
// environment overrides. A missing .env file is not an error; an empty path
// means defaults plus environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and deployment-specific values from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PAYU_USER":           &c.Provider.Username,
		"PAYU_PASS":           &c.Provider.Password,
		"PAYU_MERCHANT_ID":    &c.Provider.MerchantID,
		"PAYU_ACCOUNT_ID":     &c.Provider.AccountID,
		"DATABASE_DRIVER":     &c.Database.Driver,
		"DATABASE_DSN":        &c.Database.DSN,
		"GCS_BUCKET":          &c.Archive.GCSBucket,
		"TEMP_FOLDER":         &c.Archive.LocalDir,
		"BIGQUERY_PROJECT":    &c.Audit.BigQueryProject,
		"LOG_LEVEL":           &c.Logging.Level,
		"RECONCILE_API_PORT":  &c.API.Port,
		"RECONCILE_API_TOKEN": &c.API.Token,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PAYU_DAYS_TO_FETCH"); ok && v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAYU_DAYS_TO_FETCH: %w", err)
		}
		c.Report.DaysToFetch = days
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Provider.APIBaseURL == "" || c.Provider.LoginURL == "" {
		return fmt.Errorf("provider login_url and api_base_url are required")
	}
	if c.Provider.Username == "" || c.Provider.Password == "" {
		return fmt.Errorf("provider credentials are required (set PAYU_USER and PAYU_PASS)")
	}
	if c.Provider.MerchantID == "" || c.Provider.AccountID == "" {
		return fmt.Errorf("provider merchant_id and account_id are required")
	}
	if _, err := strconv.Atoi(c.Provider.MerchantID); err != nil {
		return fmt.Errorf("provider merchant_id must be numeric: %w", err)
	}
	if c.Report.DaysToFetch < 0 {
		return fmt.Errorf("days_to_fetch must not be negative")
	}
	return c.ValidateStore()
}

// ValidateStore checks only the settings needed to open the store, parse
// archived reports and drive the poll loop, for commands that never call
// the provider.
func (c *Config) ValidateStore() error {
	if len([]rune(c.Report.Delimiter)) != 1 {
		return fmt.Errorf("report delimiter must be a single character")
	}
	if c.Polling.BaseDelay <= 0 {
		return fmt.Errorf("polling base_delay must be positive")
	}
	if c.Polling.Multiplier < 1 {
		return fmt.Errorf("polling multiplier must be at least 1")
	}
	if c.Polling.MaxDelay < c.Polling.BaseDelay {
		return fmt.Errorf("polling max_delay must be at least base_delay")
	}
	if c.Polling.Jitter < 0 || c.Polling.Jitter >= 1 {
		return fmt.Errorf("polling jitter must be in [0, 1)")
	}
	if c.Polling.MaxAttempts < 1 && c.Polling.MaxElapsed <= 0 {
		return fmt.Errorf("polling needs max_attempts or max_elapsed")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("database driver %q is not supported (postgres, sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (set DATABASE_DSN)")
	}
	if c.Database.Table == "" {
		return fmt.Errorf("database table is required")
	}
	return nil
}
