// Package config provides centralized configuration management for the harvester.
// This module handles configuration loading from multiple sources (files, .env, environment
// variables), validation, and provides typed configuration structures for each component.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Default values mirrored by DefaultConfig.
const (
	DefaultAPIBaseURL      = "https://api.upstox.com/v3/historical-candle"
	DefaultInstrumentsURL  = "https://assets.upstox.com/market-quote/instruments/exchange/complete.json.gz"
	DefaultUserAgent       = "upstox-bulk-harvester/1.3-json"
	DefaultOutputDir       = "data_upstox_json"
	DefaultMaxConcurrency  = 6
	DefaultRequestsPerSec  = 4
	DefaultRetryCount      = 3
	DefaultRetryBackoff    = "1s"
	DefaultRequestTimeout  = "600s"
	DefaultTimezone        = "Asia/Kolkata"
	DefaultReplaceAttempts = 10
	MaxRetryCount          = 20
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	ConfigPath string `json:"-" yaml:"-" env:"HARVESTER_CONFIG"`

	API      APIConfig      `json:"api" yaml:"api"`
	Harvest  HarvestConfig  `json:"harvest" yaml:"harvest"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
}

// APIConfig configures the upstream candle API and instrument catalog
type APIConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" env:"HARVESTER_API_BASE_URL"`
	InstrumentsURL string `json:"instruments_url" yaml:"instruments_url" env:"HARVESTER_INSTRUMENTS_URL"`
	Token          string `json:"token" yaml:"token" env:"UPSTOX_API_TOKEN"` // Sent verbatim as the Authorization header
	UserAgent      string `json:"user_agent" yaml:"user_agent" env:"HARVESTER_USER_AGENT"`
	Timeout        string `json:"timeout" yaml:"timeout" env:"HARVESTER_HTTP_TIMEOUT"` // Total wall-clock timeout per request
}

// HarvestConfig configures fan-out, pacing and retries
type HarvestConfig struct {
	MaxConcurrency    int      `json:"max_concurrency" yaml:"max_concurrency" env:"HARVESTER_MAX_CONCURRENCY"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second" env:"HARVESTER_REQUESTS_PER_SECOND"`
	RetryCount        int      `json:"retry_count" yaml:"retry_count" env:"HARVESTER_RETRY_COUNT"`
	RetryBackoff      string   `json:"retry_backoff" yaml:"retry_backoff" env:"HARVESTER_RETRY_BACKOFF"` // First retry delay, doubled per attempt
	Timezone          string   `json:"timezone" yaml:"timezone" env:"HARVESTER_TIMEZONE"`                // Location used to compute "today"
	Timeframes        []string `json:"timeframes" yaml:"timeframes" env:"HARVESTER_TIMEFRAMES"`          // Optional subset of the catalog, "unit|interval"
}

// StorageConfig configures the document store
type StorageConfig struct {
	OutputDir           string `json:"output_dir" yaml:"output_dir" env:"HARVESTER_OUTPUT_DIR"`
	ReplaceAttempts     int    `json:"replace_attempts" yaml:"replace_attempts" env:"HARVESTER_REPLACE_ATTEMPTS"`
	ReplaceInitialDelay string `json:"replace_initial_delay" yaml:"replace_initial_delay" env:"HARVESTER_REPLACE_INITIAL_DELAY"`
	ReplaceMaxDelay     string `json:"replace_max_delay" yaml:"replace_max_delay" env:"HARVESTER_REPLACE_MAX_DELAY"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL"`                   // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT"`                // Log format: json, text
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`                // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`       // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"LOG_MAX_SIZE"`          // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"LOG_MAX_AGE"`             // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress" env:"LOG_COMPRESS"`          // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`                 // Additional context fields
}

// ScheduleConfig configures repeated harvests
type ScheduleConfig struct {
	Interval string `json:"interval" yaml:"interval" env:"HARVESTER_SCHEDULE_INTERVAL"` // Empty or "0" runs once
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env values fill unset ones)
// 2. Configuration file (JSON or YAML)
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	LoadDotenv()

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded successfully",
		"config_path", cm.configPath,
		"output_dir", config.Storage.OutputDir,
		"max_concurrency", config.Harvest.MaxConcurrency,
		"requests_per_second", config.Harvest.RequestsPerSecond,
		"authorized", config.API.Token != "")

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string

	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	// API config
	setString("HARVESTER_API_BASE_URL", &config.API.BaseURL)
	setString("HARVESTER_INSTRUMENTS_URL", &config.API.InstrumentsURL)
	setString("HARVESTER_USER_AGENT", &config.API.UserAgent)
	setString("HARVESTER_HTTP_TIMEOUT", &config.API.Timeout)
	if val := os.Getenv("UPSTOX_API_TOKEN"); val != "" {
		config.API.Token = val
	} else if val := os.Getenv("API_TOKEN"); val != "" {
		config.API.Token = val
	}

	// Harvest config
	setInt("HARVESTER_MAX_CONCURRENCY", &config.Harvest.MaxConcurrency)
	setInt("HARVESTER_RETRY_COUNT", &config.Harvest.RetryCount)
	setString("HARVESTER_RETRY_BACKOFF", &config.Harvest.RetryBackoff)
	setString("HARVESTER_TIMEZONE", &config.Harvest.Timezone)
	if val := os.Getenv("HARVESTER_REQUESTS_PER_SECOND"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("HARVESTER_REQUESTS_PER_SECOND: %v", err))
		} else {
			config.Harvest.RequestsPerSecond = rps
		}
	}
	if val := os.Getenv("HARVESTER_TIMEFRAMES"); val != "" {
		config.Harvest.Timeframes = splitList(val)
	}

	// Storage config
	setString("HARVESTER_OUTPUT_DIR", &config.Storage.OutputDir)
	setInt("HARVESTER_REPLACE_ATTEMPTS", &config.Storage.ReplaceAttempts)
	setString("HARVESTER_REPLACE_INITIAL_DELAY", &config.Storage.ReplaceInitialDelay)
	setString("HARVESTER_REPLACE_MAX_DELAY", &config.Storage.ReplaceMaxDelay)

	// Logging config
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)
	setInt("LOG_MAX_SIZE", &config.Logging.MaxSize)
	setInt("LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	setInt("LOG_MAX_AGE", &config.Logging.MaxAge)
	if val := os.Getenv("LOG_COMPRESS"); val != "" {
		config.Logging.Compress = val == "true"
	}

	setString("HARVESTER_SCHEDULE_INTERVAL", &config.Schedule.Interval)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, "; "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// API
	if config.API.BaseURL == "" {
		errors = append(errors, "api.base_url is required")
	}
	if config.API.InstrumentsURL == "" {
		errors = append(errors, "api.instruments_url is required")
	}
	if _, err := parsePositiveDuration(config.API.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("api.timeout is not a valid duration: %v", err))
	}

	// Harvest
	if config.Harvest.MaxConcurrency <= 0 {
		errors = append(errors, "harvest.max_concurrency must be greater than 0")
	}
	if config.Harvest.RequestsPerSecond <= 0 {
		errors = append(errors, "harvest.requests_per_second must be greater than 0")
	}
	if config.Harvest.RetryCount <= 0 {
		errors = append(errors, "harvest.retry_count must be greater than 0")
	} else if config.Harvest.RetryCount > MaxRetryCount {
		errors = append(errors, fmt.Sprintf("harvest.retry_count must be at most %d", MaxRetryCount))
	}
	if _, err := parsePositiveDuration(config.Harvest.RetryBackoff); err != nil {
		errors = append(errors, fmt.Sprintf("harvest.retry_backoff is not a valid duration: %v", err))
	}
	if config.Harvest.Timezone != "" {
		if _, err := time.LoadLocation(config.Harvest.Timezone); err != nil {
			errors = append(errors, fmt.Sprintf("harvest.timezone is not a known location: %v", err))
		}
	}
	for _, tf := range config.Harvest.Timeframes {
		if !strings.Contains(tf, "|") {
			errors = append(errors, fmt.Sprintf("harvest.timeframes entry %q must look like unit|interval", tf))
		}
	}

	// Storage
	if config.Storage.OutputDir == "" {
		errors = append(errors, "storage.output_dir is required")
	}
	if config.Storage.ReplaceAttempts <= 0 {
		errors = append(errors, "storage.replace_attempts must be greater than 0")
	}
	if _, err := parsePositiveDuration(config.Storage.ReplaceInitialDelay); err != nil {
		errors = append(errors, fmt.Sprintf("storage.replace_initial_delay is not a valid duration: %v", err))
	}
	if _, err := parsePositiveDuration(config.Storage.ReplaceMaxDelay); err != nil {
		errors = append(errors, fmt.Sprintf("storage.replace_max_delay is not a valid duration: %v", err))
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	// Schedule
	if _, err := config.ScheduleInterval(); err != nil {
		errors = append(errors, fmt.Sprintf("schedule.interval is not a valid duration: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		API: APIConfig{
			BaseURL:        DefaultAPIBaseURL,
			InstrumentsURL: DefaultInstrumentsURL,
			UserAgent:      DefaultUserAgent,
			Timeout:        DefaultRequestTimeout,
		},
		Harvest: HarvestConfig{
			MaxConcurrency:    DefaultMaxConcurrency,
			RequestsPerSecond: DefaultRequestsPerSec,
			RetryCount:        DefaultRetryCount,
			RetryBackoff:      DefaultRetryBackoff,
			Timezone:          DefaultTimezone,
		},
		Storage: StorageConfig{
			OutputDir:           DefaultOutputDir,
			ReplaceAttempts:     DefaultReplaceAttempts,
			ReplaceInitialDelay: "50ms",
			ReplaceMaxDelay:     "1s",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        "stdout",
			FilePath:      "./logs/harvester.log",
			MaxSize:       100,
			MaxBackups:    3,
			MaxAge:        28,
			Compress:      true,
			ContextFields: map[string]string{},
		},
	}
}

// RequestTimeout returns the per-request timeout
func (c *AppConfig) RequestTimeout() time.Duration {
	d, _ := parsePositiveDuration(c.API.Timeout)
	return d
}

// RetryBackoff returns the delay before the first retry
func (c *AppConfig) RetryBackoff() time.Duration {
	d, _ := parsePositiveDuration(c.Harvest.RetryBackoff)
	return d
}

// ReplaceDelays returns the initial and maximum delays for atomic replace retries
func (c *AppConfig) ReplaceDelays() (time.Duration, time.Duration) {
	initial, _ := parsePositiveDuration(c.Storage.ReplaceInitialDelay)
	maxDelay, _ := parsePositiveDuration(c.Storage.ReplaceMaxDelay)
	return initial, maxDelay
}

// ScheduleInterval returns the interval between harvests, zero meaning run once
func (c *AppConfig) ScheduleInterval() (time.Duration, error) {
	if c.Schedule.Interval == "" || c.Schedule.Interval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Schedule.Interval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative interval %s", d)
	}
	return d, nil
}

// Location returns the timezone used to decide the current trading date
func (c *AppConfig) Location() *time.Location {
	if c.Harvest.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Harvest.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// String returns a string representation of the configuration (without sensitive data)
func (c *AppConfig) String() string {
	token := "<unset>"
	if c.API.Token != "" {
		token = "<redacted>"
	}
	return fmt.Sprintf("AppConfig{BaseURL: %s, Token: %s, OutputDir: %s, MaxConcurrency: %d, RequestsPerSecond: %g, RetryCount: %d, LogLevel: %s}",
		c.API.BaseURL, token, c.Storage.OutputDir, c.Harvest.MaxConcurrency,
		c.Harvest.RequestsPerSecond, c.Harvest.RetryCount, c.Logging.Level)
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be positive", s)
	}
	return d, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
