// Package config provides configuration loading for the collector binaries.
// Configuration merges three sources in priority order: environment variables
// override the JSON config file, which overrides built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`

	Storage StorageConfig `json:"storage"`
	API     APIConfig     `json:"api"`
	Archive ArchiveConfig `json:"archive"`
	Basis   BasisConfig   `json:"basis"`
	Logging LoggingConfig `json:"logging"`
}

// StorageConfig configures the bar sink.
type StorageConfig struct {
	// Type selects the backend: "duckdb" or "memory".
	Type string `json:"type" env:"STORAGE_TYPE"`

	// DatabasePath is the DuckDB file path, or ":memory:".
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"`
}

// APIConfig configures the BitMEX REST client.
type APIConfig struct {
	BaseURL string `json:"base_url" env:"BITMEX_BASE_URL"`

	// RequestIntervalSeconds is the minimum spacing between API requests.
	RequestIntervalSeconds int `json:"request_interval_seconds" env:"REQUEST_INTERVAL_SECONDS"`

	// MaxWindowDays caps a single paginated fetch window.
	MaxWindowDays int `json:"max_window_days" env:"MAX_WINDOW_DAYS"`
}

// ArchiveConfig configures trade archive discovery and ingestion.
type ArchiveConfig struct {
	RootURL     string `json:"root_url" env:"ARCHIVE_ROOT_URL"`
	Keyword     string `json:"keyword" env:"ARCHIVE_KEYWORD"`
	WorkerCount int    `json:"worker_count" env:"WORKER_COUNT"`
}

// BasisConfig configures the basis rate computation.
type BasisConfig struct {
	RootSymbol  string `json:"root_symbol" env:"ROOT_SYMBOL"`
	IndexSymbol string `json:"index_symbol" env:"INDEX_SYMBOL"`
	SwapSymbol  string `json:"swap_symbol" env:"SWAP_SYMBOL"`

	// LookbackYears is the default history window when no explicit range is
	// given.
	LookbackYears int `json:"lookback_years" env:"LOOKBACK_YEARS"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "bitmex-collector",
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabasePath: "./data/bitmex.db",
		},
		API: APIConfig{
			BaseURL:                "https://www.bitmex.com",
			RequestIntervalSeconds: 2,
			MaxWindowDays:          500,
		},
		Archive: ArchiveConfig{
			RootURL:     "https://public.bitmex.com",
			Keyword:     "trade",
			WorkerCount: 4,
		},
		Basis: BasisConfig{
			RootSymbol:    "XBT",
			IndexSymbol:   ".BXBT",
			SwapSymbol:    "XBTUSD",
			LookbackYears: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load builds the effective configuration. configPath may be empty; a missing
// file is not an error, only an unreadable or unparseable one is.
func Load(configPath string, logger *slog.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath, logger); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Debug("configuration loaded",
		"config_path", configPath,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)
	return config, nil
}

func loadFromFile(config *AppConfig, path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(config *AppConfig) {
	setString := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}
	setInt := func(key string, target *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*target = n
			}
		}
	}

	setString("APP_NAME", &config.AppName)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_PATH", &config.Storage.DatabasePath)

	setString("BITMEX_BASE_URL", &config.API.BaseURL)
	setInt("REQUEST_INTERVAL_SECONDS", &config.API.RequestIntervalSeconds)
	setInt("MAX_WINDOW_DAYS", &config.API.MaxWindowDays)

	setString("ARCHIVE_ROOT_URL", &config.Archive.RootURL)
	setString("ARCHIVE_KEYWORD", &config.Archive.Keyword)
	setInt("WORKER_COUNT", &config.Archive.WorkerCount)

	setString("ROOT_SYMBOL", &config.Basis.RootSymbol)
	setString("INDEX_SYMBOL", &config.Basis.IndexSymbol)
	setString("SWAP_SYMBOL", &config.Basis.SwapSymbol)
	setInt("LOOKBACK_YEARS", &config.Basis.LookbackYears)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)
}

// Validate checks the configuration for consistency.
func (c *AppConfig) Validate() error {
	var problems []string

	switch c.Storage.Type {
	case "duckdb":
		if c.Storage.DatabasePath == "" {
			problems = append(problems, "storage.database_path is required for DuckDB storage")
		}
	case "memory":
	default:
		problems = append(problems, "storage.type must be one of: duckdb, memory")
	}

	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.API.RequestIntervalSeconds <= 0 {
		problems = append(problems, "api.request_interval_seconds must be greater than 0")
	}
	if c.API.MaxWindowDays <= 0 {
		problems = append(problems, "api.max_window_days must be greater than 0")
	}

	if c.Archive.RootURL == "" {
		problems = append(problems, "archive.root_url is required")
	}
	if c.Archive.WorkerCount <= 0 {
		problems = append(problems, "archive.worker_count must be greater than 0")
	}

	if c.Basis.RootSymbol == "" {
		problems = append(problems, "basis.root_symbol is required")
	}
	if c.Basis.LookbackYears <= 0 {
		problems = append(problems, "basis.lookback_years must be greater than 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		problems = append(problems, "logging.format must be one of: json, text")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// String returns the configuration as indented JSON.
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
