package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Config holds process-level configuration, read once at startup.
//
// Environment Variables:
// - TUBEGRAB_DB_PATH: sqlite database file (default: <data dir>/tubegrab.db)
// - TUBEGRAB_DATA_DIR: base data directory (default: /data)
// - TUBEGRAB_LISTEN_ADDR: HTTP listen address (default: :8090)
// - TUBEGRAB_YTDLP_PATH: downloader binary (default: yt-dlp on PATH)
// - TUBEGRAB_JANITOR_CRON: orphan-sweep schedule (default: @every 10m)
// - TUBEGRAB_LOG_LEVEL: debug, info, warn, error (default: info)
type Config struct {
	DataDir     string `json:"data_dir"`
	DBPath      string `json:"db_path"`
	ListenAddr  string `json:"listen_addr"`
	YTDLPPath   string `json:"ytdlp_path"`
	JanitorCron string `json:"janitor_cron"`
	LogLevel    string `json:"log_level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment
// variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("TUBEGRAB_DATA_DIR", "/data")
	config := &Config{
		DataDir:     dataDir,
		DBPath:      getEnvString("TUBEGRAB_DB_PATH", filepath.Join(dataDir, "tubegrab.db")),
		ListenAddr:  getEnvString("TUBEGRAB_LISTEN_ADDR", ":8090"),
		YTDLPPath:   getEnvString("TUBEGRAB_YTDLP_PATH", "yt-dlp"),
		JanitorCron: getEnvString("TUBEGRAB_JANITOR_CRON", "@every 10m"),
		LogLevel:    getEnvString("TUBEGRAB_LOG_LEVEL", "info"),
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("TUBEGRAB_DB_PATH is required")
	}
	if _, err := cron.ParseStandard(c.JanitorCron); err != nil {
		return fmt.Errorf("invalid TUBEGRAB_JANITOR_CRON: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
