package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"neurofleet/internal/storage"
)

const (
	defaultListenAddr = ":8080"
	defaultStore      = "memory"
	defaultDBPath     = "neurofleet.db"
	defaultS3Prefix   = "neurofleet"

	envListenAddr  = "NEUROFLEET_LISTEN_ADDR"
	envLogLevel    = "NEUROFLEET_LOG_LEVEL"
	envStore       = "NEUROFLEET_STORE"
	envDBPath      = "NEUROFLEET_DB_PATH"
	envPostgresDSN = "NEUROFLEET_POSTGRES_DSN"
	envS3Bucket    = "NEUROFLEET_S3_BUCKET"
	envS3Region    = "NEUROFLEET_S3_REGION"
	envS3Endpoint  = "NEUROFLEET_S3_ENDPOINT"
	envS3Prefix    = "NEUROFLEET_S3_PREFIX"
	envS3PathStyle = "NEUROFLEET_S3_PATH_STYLE"
)

// Config holds process configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	LogLevel    slog.Level
	Store       string
	DBPath      string
	PostgresDSN string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3PathStyle bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		Store:      defaultStore,
		DBPath:     defaultDBPath,
		S3Prefix:   defaultS3Prefix,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envStore); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envPostgresDSN); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv(envS3Bucket); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv(envS3Region); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv(envS3Endpoint); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv(envS3Prefix); v != "" {
		cfg.S3Prefix = v
	}
	if v := os.Getenv(envS3PathStyle); v != "" {
		cfg.S3PathStyle, _ = strconv.ParseBool(v)
	}

	return cfg
}

// StoreOptions maps the process configuration onto storage backend options.
func (c Config) StoreOptions() storage.Options {
	return storage.Options{
		SQLitePath:  c.DBPath,
		PostgresDSN: c.PostgresDSN,
		S3: storage.S3Config{
			Region:    c.S3Region,
			Bucket:    c.S3Bucket,
			Prefix:    c.S3Prefix,
			Endpoint:  c.S3Endpoint,
			PathStyle: c.S3PathStyle,
		},
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
