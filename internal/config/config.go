// Package config collects medtrace runtime settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Storage selects and configures the ledger persistence backend.
type Storage struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	RedisKey    string
}

// Blob selects and configures the archive blob store.
type Blob struct {
	Driver        string
	FSRoot        string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3Prefix      string
	S3PathStyle   bool
	S3AccessKeyID string
	S3SecretKey   string
}

// Log configures the process logger.
type Log struct {
	Level  string
	Format string
}

// Config is the full runtime configuration.
type Config struct {
	Addr          string
	Deployer      string
	JWTSigningKey string
	Storage       Storage
	Blob          Blob
	Log           Log
}

// DevJWTSigningKey is used when MEDTRACE_JWT_SIGNING_KEY is unset.
const DevJWTSigningKey = "dev-secret-key-change-in-production"

// FromEnv builds a Config from process environment variables.
func FromEnv() Config {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using lookup to resolve variables.
func FromLookup(lookup func(string) (string, bool)) Config {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}
	pathStyle, _ := strconv.ParseBool(get("MEDTRACE_BLOB_S3_PATH_STYLE", "false"))
	return Config{
		Addr:          get("MEDTRACE_ADDR", ":8080"),
		Deployer:      get("MEDTRACE_DEPLOYER", ""),
		JWTSigningKey: get("MEDTRACE_JWT_SIGNING_KEY", DevJWTSigningKey),
		Storage: Storage{
			Driver:      strings.ToLower(get("MEDTRACE_STORAGE_DRIVER", "sqlite")),
			SQLitePath:  get("MEDTRACE_SQLITE_PATH", "medtrace.db"),
			PostgresDSN: get("MEDTRACE_POSTGRES_DSN", ""),
			RedisAddr:   get("MEDTRACE_REDIS_ADDR", "localhost:6379"),
			RedisKey:    get("MEDTRACE_REDIS_KEY", "medtrace:ledger"),
		},
		Blob: Blob{
			Driver:        strings.ToLower(get("MEDTRACE_BLOB_DRIVER", "fs")),
			FSRoot:        get("MEDTRACE_BLOB_FS_ROOT", "./archive"),
			S3Bucket:      get("MEDTRACE_BLOB_S3_BUCKET", ""),
			S3Region:      get("MEDTRACE_BLOB_S3_REGION", "us-east-1"),
			S3Endpoint:    get("MEDTRACE_BLOB_S3_ENDPOINT", ""),
			S3Prefix:      get("MEDTRACE_BLOB_S3_PREFIX", ""),
			S3PathStyle:   pathStyle,
			S3AccessKeyID: get("MEDTRACE_BLOB_S3_ACCESS_KEY_ID", ""),
			S3SecretKey:   get("MEDTRACE_BLOB_S3_SECRET_ACCESS_KEY", ""),
		},
		Log: Log{
			Level:  strings.ToLower(get("MEDTRACE_LOG_LEVEL", "info")),
			Format: strings.ToLower(get("MEDTRACE_LOG_FORMAT", "json")),
		},
	}
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a slog logger writing to w in the configured format.
func NewLogger(cfg Log, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
