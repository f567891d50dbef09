// Package config loads msgnet command settings from MSGNET_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Zereker/msgnet"
)

// DefaultPort is the demo server port.
const DefaultPort = 60000

type Config struct {
	// Network
	Host string `env:"MSGNET_HOST" default:"127.0.0.1"`
	Port int    `env:"MSGNET_PORT" default:"60000"`

	// Connection limits
	MaxMessageSize   int           `env:"MSGNET_MAX_MESSAGE_SIZE" default:"1048576"`
	Heartbeat        time.Duration `env:"MSGNET_HEARTBEAT" default:"0s"`
	HandshakeTimeout time.Duration `env:"MSGNET_HANDSHAKE_TIMEOUT" default:"0s"`
	DialTimeout      time.Duration `env:"MSGNET_DIAL_TIMEOUT" default:"10s"`
	RateLimit        float64       `env:"MSGNET_RATE_LIMIT" default:"0"`
	RateBurst        int           `env:"MSGNET_RATE_BURST" default:"0"`

	// Monitoring
	MetricsAddr string `env:"MSGNET_METRICS_ADDR"`

	// Logging
	LogLevel  string `env:"MSGNET_LOG_LEVEL" default:"info"`
	LogFormat string `env:"MSGNET_LOG_FORMAT" default:"text"`
}

// Load reads the configuration from the environment. envFiles are loaded
// first with godotenv; missing files are ignored and variables already set in
// the environment win. With no envFiles, ".env" is tried.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load env file")
	}

	config := &Config{}

	loadEnvString(&config.Host, "MSGNET_HOST", "127.0.0.1")
	if err := loadEnvInt(&config.Port, "MSGNET_PORT", DefaultPort); err != nil {
		return nil, err
	}

	if err := loadEnvInt(&config.MaxMessageSize, "MSGNET_MAX_MESSAGE_SIZE", 1024*1024); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.Heartbeat, "MSGNET_HEARTBEAT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.HandshakeTimeout, "MSGNET_HANDSHAKE_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DialTimeout, "MSGNET_DIAL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.RateLimit, "MSGNET_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RateBurst, "MSGNET_RATE_BURST", 0); err != nil {
		return nil, err
	}

	loadEnvString(&config.MetricsAddr, "MSGNET_METRICS_ADDR", "")

	loadEnvString(&config.LogLevel, "MSGNET_LOG_LEVEL", "info")
	loadEnvString(&config.LogFormat, "MSGNET_LOG_FORMAT", "text")

	return config, nil
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		v, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid integer value for %s", key)
		}
		*target = v
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid number value for %s", key)
		}
		*target = v
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		v, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration value for %s", key)
		}
		*target = v
	} else {
		*target = defaultValue
	}
	return nil
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, "MSGNET_PORT must be between 0 and 65535")
	}
	if c.MaxMessageSize <= 0 {
		problems = append(problems, "MSGNET_MAX_MESSAGE_SIZE must be positive")
	}
	if c.Heartbeat < 0 || c.HandshakeTimeout < 0 || c.DialTimeout < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "MSGNET_RATE_LIMIT must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		problems = append(problems, "MSGNET_RATE_BURST must be positive when MSGNET_RATE_LIMIT is set")
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		problems = append(problems, fmt.Sprintf("MSGNET_LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		problems = append(problems, fmt.Sprintf("MSGNET_LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(problems) > 0 {
		return errors.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Options translates the connection settings into msgnet options.
func (c *Config) Options() []msgnet.Option {
	opts := []msgnet.Option{
		msgnet.MessageMaxSize(c.MaxMessageSize),
		msgnet.HeartbeatOption(c.Heartbeat),
		msgnet.HandshakeTimeoutOption(c.HandshakeTimeout),
		msgnet.DialTimeoutOption(c.DialTimeout),
	}
	if c.RateLimit > 0 {
		opts = append(opts, msgnet.RateLimitOption(rate.Limit(c.RateLimit), c.RateBurst))
	}
	return opts
}
