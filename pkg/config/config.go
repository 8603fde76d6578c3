// Package config loads host configuration from the environment and from the
// optional host.yaml in the config root.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// DefaultConfigPath is the config root used when none is given. It is
// expanded by the CLI.
const DefaultConfigPath = "~/.skyforge"

// Config holds process configuration.
type Config struct {
	ConfigPath   string
	LogLevel     string
	LogFormat    string
	SchemaPath   string // empty selects the built-in interface schema
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	configPath := os.Getenv("SKYFORGE_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	logLevel := os.Getenv("SKYFORGE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("SKYFORGE_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	return &Config{
		ConfigPath:   configPath,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
		SchemaPath:   os.Getenv("SKYFORGE_SCHEMA_PATH"),
		OTLPEndpoint: os.Getenv("SKYFORGE_OTEL_ENDPOINT"),
		OTLPInsecure: os.Getenv("SKYFORGE_OTEL_INSECURE") == "true",
	}
}

// Level maps LogLevel onto a slog level. Unknown values mean INFO.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
