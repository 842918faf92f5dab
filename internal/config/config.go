package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for loadlab.
type Config struct {
	LogLevel         string
	LogFormat        string
	MetricsNamespace string
	OTelStdout       bool

	BindAddr        string
	ShutdownTimeout time.Duration

	// StateDSN selects the run store: empty keeps runs in memory.
	StateDSN string
	Jobs     int

	DevToolsHost            string
	DevToolsPort            int
	DevToolsTimeout         time.Duration
	DevToolsTracingTimeout  time.Duration
	DevToolsConnectAttempts int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:                strings.ToLower(envOrDefault("LOADLAB_LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(envOrDefault("LOADLAB_LOG_FORMAT", "text")),
		MetricsNamespace:        envOrDefault("LOADLAB_METRICS_NAMESPACE", "loadlab"),
		BindAddr:                envOrDefault("LOADLAB_BIND_ADDR", ":8090"),
		StateDSN:                envOrDefault("LOADLAB_STATE_DSN", trimmedEnv("DATABASE_URL")),
		DevToolsHost:            envOrDefault("DEVTOOLS_HOST", "localhost"),
		ShutdownTimeout:         10 * time.Second,
		Jobs:                    1,
		DevToolsPort:            9222,
		DevToolsTimeout:         10 * time.Second,
		DevToolsTracingTimeout:  300 * time.Second,
		DevToolsConnectAttempts: 3,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("LOADLAB_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Jobs, err = intFromEnv("LOADLAB_JOBS", cfg.Jobs)
	if err != nil {
		return Config{}, err
	}
	cfg.OTelStdout, err = boolFromEnv("LOADLAB_OTEL_STDOUT", cfg.OTelStdout)
	if err != nil {
		return Config{}, err
	}
	cfg.DevToolsPort, err = intFromEnv("DEVTOOLS_PORT", cfg.DevToolsPort)
	if err != nil {
		return Config{}, err
	}
	cfg.DevToolsTimeout, err = durationFromEnv("DEVTOOLS_TIMEOUT", cfg.DevToolsTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DevToolsTracingTimeout, err = durationFromEnv("DEVTOOLS_TRACING_TIMEOUT", cfg.DevToolsTracingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DevToolsConnectAttempts, err = intFromEnv("DEVTOOLS_CONNECT_ATTEMPTS", cfg.DevToolsConnectAttempts)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOADLAB_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOADLAB_LOG_FORMAT must be text or json")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("LOADLAB_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Jobs < 1 {
		return fmt.Errorf("LOADLAB_JOBS must be at least 1")
	}
	if c.DevToolsPort < 1 || c.DevToolsPort > 65535 {
		return fmt.Errorf("DEVTOOLS_PORT must be in 1..65535")
	}
	if c.DevToolsTimeout <= 0 {
		return fmt.Errorf("DEVTOOLS_TIMEOUT must be positive")
	}
	if c.DevToolsTracingTimeout < c.DevToolsTimeout {
		return fmt.Errorf("DEVTOOLS_TRACING_TIMEOUT must be at least DEVTOOLS_TIMEOUT")
	}
	if c.DevToolsConnectAttempts < 1 {
		return fmt.Errorf("DEVTOOLS_CONNECT_ATTEMPTS must be at least 1")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
