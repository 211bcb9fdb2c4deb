package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config contains process-level settings for the chat core service.
// Per-event behaviour lives in Settings, which can be reloaded at runtime.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogPretty bool

	DataDir      string
	SettingsFile string

	DatabaseURL      string
	LedgerSQLitePath string

	CompletionMode    string
	CompletionAPIURL  string
	CompletionAPIKey  string
	CompletionTimeout time.Duration

	// ImageFetchTimeout bounds the download of an image attached to an event.
	ImageFetchTimeout time.Duration
	// ImageFetchAllowPrivate permits image URLs that resolve to loopback,
	// private or link-local addresses.
	ImageFetchAllowPrivate bool

	// SelfID is the assistant's own user id on the chat platform; events
	// sent by it are ignored.
	SelfID string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "chorus"),
		AllowAnyOrigin:    false,
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogPretty:         false,
		DataDir:           envOrDefault("DATA_DIR", "data/chorus"),
		SettingsFile:      stringsTrimSpace("SETTINGS_FILE"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		LedgerSQLitePath:  stringsTrimSpace("LEDGER_SQLITE_PATH"),
		CompletionMode:    envOrDefault("COMPLETION_MODE", "auto"),
		CompletionAPIURL:  envOrDefault("COMPLETION_API_URL", "https://api.openai.com/v1/chat/completions"),
		CompletionAPIKey:  stringsTrimSpace("COMPLETION_API_KEY"),
		CompletionTimeout: 60 * time.Second,
		ImageFetchTimeout: 10 * time.Second,
		SelfID:            stringsTrimSpace("SELF_ID"),
		ShutdownTimeout:   15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageFetchTimeout, err = durationFromEnv("IMAGE_FETCH_TIMEOUT", cfg.ImageFetchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageFetchAllowPrivate, err = boolFromEnv("IMAGE_FETCH_ALLOW_PRIVATE", cfg.ImageFetchAllowPrivate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}

	if cfg.SettingsFile == "" {
		cfg.SettingsFile = DefaultSettingsFile(cfg.DataDir)
	}

	switch strings.ToLower(cfg.CompletionMode) {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("COMPLETION_MODE must be one of auto|http|mock, got %q", cfg.CompletionMode)
	}
	if cfg.CompletionTimeout < time.Second {
		return Config{}, fmt.Errorf("COMPLETION_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

// DefaultSettingsFile is where settings live when SETTINGS_FILE is unset.
func DefaultSettingsFile(dataDir string) string { return filepath.Join(dataDir, "settings.yaml") }

// GroupChatDir holds one conversation log per group.
func (c Config) GroupChatDir() string { return filepath.Join(c.DataDir, "group_chat") }

// UserChatDir holds one conversation log per (group, user) pair.
func (c Config) UserChatDir() string { return filepath.Join(c.DataDir, "user_chat") }

func (c Config) PersonasDir() string { return filepath.Join(c.DataDir, "personas") }

func (c Config) GroupsFile() string { return filepath.Join(c.DataDir, "groups.json") }

func (c Config) CountersFile() string { return filepath.Join(c.DataDir, "context_counts.json") }

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
