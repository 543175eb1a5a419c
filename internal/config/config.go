package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM provider names.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	LLM     LLMConfig
	Queue   QueueConfig
	Cache   CacheConfig
}

type ServerConfig struct {
	Port int
	// APIToken guards the HTTP API. Empty disables authentication.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	Provider          string
	BaseURL           string
	DefaultModel      string
	APIKey            string
	RequestsPerSecond float64
	Timeout           string
}

type QueueConfig struct {
	Concurrency int
}

type CacheConfig struct {
	ForceRecompute bool
	RedisAddr      string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Provider:          ProviderOpenRouter,
			DefaultModel:      "openai/gpt-4o",
			RequestsPerSecond: 5,
			Timeout:           "120s",
		},
		Queue: QueueConfig{
			Concurrency: 16,
		},
	}
}

// Load reads configuration from the JSON config file, .env files and
// environment variables. Environment variables (ADT_*) override file values.
//
// .env files are read from the working directory and from the config
// directory. They never replace variables already set in the environment.
func Load() (Config, error) {
	loadDotEnv(".env", filepath.Join(configDir(), ".env"))
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return
	}
	if err := godotenv.Load(existing...); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not load env file: %v\n", err)
	}
}

func (c Config) validate() error {
	switch c.LLM.Provider {
	case ProviderOpenRouter, ProviderOllama:
	default:
		return fmt.Errorf("invalid llm.provider %q: want %s or %s", c.LLM.Provider, ProviderOpenRouter, ProviderOllama)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir must not be empty")
	}
	if _, err := c.LLMTimeout(); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// RequireLLM reports a missing credential for the configured provider.
// Commands that never call a model skip this check.
func (c Config) RequireLLM() error {
	if c.LLM.Provider == ProviderOpenRouter && c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable ADT_OPENROUTER_API_KEY or in a .env file")
	}
	return nil
}

// LLMTimeout parses llm.timeout.
func (c Config) LLMTimeout() (time.Duration, error) {
	if c.LLM.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid llm.timeout %q: %w", c.LLM.Timeout, err)
	}
	return d, nil
}

// CacheDir is the directory holding LLM response cache entries.
func (c Config) CacheDir() string {
	return filepath.Join(c.Storage.DataDir, "cache")
}

// ParseLogLevel maps a log.level value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log.level %q", s)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "adt-data"
		}
	}
	return filepath.Join(dir, "adt")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "adt")
}

// RuntimeDir holds the PID file of a running server.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "adt")
	}
	return configDir()
}
