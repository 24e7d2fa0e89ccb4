package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all automata configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string   `json:"db_path"`
	LogLevel           string   `json:"log_level"`
	PoolSize           int      `json:"pool_size"`
	InlineCeilingBytes int      `json:"inline_ceiling_bytes"`
	LLMTimeout         string   `json:"llm_timeout"`
	SchedulerInterval  string   `json:"scheduler_interval"`
	ScanLimit          int      `json:"scan_limit"`
	HTTPAllowedHosts   []string `json:"http_allowed_hosts,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(automataDir(), "automata.db"),
		LogLevel:           "info",
		PoolSize:           10,
		InlineCeilingBytes: 256 * 1024,
		LLMTimeout:         "2m",
		SchedulerInterval:  "1m",
		ScanLimit:          1000,
	}
}

func automataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automata"
	}
	return filepath.Join(home, ".automata")
}

func settingsPath() string {
	return filepath.Join(automataDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AUTOMATA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOMATA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOMATA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("AUTOMATA_INLINE_CEILING_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InlineCeilingBytes = n
		}
	}
	if v := os.Getenv("AUTOMATA_LLM_TIMEOUT"); v != "" {
		cfg.LLMTimeout = v
	}
	if v := os.Getenv("AUTOMATA_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("AUTOMATA_SCAN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanLimit = n
		}
	}
	if v := os.Getenv("AUTOMATA_HTTP_ALLOWED_HOSTS"); v != "" {
		cfg.HTTPAllowedHosts = strings.Split(v, ",")
	}

	return cfg
}

// DSN returns the libSQL data source for DBPath.
func (c Config) DSN() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

// llmTimeout parses LLMTimeout; invalid values fall back to the interpreter default.
func (c Config) llmTimeout() time.Duration {
	return parseDuration(c.LLMTimeout)
}

func (c Config) schedulerInterval() time.Duration {
	return parseDuration(c.SchedulerInterval)
}

func parseDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (c Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
