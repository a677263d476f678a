package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
	"github.com/Asim971/pharmaflow-sync/internal/core/queue"
	"github.com/Asim971/pharmaflow-sync/internal/core/realtime"
)

// CacheConfig is the file-level shape of the cache store settings.
type CacheConfig struct {
	MemoryCeiling       int64         `json:"memory_ceiling" yaml:"memory_ceiling" env:"PF_CACHE_MEMORY_CEILING"`
	MaintenanceInterval time.Duration `json:"maintenance_interval" yaml:"maintenance_interval" env:"PF_CACHE_MAINTENANCE_INTERVAL"`
	IntegrityChecks     bool          `json:"integrity_checks" yaml:"integrity_checks" env:"PF_CACHE_INTEGRITY_CHECKS"`
	PersistPath         string        `json:"persist_path" yaml:"persist_path" env:"PF_CACHE_PERSIST_PATH"`
}

// Config wires the whole agent. Values come from an optional YAML file with
// environment variables layered on top.
type Config struct {
	APIBaseURL     string        `json:"api_base_url" yaml:"api_base_url" env:"PF_API_BASE_URL"`
	HealthPath     string        `json:"health_path" yaml:"health_path" env:"PF_HEALTH_PATH"`
	WebsocketURL   string        `json:"websocket_url" yaml:"websocket_url" env:"PF_WEBSOCKET_URL"`
	Credential     string        `json:"credential" yaml:"credential" env:"PF_ACCESS_TOKEN"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"PF_REQUEST_TIMEOUT"`
	LogLevel       string        `json:"log_level" yaml:"log_level" env:"PF_LOG_LEVEL"`

	Sync     queue.Config    `json:"sync" yaml:"sync"`
	Cache    CacheConfig     `json:"cache" yaml:"cache"`
	Realtime realtime.Config `json:"realtime" yaml:"realtime"`
}

// DefaultConfig returns a runnable local configuration.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:     "http://localhost:8080/api",
		HealthPath:     "/health",
		WebsocketURL:   "ws://localhost:8080/ws",
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
		Sync:           queue.DefaultConfig(),
		Cache: CacheConfig{
			MemoryCeiling:       50 << 20,
			MaintenanceInterval: 5 * time.Minute,
			IntegrityChecks:     true,
		},
		Realtime: realtime.DefaultConfig(),
	}
}

// LoadConfig reads the YAML file at path (skipped when empty) and applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env config: %w", err)
	}

	if cfg.Realtime.BaseURL == "" {
		cfg.Realtime.BaseURL = cfg.WebsocketURL
	}
	return cfg, nil
}

func parseLogLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
