// Package config loads orchestrator settings from defaults, an optional YAML file, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override. Sections are separated by "__".
	EnvPrefix = "AGENTRUN_"
	// FileEnv names the variable holding the YAML config path.
	FileEnv = "AGENTRUN_CONFIG"
)

// Config holds the orchestrator configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Worker     WorkerConfig     `koanf:"worker"`
	Tools      ToolsConfig      `koanf:"tools"`
	Approvals  ApprovalsConfig  `koanf:"approvals"`
	LLM        LLMConfig        `koanf:"llm"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Projection ProjectionConfig `koanf:"projection"`
	Policy     PolicyConfig     `koanf:"policy"`
	Stream     StreamConfig     `koanf:"stream"`
}

type ServerConfig struct {
	HTTPPort        int           `koanf:"http_port"`
	RPCPort         int           `koanf:"rpc_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3) or "sqlite" (modernc.org/sqlite).
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type WorkerConfig struct {
	PollInterval  time.Duration `koanf:"poll_interval"`
	Lease         time.Duration `koanf:"lease"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryBackoff  time.Duration `koanf:"retry_backoff"`
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`
	MaxSteps      int           `koanf:"max_steps"`
	Concurrency   int           `koanf:"concurrency"`
}

type ToolsConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

type ApprovalsConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type LLMConfig struct {
	Provider string        `koanf:"provider"`
	BaseURL  string        `koanf:"base_url"`
	APIKey   string        `koanf:"api_key"`
	Model    string        `koanf:"model"`
	Timeout  time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

type ProjectionConfig struct {
	CacheSize int `koanf:"cache_size"`
}

type PolicyConfig struct {
	// Path to a rego file. Empty uses the built-in policy.
	Path string `koanf:"path"`
}

type StreamConfig struct {
	SendBuffer   int           `koanf:"send_buffer"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	PingInterval time.Duration `koanf:"ping_interval"`
}

var defaults = map[string]any{
	"server.http_port":        8080,
	"server.rpc_port":         8082,
	"server.shutdown_timeout": 10 * time.Second,
	"database.driver":         "sqlite3",
	"database.dsn":            "file:agentrun.db?cache=shared&mode=rwc",
	"worker.poll_interval":    200 * time.Millisecond,
	"worker.lease":            30 * time.Second,
	"worker.max_retries":      3,
	"worker.retry_backoff":    time.Second,
	"worker.retry_max_delay":  time.Minute,
	"worker.max_steps":        16,
	"worker.concurrency":      1,
	"tools.default_timeout":   30 * time.Second,
	"approvals.timeout":       10 * time.Minute,
	"llm.provider":            "mock",
	"llm.model":               "mock",
	"llm.timeout":             2 * time.Minute,
	"log.level":               "info",
	"log.format":              "json",
	"telemetry.tracing":       false,
	"projection.cache_size":   256,
	"policy.path":             "",
	"stream.send_buffer":      256,
	"stream.read_timeout":     60 * time.Second,
	"stream.write_timeout":    10 * time.Second,
	"stream.ping_interval":    50 * time.Second,
}

// Load reads .env (if present), then AGENTRUN_CONFIG (if set), then AGENTRUN_* variables,
// each layer overriding the previous one.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.Getenv(FileEnv))
}

// LoadFrom builds a config from defaults, an optional YAML file and the environment.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the rest of the process relies on.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or sqlite, got %q", c.Database.Driver)
	}
	if c.Server.HTTPPort <= 0 || c.Server.RPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must not be negative")
	}
	return nil
}
