package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/renderq"
	audithook "github.com/xraph/renderq/audit_hook"
	"github.com/xraph/renderq/storage/minio"
	"github.com/xraph/renderq/throttle"
)

// Config is the renderq YAML configuration file.
type Config struct {
	// Addr is the HTTP listen address for serve.
	Addr string `yaml:"addr"`

	Log LogConfig `yaml:"log"`

	// Timezone names the location quota days roll over in. Default UTC.
	Timezone string `yaml:"timezone"`

	// AutoMigrate runs the store migration when serve starts.
	AutoMigrate bool `yaml:"auto_migrate"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Engine   renderq.Config  `yaml:"engine"`
	Store    StoreConfig     `yaml:"store"`
	Storage  StorageConfig   `yaml:"storage"`
	Throttle throttle.Config `yaml:"throttle"`
	Stream   StreamConfig    `yaml:"stream"`
	Audit    AuditConfig     `yaml:"audit"`

	// WorkerKey is the shared secret workers send in X-API-Key.
	WorkerKey string `yaml:"worker_key"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	Worker WorkerConfig `yaml:"worker"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, bun, redis, mongo
	DSN    string `yaml:"dsn"`

	// Database is the mongo database name.
	Database string `yaml:"database"`
}

// StorageConfig selects where result images are written.
type StorageConfig struct {
	Driver string       `yaml:"driver"` // local or minio
	Dir    string       `yaml:"dir"`
	Minio  minio.Config `yaml:"minio"`
}

// StreamConfig controls the websocket event stream.
type StreamConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// AuditConfig enables the audit log of job lifecycle events.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Actions limits which actions are logged. Empty logs all of them.
	Actions []string `yaml:"actions"`
}

// WorkerConfig configures renderq worker.
type WorkerConfig struct {
	Server string `yaml:"server"`
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`

	// Command renders one image; see worker.ExecGenerator.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`

	Concurrency       int            `yaml:"concurrency"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	GenerateTimeout   time.Duration  `yaml:"generate_timeout"`
	GPUInfo           map[string]any `yaml:"gpu_info"`
}

// DefaultConfig returns a config that runs in memory with local result
// storage.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Log:             LogConfig{Level: "info", Format: "text"},
		Timezone:        "UTC",
		ShutdownTimeout: 15 * time.Second,
		Engine:          renderq.DefaultConfig(),
		Store:           StoreConfig{Driver: "memory"},
		Storage:         StorageConfig{Driver: "local", Dir: "data/results"},
		Stream:          StreamConfig{Enabled: true, BufferSize: 256},
		Worker: WorkerConfig{
			Server:            "http://localhost:8080",
			Command:           "python3",
			Args:              []string{"generate.py"},
			Concurrency:       1,
			HeartbeatInterval: 10 * time.Second,
			GenerateTimeout:   280 * time.Second,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path keeps the
// defaults. Secrets can come from the environment: RENDERQ_WORKER_KEY,
// RENDERQ_STORE_DSN and RENDERQ_MINIO_SECRET_KEY override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv("RENDERQ_WORKER_KEY"); v != "" {
		cfg.WorkerKey = v
	}
	if v := os.Getenv("RENDERQ_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RENDERQ_MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.Minio.SecretKey = v
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "bun", "redis", "mongo":
		if c.Store.DSN == "" {
			return fmt.Errorf("store %s requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.Dir == "" {
			return errors.New("local storage requires a dir")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" {
			return errors.New("minio storage requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	for _, a := range c.Audit.Actions {
		if !slices.Contains(audithook.AllActions(), a) {
			return fmt.Errorf("unknown audit action %q", a)
		}
	}
	return nil
}

// Logger builds the slog logger the config asks for.
func (l LogConfig) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
