// Package config loads the orchestrator configuration from TOML or YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskmesh/registry"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreSQLite = "sqlite"
)

// Environment overrides.
const (
	EnvNATSURL  = "TASKMESH_NATS_URL"
	EnvStore    = "TASKMESH_STORE"
	EnvLogLevel = "TASKMESH_LOG_LEVEL"
	EnvListen   = "TASKMESH_LISTEN"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`

	Store     StoreConfig     `toml:"store" yaml:"store"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Events    EventsConfig    `toml:"events" yaml:"events"`
	Retry     RetryConfig     `toml:"retry" yaml:"retry"`
	Tasks     TasksConfig     `toml:"tasks" yaml:"tasks"`
	Dispatch  DispatchConfig  `toml:"dispatch" yaml:"dispatch"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Server    ServerConfig    `toml:"server" yaml:"server"`

	// Agents are registered at start-up unless already present.
	Agents []AgentConfig `toml:"agents" yaml:"agents"`
}

// StoreConfig selects where tasks and agents live. The sqlite backend
// keeps tasks in SQLite and agents in memory.
type StoreConfig struct {
	Backend    string `toml:"backend" yaml:"backend"` // memory, nats, sqlite
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

// NATSConfig is used by the nats store backend and for the message bus.
// An empty URL keeps the bus in memory.
type NATSConfig struct {
	URL           string        `toml:"url" yaml:"url"`
	Name          string        `toml:"name" yaml:"name"`
	Token         string        `toml:"token" yaml:"token"`
	User          string        `toml:"user" yaml:"user"`
	Password      string        `toml:"password" yaml:"password"`
	Bucket        string        `toml:"bucket" yaml:"bucket"`
	ReconnectWait time.Duration `toml:"reconnect_wait" yaml:"reconnect_wait"`
}

type EventsConfig struct {
	// Retention is how many events per kind are kept.
	Retention  int  `toml:"retention" yaml:"retention"`
	BufferSize int  `toml:"buffer_size" yaml:"buffer_size"`
	Persist    bool `toml:"persist" yaml:"persist"`
}

type RetryConfig struct {
	BaseDelay time.Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `toml:"max_delay" yaml:"max_delay"`
	MaxJitter time.Duration `toml:"max_jitter" yaml:"max_jitter"`
}

type TasksConfig struct {
	DefaultMaxRetries int           `toml:"default_max_retries" yaml:"default_max_retries"`
	Retention         time.Duration `toml:"retention" yaml:"retention"`
}

type DispatchConfig struct {
	Enabled         bool          `toml:"enabled" yaml:"enabled"`
	Interval        time.Duration `toml:"interval" yaml:"interval"`
	LeaderTTL       time.Duration `toml:"leader_ttl" yaml:"leader_ttl"`
	AllowBusyAgents bool          `toml:"allow_busy_agents" yaml:"allow_busy_agents"`

	// DefaultTaskTimeout expires running tasks without a deadline or
	// maximum duration whose agent never reported back. 0 disables.
	DefaultTaskTimeout time.Duration `toml:"default_task_timeout" yaml:"default_task_timeout"`
}

type HeartbeatConfig struct {
	Enabled       bool          `toml:"enabled" yaml:"enabled"`
	Timeout       time.Duration `toml:"timeout" yaml:"timeout"`
	CheckInterval time.Duration `toml:"check_interval" yaml:"check_interval"`
}

type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Protocol    string  `toml:"protocol" yaml:"protocol"` // grpc or http
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	// CreateRate caps task creations per user in CreateWindow. 0 disables.
	CreateRate   int           `toml:"create_rate" yaml:"create_rate"`
	CreateWindow time.Duration `toml:"create_window" yaml:"create_window"`
}

// AgentConfig seeds one agent.
type AgentConfig struct {
	ID                 string   `toml:"id" yaml:"id"`
	Name               string   `toml:"name" yaml:"name"`
	Type               string   `toml:"type" yaml:"type"`
	Capabilities       []string `toml:"capabilities" yaml:"capabilities"`
	Specializations    []string `toml:"specializations" yaml:"specializations"`
	MaxConcurrentTasks int      `toml:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`

	Configuration registry.Configuration `toml:"configuration" yaml:"configuration"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend:    StoreMemory,
			SQLitePath: "./data/tasks.db",
		},
		NATS: NATSConfig{
			Name:          "taskmesh",
			Bucket:        "taskmesh",
			ReconnectWait: 2 * time.Second,
		},
		Events: EventsConfig{
			Retention:  1000,
			BufferSize: 256,
		},
		Retry: RetryConfig{
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
			MaxJitter: time.Second,
		},
		Tasks: TasksConfig{
			DefaultMaxRetries: 3,
			Retention:         7 * 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Enabled:            true,
			Interval:           time.Second,
			LeaderTTL:          10 * time.Second,
			DefaultTaskTimeout: 30 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:       true,
			Timeout:       15 * time.Second,
			CheckInterval: time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "taskmesh",
			Protocol:    "grpc",
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CreateWindow:    time.Minute,
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"taskmesh.toml", "taskmesh.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "taskmesh", "taskmesh.toml"),
			filepath.Join(home, ".config", "taskmesh", "taskmesh.yaml"),
		)
	}
	return paths
}

// Load reads path, or the first standard location that exists when path
// is empty, applies environment overrides and validates the result. With
// no file at all the defaults are used. It returns the file it read.
func Load(path string) (*Config, string, error) {
	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, path, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// decodeFile decodes TOML or YAML by extension on top of cfg.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml", "":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse config %s: unknown key %s", path, undecoded[0])
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides fields from environment variables read by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := getenv(EnvStore); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("store backend nats needs nats.url")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store backend sqlite needs store.sqlite_path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.MaxJitter < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay exceeds retry.max_delay")
	}
	if c.Tasks.DefaultMaxRetries < 0 || c.Tasks.DefaultMaxRetries > 10 {
		return fmt.Errorf("tasks.default_max_retries must be between 0 and 10")
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		return fmt.Errorf("telemetry.protocol must be grpc or http")
	}
	if c.Dispatch.DefaultTaskTimeout < 0 {
		return fmt.Errorf("dispatch.default_task_timeout must not be negative")
	}
	if c.Server.CreateRate < 0 {
		return fmt.Errorf("server.create_rate must not be negative")
	}
	if c.Server.CreateRate > 0 && c.Server.CreateWindow <= 0 {
		return fmt.Errorf("server.create_window must be positive when create_rate is set")
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if a.ID != "" {
			if seen[a.ID] {
				return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
			}
			seen[a.ID] = true
		}
	}
	return nil
}

// UsesNATS reports whether a NATS connection is needed.
func (c *Config) UsesNATS() bool {
	return c.NATS.URL != "" || c.Store.Backend == StoreNATS
}
