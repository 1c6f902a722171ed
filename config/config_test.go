package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// --- Unit Tests ---

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Store.Backend != StoreMemory || cfg.Server.Listen != ":8080" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 30*time.Second || cfg.Retry.MaxJitter != time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Heartbeat.Timeout != 15*time.Second || cfg.Events.Retention != 1000 {
		t.Errorf("heartbeat/events defaults = %+v %+v", cfg.Heartbeat, cfg.Events)
	}
	if cfg.UsesNATS() {
		t.Error("default config should not need NATS")
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "taskmesh.toml", `
log_level = "debug"

[store]
backend = "sqlite"
sqlite_path = "/var/lib/taskmesh/tasks.db"

[retry]
base_delay = "500ms"
max_delay = "10s"

[dispatch]
interval = "250ms"
allow_busy_agents = true

[[agents]]
id = "content-1"
name = "Penulis Meditasi"
type = "content_creator"
capabilities = ["content_generation", "meditation_expertise"]
max_concurrent_tasks = 4

[agents.configuration]
model = "sahabat-7b"
temperature = 0.7
system_prompt = "Tulis dengan bahasa yang lembut."
`)
	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path {
		t.Errorf("used = %q", used)
	}
	if cfg.LogLevel != "debug" || cfg.Store.Backend != StoreSQLite || cfg.Store.SQLitePath != "/var/lib/taskmesh/tasks.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	// Unset keys keep their defaults.
	if cfg.Retry.MaxJitter != time.Second || cfg.Server.Listen != ":8080" {
		t.Errorf("defaults lost: jitter %v listen %q", cfg.Retry.MaxJitter, cfg.Server.Listen)
	}
	if cfg.Dispatch.Interval != 250*time.Millisecond || !cfg.Dispatch.AllowBusyAgents || !cfg.Dispatch.Enabled {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("agents = %d", len(cfg.Agents))
	}
	a := cfg.Agents[0]
	if a.ID != "content-1" || a.MaxConcurrentTasks != 4 || len(a.Capabilities) != 2 || a.Configuration.Model != "sahabat-7b" || a.Configuration.Temperature != 0.7 {
		t.Errorf("agent = %+v", a)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "taskmesh.yaml", `
log_level: warn
nats:
  url: nats://nats:4222
store:
  backend: nats
heartbeat:
  timeout: 30s
agents:
  - name: Analis Suasana Hati
    type: insight_analyst
    capabilities: [mood_analysis]
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Store.Backend != StoreNATS || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Heartbeat.Timeout != 30*time.Second || cfg.Heartbeat.CheckInterval != time.Second {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Type != "insight_analyst" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if !cfg.UsesNATS() {
		t.Error("nats backend should need NATS")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown key", "a.toml", "lgo_level = \"info\"\n", "unknown key"},
		{"bad toml", "b.toml", "log_level = \n", "parse config"},
		{"bad yaml", "c.yaml", "store: [\n", "parse config"},
		{"unsupported format", "d.json", "{}", "unsupported format"},
		{"invalid backend", "e.toml", "[store]\nbackend = \"redis\"\n", "unknown store backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvNATSURL:  "nats://10.0.0.5:4222",
		EnvStore:    "NATS",
		EnvLogLevel: "error",
		EnvListen:   "127.0.0.1:9000",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.NATS.URL != "nats://10.0.0.5:4222" || cfg.Store.Backend != StoreNATS ||
		cfg.LogLevel != "error" || cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("after env: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nats without url", func(c *Config) { c.Store.Backend = StoreNATS }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = StoreSQLite; c.Store.SQLitePath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"negative delay", func(c *Config) { c.Retry.BaseDelay = -time.Second }},
		{"base above max", func(c *Config) { c.Retry.BaseDelay = time.Minute }},
		{"too many retries", func(c *Config) { c.Tasks.DefaultMaxRetries = 11 }},
		{"bad protocol", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Protocol = "udp" }},
		{"negative task timeout", func(c *Config) { c.Dispatch.DefaultTaskTimeout = -time.Second }},
		{"negative create rate", func(c *Config) { c.Server.CreateRate = -1 }},
		{"create rate without window", func(c *Config) { c.Server.CreateRate = 5; c.Server.CreateWindow = 0 }},
		{"agent without name", func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}} }},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
