package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional log shipping to Loki.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig selects level, output format and sinks.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// ProcConfig describes how to start one plot process.
type ProcConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Port    int      `yaml:"port,omitempty"`
}

// ProcsConfig groups the plot processes the dashboard can launch.
type ProcsConfig struct {
	Test ProcConfig `yaml:"test"`
	Perf ProcConfig `yaml:"perf"`
	Fit  ProcConfig `yaml:"fit"`
}

// Config is the control-plane server configuration.
type Config struct {
	Listen       string        `yaml:"listen"`
	WSListen     string        `yaml:"ws_listen"`
	Root         string        `yaml:"root"`
	TestRoot     string        `yaml:"test_root"`
	BuildDir     string        `yaml:"build_dir"`
	RunTimeout   Duration      `yaml:"run_timeout"`
	SettleDelay  Duration      `yaml:"settle_delay"`
	StartupDelay Duration      `yaml:"startup_delay"`
	HistoryPath  string        `yaml:"history_path"`
	Procs        ProcsConfig   `yaml:"procs"`
	Logging      LoggingConfig `yaml:"logging"`
}

// Default returns the configuration matching the layout of the plotting
// scripts directory: server on :8000, relay on localhost:8600.
func Default() *Config {
	return &Config{
		Listen:       ":8000",
		WSListen:     "localhost:8600",
		Root:         ".",
		TestRoot:     "../../../test",
		BuildDir:     "../../build",
		RunTimeout:   Duration{10 * time.Minute},
		SettleDelay:  Duration{time.Second},
		StartupDelay: Duration{2 * time.Second},
		Procs: ProcsConfig{
			Test: ProcConfig{Port: 8050},
			Perf: ProcConfig{Port: 8051},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("HPWHDASH_ADDR", c.Listen)
	c.WSListen = getEnv("HPWHDASH_WS_ADDR", c.WSListen)
	c.Root = getEnv("HPWHDASH_ROOT", c.Root)
	c.TestRoot = getEnv("HPWHDASH_TEST_ROOT", c.TestRoot)
	c.HistoryPath = getEnv("HPWHDASH_HISTORY", c.HistoryPath)
	c.Logging.Level = getEnv("HPWHDASH_LOG_LEVEL", c.Logging.Level)
}

// Validate checks the fields the server cannot run without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.RunTimeout.Duration < 0 {
		return fmt.Errorf("run_timeout must not be negative")
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("logging.loki.url is required when loki is enabled")
	}
	return nil
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
