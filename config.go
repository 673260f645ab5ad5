package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const minInterval = 50 * time.Millisecond

type Config struct {
	Bind               string        `yaml:"bind"`
	Port               int           `yaml:"port"`
	Interval           time.Duration `yaml:"interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	MaxReadBytes       int64         `yaml:"max_read_bytes"`
	Sources            Sources       `yaml:"sources"`
	ExcludeInterfaces  []string      `yaml:"exclude_interfaces"`
	SkipIdleInterfaces bool          `yaml:"skip_idle_interfaces"`
	SendQueue          int           `yaml:"send_queue"`
	MaxDropped         int           `yaml:"max_dropped"`
	Log                LogConfig     `yaml:"log"`
}

// Sources are the pseudo-file paths read on every tick.
type Sources struct {
	Uptime  string `yaml:"uptime"`
	LoadAvg string `yaml:"loadavg"`
	MemInfo string `yaml:"meminfo"`
	NetDev  string `yaml:"netdev"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func (c *Config) NetDevFilter() NetDevFilter {
	return NetDevFilter{Exclude: c.ExcludeInterfaces, SkipIdle: c.SkipIdleInterfaces}
}

func defaultConfig() *Config {
	return &Config{
		Bind:         "0.0.0.0",
		Port:         9999,
		Interval:     500 * time.Millisecond,
		MaxReadBytes: 64 * 1024,
		Sources: Sources{
			Uptime:  "/proc/uptime",
			LoadAvg: "/proc/loadavg",
			MemInfo: "/proc/meminfo",
			NetDev:  "/proc/net/dev",
		},
		ExcludeInterfaces: []string{"lo"},
		SendQueue:         8,
		MaxDropped:        16,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// loadConfig reads path over the defaults. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if c.Interval == 0 {
		c.Interval = def.Interval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = c.Interval / 2
	}
	if c.MaxReadBytes == 0 {
		c.MaxReadBytes = def.MaxReadBytes
	}
	if c.SendQueue == 0 {
		c.SendQueue = def.SendQueue
	}
	if c.MaxDropped == 0 {
		c.MaxDropped = def.MaxDropped
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Interval < minInterval {
		return fmt.Errorf("interval must be at least %v", minInterval)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read_timeout must be positive")
	}
	if c.MaxReadBytes <= 0 {
		return errors.New("max_read_bytes must be positive")
	}
	if c.Sources.Uptime == "" || c.Sources.LoadAvg == "" || c.Sources.MemInfo == "" || c.Sources.NetDev == "" {
		return errors.New("all source paths must be set")
	}
	if c.SendQueue <= 0 {
		return errors.New("send_queue must be positive")
	}
	if c.MaxDropped <= 0 {
		return errors.New("max_dropped must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
