package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/como/internal/adapters/opcua"
	"github.com/ghalamif/como/internal/channel"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/server"
)

const DefaultServerAddr = ":7410"

type Config struct {
	Server   server.Config    `yaml:"server"`
	Channels []channel.Config `yaml:"channels"`
	Recorder RecorderConfig   `yaml:"recorder"`
	History  HistoryConfig    `yaml:"history"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	OPCUA    *opcua.Config    `yaml:"opcua"`
}

type RecorderConfig struct {
	Policy     ports.Policy `yaml:"policy"`
	JournalDir string       `yaml:"journal_dir"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite3"
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Channel returns the channel config with the given name.
func (c *Config) Channel(name string) (channel.Config, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return channel.Config{}, false
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}

	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("channel-%d", i+1)
		}
		if ch.Type == "" {
			ch.Type = "tcp"
		}
	}

	p := &c.Recorder.Policy
	if p.MaxJournalSizeBytes == 0 {
		p.MaxJournalSizeBytes = 1 << 30
	}
	if p.MaxQueueLen == 0 {
		p.MaxQueueLen = 100_000
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 1_000
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 5 * time.Millisecond
	}
	if p.OnQueueFull == "" {
		p.OnQueueFull = "block"
	}
	if p.OnJournalFull == "" {
		p.OnJournalFull = "block"
	}
	if c.Recorder.JournalDir == "" {
		c.Recorder.JournalDir = "./data/journal"
	}

	if c.History.Driver == "" {
		c.History.Driver = "sqlite3"
	}
	if c.History.DSN == "" && c.History.Driver == "sqlite3" {
		c.History.DSN = "./data/history.db"
	}
	if c.History.Table == "" {
		c.History.Table = "source_history"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	if c.OPCUA != nil {
		c.OPCUA.ApplyDefaults()
	}
}

func (c *Config) validate() error {
	if c.Server.MaxBacklog < 0 {
		return errors.New("server.max_backlog must not be negative")
	}

	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Address == "" {
			return fmt.Errorf("channel %s: address is required", ch.Name)
		}
		if ch.Client.Throttle < 0 {
			return fmt.Errorf("channel %s: throttle must not be negative", ch.Name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel %s: duplicate name", ch.Name)
		}
		seen[ch.Name] = true
	}

	if err := validatePolicy(c.Recorder.Policy); err != nil {
		return fmt.Errorf("recorder policy: %w", err)
	}

	switch c.History.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("history.driver %q is not supported", c.History.Driver)
	}
	if c.History.DSN == "" {
		return errors.New("history.dsn is required")
	}

	if c.OPCUA != nil {
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	}
	return nil
}

func validatePolicy(p ports.Policy) error {
	switch p.OnJournalFull {
	case "block", "drop":
	default:
		return fmt.Errorf("on_journal_full %q must be block or drop", p.OnJournalFull)
	}
	switch p.OnQueueFull {
	case "block", "drop", "reject":
	default:
		return fmt.Errorf("on_queue_full %q must be block, drop or reject", p.OnQueueFull)
	}
	if p.MaxQueueLen < 0 || p.MaxBatchSize < 0 {
		return errors.New("queue and batch sizes must not be negative")
	}
	return nil
}
