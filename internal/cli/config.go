package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/internal/logging"
	"github.com/ChuLiYu/nearline-mover/internal/mover"
	"github.com/ChuLiYu/nearline-mover/internal/scheduler"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// Config represents the complete process configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Mover     mover.Config     `yaml:"mover"`
	Journal   journal.Config   `yaml:"journal"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Storage   StorageConfig    `yaml:"storage"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"health"`

	Log logging.Config `yaml:"log"`
}

// StorageConfig names the bucket blob-backed items live in and the items
// submitted when serve starts.
type StorageConfig struct {
	Bucket string       `yaml:"bucket"`
	Items  []ItemConfig `yaml:"items"`
}

// ItemConfig describes one blob-backed work item.
type ItemConfig struct {
	ID   string     `yaml:"id"`
	Mode types.Mode `yaml:"mode"`
	Key  string     `yaml:"key"`
	// Size is the expected length of a retrieve; archive sizes come from
	// the object. -1 means unknown.
	Size int64 `yaml:"size"`
}

func (c *Config) applyDefaults() {
	if c.Mover.Address == "" {
		c.Mover.Address = mover.DefaultConfig().Address
	}
	if c.Journal.Type == "" {
		c.Journal.Type = journal.TypeNop
	}
	if c.Scheduler.TransferTimeout == 0 {
		c.Scheduler.TransferTimeout = 10 * time.Minute
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = time.Second
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "mem://"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Health.Address == "" {
		c.Health.Address = ":9091"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Storage.Items {
		if c.Storage.Items[i].Key == "" {
			c.Storage.Items[i].Key = c.Storage.Items[i].ID
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	switch c.Journal.Type {
	case journal.TypeNop:
	case journal.TypeFile:
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for a file journal"))
		}
	case journal.TypeRedis:
		if c.Journal.RedisURL == "" {
			errs = append(errs, errors.New("journal.redis_url is required for a redis journal"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.type %q is not one of nop, file, redis", c.Journal.Type))
	}
	if c.Scheduler.TransferTimeout < 0 {
		errs = append(errs, errors.New("scheduler.transfer_timeout must not be negative"))
	}

	seen := make(map[string]bool, len(c.Storage.Items))
	for i, item := range c.Storage.Items {
		if item.ID == "" {
			errs = append(errs, fmt.Errorf("storage.items[%d]: id is required", i))
			continue
		}
		if seen[item.ID] {
			errs = append(errs, fmt.Errorf("storage.items[%d]: duplicate id %q", i, item.ID))
		}
		seen[item.ID] = true
		if !item.Mode.Valid() {
			errs = append(errs, fmt.Errorf("storage.items[%d]: mode %q is not archive or retrieve", i, item.Mode))
		}
	}
	for i, d := range c.Mover.Stages {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("mover.stages[%d]: name is required", i))
		}
	}
	return errors.Join(errs...)
}

// loadConfig reads path. A missing default config file yields the defaults.
func loadConfig(path string, required bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
