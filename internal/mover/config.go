package mover

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/metrics"
	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/stage/builtin"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// ServiceName identifies the mover in logs.
const ServiceName = "nearline data mover"

// Config is the immutable service configuration.
type Config struct {
	// Address is host:port to bind; port 0 picks an ephemeral port.
	Address string `yaml:"address"`
	// Workers bounds the number of connections served in parallel.
	Workers int `yaml:"workers"`
	// Backlog is the number of accepted connections waiting for a worker.
	Backlog int `yaml:"backlog"`
	// Stages is the ordered stage list, see stage.Env.
	Stages  []stage.Descriptor `yaml:"stages"`
	Verbose bool               `yaml:"verbose"`

	ChunkSize int `yaml:"chunk_size"`
	MaxFrame  int `yaml:"max_frame"`
	// MaxRead caps the data returned by a single read request.
	MaxRead int `yaml:"max_read"`

	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Address:          ":1094",
		Workers:          64,
		Backlog:          128,
		ChunkSize:        builtin.DefaultChunkSize,
		MaxFrame:         wire.DefaultMaxFrame,
		MaxRead:          8 << 20,
		HandshakeTimeout: builtin.DefaultHandshakeTimeout,
		ShutdownGrace:    30 * time.Second,
		KeepAlive:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = d.MaxFrame
	}
	if c.MaxRead <= 0 {
		c.MaxRead = d.MaxRead
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = d.KeepAlive
	}
	return c
}

// Option customises a Service.
type Option func(*Service)

// WithRegistry resolves plugin stages from r instead of stage.Default.
func WithRegistry(r *stage.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithMetrics reports to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}
