package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Journal types accepted by Open.
const (
	TypeNop   = "nop"
	TypeFile  = "file"
	TypeRedis = "redis"
)

// Config selects and configures a journal implementation.
type Config struct {
	Type string `yaml:"type"`

	// file
	Path         string `yaml:"path"`
	CompactEvery int    `yaml:"compact_every"`
	KeepSegments int    `yaml:"keep_segments"`

	// redis
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
}

// Open returns the journal described by cfg. An empty type is nop.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Journal, error) {
	switch cfg.Type {
	case "", TypeNop:
		return Nop{}, nil
	case TypeFile:
		if cfg.Path == "" {
			return nil, &Error{Op: "open", Err: errors.New("file journal requires a path")}
		}
		f, err := OpenFile(cfg.Path, FileOptions{
			CompactEvery: cfg.CompactEvery,
			KeepSegments: cfg.KeepSegments,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	case TypeRedis:
		r, err := OpenRedis(ctx, cfg.RedisURL, cfg.Key, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, &Error{Op: "open", Err: fmt.Errorf("unknown journal type %q", cfg.Type)}
	}
}
