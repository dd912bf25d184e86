// Package builtin provides the fixed, non-pluggable pipeline stages:
// handshake, decode, encode, logger and chunk-writer.
package builtin

import (
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultChunkSize        = 1 << 20
)

// Config carries service-level defaults; per-stage options override them.
type Config struct {
	HandshakeTimeout time.Duration
	MaxFrame         int
	ChunkSize        int
}

// Constructors returns the fixed stage constructors except resolve, which
// the service supplies because it needs the pending table.
func Constructors(cfg Config) map[string]stage.FixedConstructor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = wire.DefaultMaxFrame
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return map[string]stage.FixedConstructor{
		stage.NameHandshake: func(opts stage.Options) (stage.Factory, error) {
			timeout, err := opts.Duration("timeout", cfg.HandshakeTimeout)
			if err != nil {
				return nil, err
			}
			return stage.Shared(NewHandshake(timeout)), nil
		},
		stage.NameDecode: func(opts stage.Options) (stage.Factory, error) {
			maxFrame, err := opts.Int("max_frame", cfg.MaxFrame)
			if err != nil {
				return nil, err
			}
			return stage.Shared(NewDecoder(maxFrame)), nil
		},
		stage.NameEncode: func(opts stage.Options) (stage.Factory, error) {
			maxFrame, err := opts.Int("max_frame", cfg.MaxFrame)
			if err != nil {
				return nil, err
			}
			return stage.Shared(NewEncoder(maxFrame)), nil
		},
		stage.NameLogger: func(opts stage.Options) (stage.Factory, error) {
			payloads, err := opts.Bool("payloads", false)
			if err != nil {
				return nil, err
			}
			return stage.Shared(NewLogger(payloads)), nil
		},
		stage.NameChunkWriter: func(opts stage.Options) (stage.Factory, error) {
			size, err := opts.Int("chunk_size", cfg.ChunkSize)
			if err != nil {
				return nil, err
			}
			return stage.Shared(NewChunkWriter(size)), nil
		},
	}
}
