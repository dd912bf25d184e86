// Package stage assembles per-connection protocol pipelines from named
// stages. Fixed stages (handshake, codec, diagnostics, chunking, request
// resolution) are supplied by the service; plugin stages are resolved from
// explicitly registered providers.
package stage

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// Fixed stage names in canonical pipeline order.
const (
	NameHandshake   = "handshake"
	NameDecode      = "decode"
	NameEncode      = "encode"
	NameLogger      = "logger"
	NameChunkWriter = "chunk-writer"
	NameResolve     = "resolve"
)

// Options is the opaque per-stage configuration.
type Options map[string]string

// String returns the value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Int parses key as an integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// Duration parses key with time.ParseDuration.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// Bool parses key with strconv.ParseBool.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}

// Descriptor names a stage and carries its options. Descriptors are built
// once from configuration and never modified afterwards.
type Descriptor struct {
	Name    string  `yaml:"name"`
	Options Options `yaml:"options,omitempty"`
}

// Stage is one unit of per-connection processing. A stage takes part in the
// pipeline through the optional interfaces below; a single instance may
// implement several of them.
type Stage interface {
	Name() string
}

// ConnStage runs once against the raw connection before any frame is read.
type ConnStage interface {
	Stage
	Attach(ctx context.Context, conn net.Conn) error
}

// RequestReader yields decoded requests.
type RequestReader interface {
	ReadRequest() (*wire.Request, error)
}

// ResponseWriter accepts responses for the peer.
type ResponseWriter interface {
	WriteResponse(resp *wire.Response) error
}

// DecodeStage turns connection bytes into requests.
type DecodeStage interface {
	Stage
	NewDecoder(r io.Reader) RequestReader
}

// EncodeStage turns responses into connection bytes.
type EncodeStage interface {
	Stage
	NewEncoder(w io.Writer) ResponseWriter
}

// Next passes a request to the following inbound stage.
type Next func(ctx context.Context, req *wire.Request) error

// InboundStage sees every decoded request in order. A stage that answers a
// request itself does not call next. Returning an error closes the
// connection; recoverable failures are reported with Session.Reply instead.
type InboundStage interface {
	Stage
	Handle(ctx context.Context, sess *Session, req *wire.Request, next Next) error
}

// OutboundStage decorates the response path. Stages later in the pipeline
// wrap earlier ones, so the last outbound stage sees responses first.
type OutboundStage interface {
	Stage
	WrapWriter(sess *Session, w ResponseWriter) ResponseWriter
}

// Releaser is implemented by stages holding per-connection resources.
type Releaser interface {
	Release()
}

// Factory produces stage instances for one configured name. Factories for
// stages without connection state may hand out one shared instance;
// everything else must return a fresh instance per call.
type Factory interface {
	Name() string
	NewStage() (Stage, error)
}

type funcFactory struct {
	name string
	fn   func() (Stage, error)
}

func (f funcFactory) Name() string             { return f.name }
func (f funcFactory) NewStage() (Stage, error) { return f.fn() }

// FactoryFunc adapts fn to a Factory.
func FactoryFunc(name string, fn func() (Stage, error)) Factory {
	return funcFactory{name: name, fn: fn}
}

// Shared returns a factory handing out s on every call.
func Shared(s Stage) Factory {
	return funcFactory{name: s.Name(), fn: func() (Stage, error) { return s, nil }}
}
