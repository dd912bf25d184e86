package stage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type phase int

const (
	phaseHandshake phase = iota
	phaseDecode
	phaseEncode
	phaseLogger
	phasePlugin
	phaseChunkWriter
	phaseResolve
)

var fixedPhases = map[string]phase{
	NameHandshake:   phaseHandshake,
	NameDecode:      phaseDecode,
	NameEncode:      phaseEncode,
	NameLogger:      phaseLogger,
	NameChunkWriter: phaseChunkWriter,
	NameResolve:     phaseResolve,
}

var canonicalFixed = []string{NameHandshake, NameDecode, NameEncode, NameLogger, NameChunkWriter, NameResolve}

// FixedConstructor builds the factory for a fixed stage.
type FixedConstructor func(opts Options) (Factory, error)

// Env is the immutable configuration every pipeline is built from.
type Env struct {
	// Stages is the configured list. Fixed names are optional but must keep
	// canonical relative order; everything else is a plugin stage.
	Stages []Descriptor
	// Fixed maps every fixed stage name to its constructor.
	Fixed map[string]FixedConstructor
	// Registry resolves plugin stages; Default when nil.
	Registry *Registry
	// Verbose enables the logger stage. Listing "logger" in Stages only
	// positions it and supplies its options.
	Verbose bool
	// IdleTimeout bounds the wait for the next request; zero disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type resolvedStage struct {
	name    string
	factory Factory
}

// Builder holds the resolved factories of one service start.
type Builder struct {
	env    Env
	stages []resolvedStage
	log    *slog.Logger
}

// NewBuilder resolves every stage eagerly. Any unresolvable name, provider
// conflict or ordering violation is returned here rather than per connection.
func NewBuilder(env Env) (*Builder, error) {
	if env.Registry == nil {
		env.Registry = Default
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}

	configured := make(map[string]Descriptor)
	var plugins []Descriptor
	last := phaseHandshake
	seen := false
	for _, d := range env.Stages {
		p, fixed := fixedPhases[d.Name]
		if !fixed {
			p = phasePlugin
		}
		if seen && (p < last || (fixed && p == last)) {
			return nil, fmt.Errorf("%w: %q after %s", ErrStageOrder, d.Name, phaseName(last))
		}
		last, seen = p, true
		if fixed {
			configured[d.Name] = d
		} else {
			plugins = append(plugins, d)
		}
	}

	resolved, err := env.Registry.ResolveAll(plugins)
	if err != nil {
		return nil, err
	}

	b := &Builder{env: env, log: env.Logger}

	addFixed := func(name string) error {
		ctor, ok := env.Fixed[name]
		if !ok {
			return fmt.Errorf("%w: fixed stage %q has no constructor", ErrStageNotFound, name)
		}
		f, err := ctor(configured[name].Options)
		if err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		b.stages = append(b.stages, resolvedStage{name: name, factory: f})
		return nil
	}

	for _, name := range canonicalFixed {
		switch name {
		case NameLogger:
			if !env.Verbose {
				if _, listed := configured[name]; listed {
					b.log.Debug("logger stage listed but verbose diagnostics are off")
				}
				continue
			}
		case NameChunkWriter:
			for i, res := range resolved {
				b.log.Debug("resolved plugin stage", "stage", plugins[i].Name, "provider", res.Provider)
				b.stages = append(b.stages, resolvedStage{name: plugins[i].Name, factory: res.Factory})
			}
		}
		if err := addFixed(name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Names returns the stage names in pipeline order.
func (b *Builder) Names() []string {
	names := make([]string, len(b.stages))
	for i, s := range b.stages {
		names[i] = s.name
	}
	return names
}

func phaseName(p phase) string {
	for name, fp := range fixedPhases {
		if fp == p {
			return name
		}
	}
	return "plugin stages"
}

func (b *Builder) String() string {
	return strings.Join(b.Names(), " -> ")
}
