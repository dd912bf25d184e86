package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrStageNotFound is returned when no provider resolves a stage name.
	ErrStageNotFound = errors.New("stage: not found")
	// ErrStageConflict is returned when two providers of equal priority
	// both claim a stage name.
	ErrStageConflict = errors.New("stage: conflicting providers")
	// ErrStageOrder is returned when fixed stages are configured out of order.
	ErrStageOrder = errors.New("stage: invalid order")
)

// Provider is a source of stage factories. NewFactory returns (nil, nil)
// when the provider does not know the name.
type Provider interface {
	Name() string
	// Priority orders providers; higher values are consulted first.
	Priority() int
	NewFactory(name string, opts Options) (Factory, error)
}

// Resolution records which provider produced a factory.
type Resolution struct {
	Factory  Factory
	Provider string
}

// Registry holds the providers visible to a process.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p. Provider names must be unique.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("stage: nil provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.Name() == p.Name() {
			return fmt.Errorf("stage: provider %q already registered", p.Name())
		}
	}
	r.providers = append(r.providers, p)
	return nil
}

// Discover returns the providers ordered by descending priority, then by
// registration order.
func (r *Registry) Discover() []Provider {
	r.mu.RLock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// Resolve returns the first factory any provider produces for name. A second
// provider with the same priority claiming the name is a conflict.
func (r *Registry) Resolve(name string, opts Options) (Resolution, error) {
	var (
		winner   Resolution
		priority int
		found    bool
	)
	for _, p := range r.Discover() {
		if found && p.Priority() < priority {
			break
		}
		f, err := p.NewFactory(name, opts)
		if err != nil {
			return Resolution{}, fmt.Errorf("stage %q: provider %s: %w", name, p.Name(), err)
		}
		if f == nil {
			continue
		}
		if found {
			return Resolution{}, fmt.Errorf("%w: %q claimed by %s and %s",
				ErrStageConflict, name, winner.Provider, p.Name())
		}
		winner = Resolution{Factory: f, Provider: p.Name()}
		priority = p.Priority()
		found = true
	}
	if !found {
		return Resolution{}, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return winner, nil
}

// ResolveAll resolves descs in order and stops at the first failure.
func (r *Registry) ResolveAll(descs []Descriptor) ([]Resolution, error) {
	out := make([]Resolution, 0, len(descs))
	for _, d := range descs {
		res, err := r.Resolve(d.Name, d.Options)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Default is the process-wide registry plugin packages register into.
var Default = NewRegistry()

// Register adds p to Default and panics on error. Intended for init funcs.
func Register(p Provider) {
	if err := Default.Register(p); err != nil {
		panic(err)
	}
}

// Constructor builds a factory from stage options.
type Constructor func(opts Options) (Factory, error)

type staticProvider struct {
	name     string
	priority int
	ctors    map[string]Constructor
}

// NewProvider returns a provider serving a fixed set of stage names.
func NewProvider(name string, priority int, ctors map[string]Constructor) Provider {
	copied := make(map[string]Constructor, len(ctors))
	for k, v := range ctors {
		copied[k] = v
	}
	return &staticProvider{name: name, priority: priority, ctors: copied}
}

func (p *staticProvider) Name() string  { return p.name }
func (p *staticProvider) Priority() int { return p.priority }

func (p *staticProvider) NewFactory(name string, opts Options) (Factory, error) {
	ctor, ok := p.ctors[name]
	if !ok {
		return nil, nil
	}
	return ctor(opts)
}
