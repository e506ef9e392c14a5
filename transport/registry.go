package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	ErrUnknownTransport = errors.New("esbflow: unknown transport")
	ErrNilFactory       = errors.New("esbflow: transport builder returned no factory")
)

// Registry maps transport names, as used in connector configuration, to
// their builders and capabilities. Transport packages register themselves
// with DefaultRegistry from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	build Builder
	caps  Capabilities
}

var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds or replaces a builder. Its capabilities report only the
// name until RegisterWithCapabilities is used.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{build: builder, caps: caps}
}

// GetCapabilities returns the capabilities registered for name, or a value
// carrying only the name when nothing is registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[name]; ok {
		return reg.caps
	}
	return Capabilities{Name: name}
}

// Build creates the factory for cfg's transport. A nil logger is replaced by
// a no-op logger.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Factory, error) {
	if cfg == nil {
		return nil, errors.New("esbflow: transport config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetTransport()
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	factory, err := reg.build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", name, err)
	}
	if factory == nil {
		return nil, fmt.Errorf("build %s transport: %w", name, ErrNilFactory)
	}
	return factory, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a factory through DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Factory, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
