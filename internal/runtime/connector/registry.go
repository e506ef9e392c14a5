package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
)

// Registry maps connector names to connectors. It is owned by the
// deployment that builds it; there is no global instance.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
	order      []string
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]*Connector)}
}

// Register adds c. Names must be unique.
func (r *Registry) Register(c *Connector) error {
	if c == nil {
		return errspkg.ErrConnectorRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("esbflow: connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	r.order = append(r.order, c.Name())
	return nil
}

// Lookup returns the connector registered under name.
func (r *Registry) Lookup(name string) (*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrConnectorNotFound, name)
	}
	return c, nil
}

// Names lists registered connector names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []*Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.connectors[name])
	}
	return out
}

// StartAll initialises connectors that need it and starts those not yet
// started, in registration order. It stops at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, c := range r.snapshot() {
		if c.State() == lifecycle.NotInitialised {
			if err := c.Initialise(ctx); err != nil {
				return err
			}
		}
		if c.IsStarted() {
			continue
		}
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops started connectors in reverse registration order.
func (r *Registry) StopAll(ctx context.Context) error {
	connectors := r.snapshot()
	var err error
	for i := len(connectors) - 1; i >= 0; i-- {
		if connectors[i].IsStarted() {
			err = multierr.Append(err, connectors[i].Stop(ctx))
		}
	}
	return err
}

// DisposeAll disposes every connector not yet disposed, in reverse
// registration order, and aggregates the failures.
func (r *Registry) DisposeAll(ctx context.Context) error {
	connectors := r.snapshot()
	var err error
	for i := len(connectors) - 1; i >= 0; i-- {
		if !connectors[i].IsDisposed() {
			err = multierr.Append(err, connectors[i].Dispose(ctx))
		}
	}
	return err
}
