// Package flow hosts services: named message flows that consume one or more
// inbound endpoints and run every message through a processor chain.
//
// A service does not own transports. Starting it registers a listener per
// inbound endpoint on the endpoint's connector, with the service as owner, so
// the receivers run whenever both the service and the connector are started.
// Stopping it unregisters those listeners again.
package flow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/drblury/esbflow/internal/runtime/connector"
	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	"github.com/drblury/esbflow/internal/runtime/metrics"
	"github.com/drblury/esbflow/internal/runtime/processor"
)

// Resolver finds the connector an endpoint belongs to. *connector.Registry
// implements it.
type Resolver interface {
	Lookup(name string) (*connector.Connector, error)
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records the service's lifecycle transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

type binding struct {
	connector *connector.Connector
	endpoint  endpointpkg.Inbound
}

// Service is a message flow bound to inbound endpoints.
type Service struct {
	name      string
	inbound   []endpointpkg.Inbound
	processor processor.Processor
	resolver  Resolver
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.Metrics
	lc        *lifecycle.Manager

	mu       sync.Mutex
	bindings []binding
}

var _ connector.Owner = (*Service)(nil)

// New creates a service in the NotInitialised state. Every inbound endpoint
// must name its connector.
func New(name string, inbound []endpointpkg.Inbound, proc processor.Processor, resolver Resolver, logger loggingpkg.ServiceLogger, opts ...Option) (*Service, error) {
	if name == "" {
		return nil, errspkg.ErrNameRequired
	}
	if len(inbound) == 0 {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrInboundRequired, name)
	}
	if proc == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if resolver == nil {
		return nil, errspkg.ErrResolverRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	for _, ep := range inbound {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if ep.Connector == "" {
			return nil, fmt.Errorf("%w: endpoint %s", errspkg.ErrConnectorRequired, ep.Name)
		}
	}

	s := &Service{
		name:      name,
		inbound:   append([]endpointpkg.Inbound(nil), inbound...),
		processor: proc,
		resolver:  resolver,
		logger:    loggingpkg.Scoped(logger, loggingpkg.FieldService, name),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lc = lifecycle.NewManager("service "+name, lifecycle.Hooks{
		Initialise: s.doInitialise,
		Start:      s.doStart,
		Stop:       s.doStop,
	}, lifecycle.WithObserver(s.observe))
	return s, nil
}

func (s *Service) Name() string { return s.name }

// Inbound returns a copy of the endpoints the service consumes.
func (s *Service) Inbound() []endpointpkg.Inbound {
	return append([]endpointpkg.Inbound(nil), s.inbound...)
}

func (s *Service) State() lifecycle.State   { return s.lc.State() }
func (s *Service) Counts() lifecycle.Counts { return s.lc.Counts() }
func (s *Service) IsStarted() bool          { return s.lc.IsStarted() }
func (s *Service) IsDisposed() bool         { return s.lc.IsDisposed() }

// IsRunning reports true while the service is started and while it is
// starting, so listeners registered by Start come up with it.
func (s *Service) IsRunning() bool {
	state := s.lc.State()
	return state == lifecycle.Starting || state == lifecycle.Started
}

func (s *Service) Initialise(ctx context.Context) error { return s.lc.Initialise(ctx) }
func (s *Service) Start(ctx context.Context) error      { return s.lc.Start(ctx) }
func (s *Service) Stop(ctx context.Context) error       { return s.lc.Stop(ctx) }

// Dispose stops a started service before releasing it.
func (s *Service) Dispose(ctx context.Context) error { return s.lc.Dispose(ctx) }

func (s *Service) observe(entity string, phase lifecycle.Phase) {
	s.metrics.RecordTransition("", entity, string(phase))
	s.logger.Debug("Lifecycle transition", loggingpkg.LogFields{"phase": string(phase)})
}

// doInitialise resolves every connector up front so a misconfigured flow
// fails before anything starts.
func (s *Service) doInitialise(context.Context) error {
	for _, ep := range s.inbound {
		if _, err := s.resolver.Lookup(ep.Connector); err != nil {
			return fmt.Errorf("service %s, endpoint %s: %w", s.name, ep.Name, err)
		}
	}
	return nil
}

func (s *Service) doStart(ctx context.Context) error {
	registered := make([]binding, 0, len(s.inbound))
	for _, ep := range s.inbound {
		c, err := s.resolver.Lookup(ep.Connector)
		if err == nil {
			_, err = c.RegisterListener(ctx, ep, s.processor, s)
		}
		if err != nil {
			for _, b := range registered {
				if unErr := b.connector.UnregisterListener(ctx, b.endpoint); unErr != nil {
					s.logger.Error("Failed to roll back listener", unErr, loggingpkg.LogFields{"endpoint": b.endpoint.Name})
				}
			}
			return fmt.Errorf("service %s, endpoint %s: %w", s.name, ep.Name, err)
		}
		registered = append(registered, binding{connector: c, endpoint: ep})
	}

	s.mu.Lock()
	s.bindings = registered
	s.mu.Unlock()

	s.logger.Info("Service started", loggingpkg.LogFields{"inbound": len(registered)})
	return nil
}

// doStop unregisters every listener. Failures are logged and the service
// still reaches Stopped.
func (s *Service) doStop(ctx context.Context) error {
	s.mu.Lock()
	bindings := s.bindings
	s.bindings = nil
	s.mu.Unlock()

	var err error
	for i := len(bindings) - 1; i >= 0; i-- {
		b := bindings[i]
		err = multierr.Append(err, b.connector.UnregisterListener(ctx, b.endpoint))
	}
	if err != nil {
		s.logger.Error("Service stopped with errors", err, nil)
		return nil
	}
	s.logger.Info("Service stopped", nil)
	return nil
}

func (s *Service) String() string {
	return fmt.Sprintf("service %s (%s)", s.name, s.lc.State())
}
