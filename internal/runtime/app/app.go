// Package app assembles a deployment from configuration: one connector per
// configured transport and one service per configured flow, each service
// forwarding what it receives to its outbound endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/esbflow/internal/runtime/config"
	"github.com/drblury/esbflow/internal/runtime/connector"
	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/flow"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	"github.com/drblury/esbflow/internal/runtime/metrics"
	"github.com/drblury/esbflow/internal/runtime/pool"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/internal/runtime/workmanager"
	"github.com/drblury/esbflow/transport"
)

// DefaultShutdownTimeout bounds the teardown once Run's context ends.
const DefaultShutdownTimeout = 30 * time.Second

// Option customises an App.
type Option func(*App)

// WithTransportRegistry builds connectors from r instead of the default
// registry.
func WithTransportRegistry(r *transport.Registry) Option {
	return func(a *App) {
		if r != nil {
			a.transports = r
		}
	}
}

// WithPrometheusRegistry registers collectors on reg and serves it on
// /metrics. Defaults to a fresh registry with Go and process collectors.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		if reg != nil {
			a.registry = reg
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) {
		a.tracerProvider = tp
	}
}

// WithClock sets the clock handed to every connector.
func WithClock(clk clock.Clock) Option {
	return func(a *App) {
		a.clock = clk
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

// App owns the connectors and services of one deployment.
type App struct {
	cfg    *configpkg.Config
	logger loggingpkg.ServiceLogger

	transports      *transport.Registry
	registry        *prometheus.Registry
	tracerProvider  trace.TracerProvider
	clock           clock.Clock
	shutdownTimeout time.Duration

	metrics    *metrics.Metrics
	connectors *connector.Registry
	services   []*flow.Service
}

// New validates cfg and builds every connector and service. Nothing is
// connected or started until Run.
func New(ctx context.Context, cfg *configpkg.Config, logger loggingpkg.ServiceLogger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	a := &App{
		cfg:             cfg,
		logger:          logger,
		transports:      transport.DefaultRegistry,
		shutdownTimeout: DefaultShutdownTimeout,
		connectors:      connector.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.MetricsEnabled {
		if a.registry == nil {
			a.registry = prometheus.NewRegistry()
			a.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		a.metrics = metrics.New(a.registry)
		if err := a.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	for i := range cfg.Connectors {
		if err := a.buildConnector(ctx, &cfg.Connectors[i]); err != nil {
			return nil, err
		}
	}
	for _, svcCfg := range cfg.Services {
		svc, err := a.buildService(svcCfg)
		if err != nil {
			return nil, err
		}
		a.services = append(a.services, svc)
	}
	return a, nil
}

func (a *App) buildConnector(ctx context.Context, cfg *configpkg.ConnectorConfig) error {
	logger := loggingpkg.Scoped(a.logger, loggingpkg.FieldTransport, cfg.Transport)
	factory, err := a.transports.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return fmt.Errorf("connector %s: %w", cfg.Name, err)
	}

	opts := []connector.Option{
		connector.WithConfig(connectorConfig(cfg)),
		connector.WithMetrics(a.metrics),
		connector.WithTracerProvider(a.tracerProvider),
	}
	if a.clock != nil {
		opts = append(opts, connector.WithClock(a.clock))
	}
	c, err := connector.New(cfg.Name, factory, logger, opts...)
	if err != nil {
		return fmt.Errorf("connector %s: %w", cfg.Name, err)
	}
	return a.connectors.Register(c)
}

func connectorConfig(cfg *configpkg.ConnectorConfig) connector.Config {
	wm := func(c configpkg.WorkManagerConfig) workmanager.Config {
		return workmanager.Config{Threads: c.Threads, ShutdownTimeout: c.ShutdownTimeout}
	}
	return connector.Config{
		ReceiverWork:     wm(cfg.ReceiverWork),
		DispatcherWork:   wm(cfg.DispatcherWork),
		RequesterWork:    wm(cfg.RequesterWork),
		Pool:             pool.Config{MaxIdlePerKey: cfg.Pool.MaxIdlePerKey},
		EvictionInterval: cfg.EvictionInterval,
		MaxIdle:          cfg.MaxIdle,
		StopTimeout:      cfg.StopTimeout,
	}
}

func toEndpoint(cfg configpkg.EndpointConfig) endpointpkg.Endpoint {
	return endpointpkg.Endpoint{
		Name:      cfg.Name,
		Address:   cfg.Address,
		Connector: cfg.Connector,
		Pattern:   endpointpkg.Pattern(cfg.Pattern),
	}
}

// buildService chains the outbound endpoints behind the standard middleware
// stack. A service without outbound endpoints only logs what it receives.
func (a *App) buildService(cfg configpkg.ServiceConfig) (*flow.Service, error) {
	logger := loggingpkg.Scoped(a.logger, loggingpkg.FieldService, cfg.Name)

	inbound := make([]endpointpkg.Inbound, 0, len(cfg.Inbound))
	for _, ep := range cfg.Inbound {
		inbound = append(inbound, endpointpkg.Inbound{Endpoint: toEndpoint(ep)})
	}

	steps := make([]processor.Processor, 0, len(cfg.Outbound))
	for _, epCfg := range cfg.Outbound {
		ep := endpointpkg.Outbound{Endpoint: toEndpoint(epCfg)}
		c, err := a.connectors.Lookup(ep.Connector)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", cfg.Name, err)
		}
		steps = append(steps, c.OutboundProcessor(ep))
	}
	chain := processor.Identity()
	if len(steps) > 0 {
		chain = processor.Chain(steps...)
	}

	middlewares := []processor.Middleware{
		processor.Recover(),
		processor.CorrelationID(),
		processor.Trace("esbflow.service." + cfg.Name),
		processor.Log(logger),
	}
	if cfg.Retry.MaxRetries >= 0 {
		middlewares = append(middlewares, processor.Retry(processor.RetryConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			RetryIf:         retryable,
		}))
	}

	return flow.New(cfg.Name, inbound, processor.Wrap(chain, middlewares...), a.connectors, logger, flow.WithMetrics(a.metrics))
}

// retryable skips retries for lifecycle and state errors, which do not heal
// by themselves.
func retryable(err error) bool {
	return !errspkg.IsLifecycle(err) && !errspkg.IsIllegalState(err)
}

func (a *App) Connectors() *connector.Registry { return a.connectors }

// Services returns the services in configuration order.
func (a *App) Services() []*flow.Service {
	return append([]*flow.Service(nil), a.services...)
}

// Service returns the service named name.
func (a *App) Service(name string) (*flow.Service, bool) {
	for _, s := range a.services {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Start initialises and starts every connector and then every service.
// On failure everything already started is torn down again.
func (a *App) Start(ctx context.Context) error {
	if err := a.connectors.StartAll(ctx); err != nil {
		return multierr.Append(fmt.Errorf("start connectors: %w", err), a.Shutdown(ctx))
	}
	for _, svc := range a.services {
		if err := svc.Initialise(ctx); err != nil {
			return multierr.Append(err, a.Shutdown(ctx))
		}
		if err := svc.Start(ctx); err != nil {
			return multierr.Append(err, a.Shutdown(ctx))
		}
	}
	a.logger.Info("Deployment started", loggingpkg.LogFields{
		"connectors": a.connectors.Names(),
		"services":   len(a.services),
	})
	return nil
}

// Shutdown disposes services in reverse order and then every connector.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	for i := len(a.services) - 1; i >= 0; i-- {
		if svc := a.services[i]; !svc.IsDisposed() {
			err = multierr.Append(err, svc.Dispose(ctx))
		}
	}
	err = multierr.Append(err, a.connectors.DisposeAll(ctx))
	if err != nil {
		a.logger.Error("Deployment shut down with errors", err, nil)
		return err
	}
	a.logger.Info("Deployment shut down", nil)
	return nil
}

// Run starts the deployment, serves /metrics when enabled and blocks until
// ctx ends or the metrics server fails. The deployment is shut down before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if server := a.metricsServer(); server != nil {
		g.Go(func() error {
			a.logger.Info("Starting metrics server", loggingpkg.LogFields{"address": server.Addr})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	return multierr.Append(runErr, a.Shutdown(shutdownCtx))
}

func (a *App) metricsServer() *http.Server {
	if !a.cfg.MetricsEnabled || a.cfg.MetricsPort == 0 || a.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
