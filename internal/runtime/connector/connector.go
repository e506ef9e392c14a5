// Package connector implements the connector aggregate: the lifecycle of one
// transport together with its receivers, pooled dispatchers and requesters,
// role-specific work managers and scheduler.
//
// Work managers and the scheduler exist only while the connector is started.
// Start creates fresh instances and starts the receivers whose owning service
// is running; Stop stops receivers, drains both pools completely and tears
// the executors down. Pools are never primed: dispatchers and requesters are
// built on first borrow.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	"github.com/drblury/esbflow/internal/runtime/metrics"
	"github.com/drblury/esbflow/internal/runtime/pool"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/internal/runtime/workmanager"
	"github.com/drblury/esbflow/transport"
)

// Work manager roles.
const (
	RoleReceiver   = "receiver"
	RoleDispatcher = "dispatcher"
	RoleRequester  = "requester"
)

// Connector is the aggregate root of one transport.
type Connector struct {
	name    string
	factory transport.Factory
	logger  loggingpkg.ServiceLogger
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
	lc      *lifecycle.Manager

	dispatchers *pool.KeyedPool[endpointpkg.Outbound, *Dispatcher]
	requesters  *pool.KeyedPool[endpointpkg.Inbound, *Requester]

	mu           sync.RWMutex
	receivers    map[string]*Receiver
	receiverWM   *workmanager.WorkManager
	dispatcherWM *workmanager.WorkManager
	requesterWM  *workmanager.WorkManager
	scheduler    *workmanager.Scheduler
}

// New creates a connector in the NotInitialised state.
func New(name string, factory transport.Factory, logger loggingpkg.ServiceLogger, opts ...Option) (*Connector, error) {
	if name == "" {
		return nil, errspkg.ErrNameRequired
	}
	if factory == nil {
		return nil, errspkg.ErrFactoryRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	c := &Connector{
		name:      name,
		factory:   factory,
		clock:     clock.New(),
		tracer:    defaultTracer(),
		receivers: make(map[string]*Receiver),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	c.logger = loggingpkg.Scoped(logger, loggingpkg.FieldConnector, name)

	c.lc = lifecycle.NewManager("connector "+name, lifecycle.Hooks{
		Initialise: c.doInitialise,
		Connect:    c.doConnect,
		Start:      c.doStart,
		Stop:       c.doStop,
		Disconnect: c.doDisconnect,
		Dispose:    c.doDispose,
	}, lifecycle.WithObserver(c.observe))

	c.dispatchers = pool.New(
		pool.Factory[endpointpkg.Outbound, *Dispatcher]{
			Make:     c.makeDispatcher,
			Activate: func(ctx context.Context, _ endpointpkg.Outbound, d *Dispatcher) error { return c.activate(ctx, d.lc) },
			Destroy:  func(ctx context.Context, _ endpointpkg.Outbound, d *Dispatcher) error { return d.lc.Dispose(ctx) },
		},
		c.cfg.Pool,
		pool.WithClock[endpointpkg.Outbound, *Dispatcher](c.clock.Now),
		pool.WithObserver[endpointpkg.Outbound, *Dispatcher](func(idle, active int) {
			c.metrics.SetPool(c.name, "dispatchers", idle, active)
		}),
	)
	c.requesters = pool.New(
		pool.Factory[endpointpkg.Inbound, *Requester]{
			Make:     c.makeRequester,
			Activate: func(ctx context.Context, _ endpointpkg.Inbound, r *Requester) error { return c.activate(ctx, r.lc) },
			Destroy:  func(ctx context.Context, _ endpointpkg.Inbound, r *Requester) error { return r.lc.Dispose(ctx) },
		},
		c.cfg.Pool,
		pool.WithClock[endpointpkg.Inbound, *Requester](c.clock.Now),
		pool.WithObserver[endpointpkg.Inbound, *Requester](func(idle, active int) {
			c.metrics.SetPool(c.name, "requesters", idle, active)
		}),
	)
	return c, nil
}

func (c *Connector) Name() string { return c.name }

// Factory returns the transport factory the connector drives.
func (c *Connector) Factory() transport.Factory { return c.factory }

func (c *Connector) State() lifecycle.State   { return c.lc.State() }
func (c *Connector) Counts() lifecycle.Counts { return c.lc.Counts() }
func (c *Connector) IsStarted() bool          { return c.lc.IsStarted() }
func (c *Connector) IsConnected() bool        { return c.lc.IsConnected() }
func (c *Connector) IsDisposed() bool         { return c.lc.IsDisposed() }

func (c *Connector) Initialise(ctx context.Context) error { return c.lc.Initialise(ctx) }
func (c *Connector) Connect(ctx context.Context) error    { return c.lc.Connect(ctx) }
func (c *Connector) Start(ctx context.Context) error      { return c.lc.Start(ctx) }
func (c *Connector) Stop(ctx context.Context) error       { return c.lc.Stop(ctx) }
func (c *Connector) Disconnect(ctx context.Context) error { return c.lc.Disconnect(ctx) }
func (c *Connector) Dispose(ctx context.Context) error    { return c.lc.Dispose(ctx) }

// Dispatchers exposes the outbound dispatcher pool.
func (c *Connector) Dispatchers() *pool.KeyedPool[endpointpkg.Outbound, *Dispatcher] {
	return c.dispatchers
}

// Requesters exposes the requester pool.
func (c *Connector) Requesters() *pool.KeyedPool[endpointpkg.Inbound, *Requester] {
	return c.requesters
}

// ReceiverWorkManager returns nil unless the connector is started. The same
// holds for the other executors. Callers must not keep references across a
// stop.
func (c *Connector) ReceiverWorkManager() *workmanager.WorkManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receiverWM
}

func (c *Connector) DispatcherWorkManager() *workmanager.WorkManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dispatcherWM
}

func (c *Connector) RequesterWorkManager() *workmanager.WorkManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requesterWM
}

func (c *Connector) Scheduler() *workmanager.Scheduler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduler
}

// Receiver returns the receiver registered under key, the endpoint name.
func (c *Connector) Receiver(key string) (*Receiver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receivers[key]
	return r, ok
}

func (c *Connector) ReceiverCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.receivers)
}

// ReceiverKeys lists registered receiver keys in order.
func (c *Connector) ReceiverKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.receivers))
	for k := range c.receivers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterListener binds processor to an inbound endpoint. The receiver is
// created when the endpoint has none; an existing receiver is returned as
// is. It is connected and started right away only when the connector is
// started and owner is running. Receivers registered without an owner are
// never started by the connector.
func (c *Connector) RegisterListener(ctx context.Context, ep endpointpkg.Inbound, proc processor.Processor, owner Owner) (*Receiver, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if c.lc.IsDisposed() {
		return nil, errspkg.NewIllegalStateError(c.lc.Entity(), "register listener", lifecycle.Disposed.String())
	}

	c.mu.Lock()
	if existing, ok := c.receivers[ep.Key()]; ok {
		c.mu.Unlock()
		return existing, nil
	}

	r := &Receiver{
		endpoint:  ep,
		connector: c,
		processor: proc,
		owner:     owner,
		logger:    loggingpkg.Scoped(c.logger, loggingpkg.FieldReceiver, ep.Name),
	}
	driver, err := c.factory.NewReceiver(ep, r.listen)
	if err != nil {
		c.mu.Unlock()
		return nil, errspkg.NewResourceError(ep.Key(), err)
	}
	r.driver = driver
	r.lc = lifecycle.NewManager("receiver "+ep.Name, driverHooks(driver), lifecycle.WithObserver(c.observe))
	if err := r.lc.Initialise(ctx); err != nil {
		c.mu.Unlock()
		return nil, errspkg.NewResourceError(ep.Key(), err)
	}
	c.receivers[ep.Key()] = r
	n := len(c.receivers)
	c.mu.Unlock()

	c.metrics.SetReceivers(c.name, n)
	c.logger.Debug("Registered listener", loggingpkg.LogFields{"endpoint": ep.String(), "owned": owner != nil})

	if c.lc.IsStarted() && r.ownerRunning() {
		if err := r.lc.Start(ctx); err != nil {
			c.removeReceiver(ctx, ep.Key())
			return nil, errspkg.NewResourceError(ep.Key(), err)
		}
	}
	return r, nil
}

// UnregisterListener disposes the endpoint's receiver and removes it. Unknown
// endpoints are ignored.
func (c *Connector) UnregisterListener(ctx context.Context, ep endpointpkg.Inbound) error {
	return c.removeReceiver(ctx, ep.Key())
}

func (c *Connector) removeReceiver(ctx context.Context, key string) error {
	c.mu.Lock()
	r, ok := c.receivers[key]
	delete(c.receivers, key)
	n := len(c.receivers)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.metrics.SetReceivers(c.name, n)
	if r.lc.IsDisposed() {
		return nil
	}
	return r.lc.Dispose(ctx)
}

func (c *Connector) snapshotReceivers() []*Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Receiver, 0, len(c.receivers))
	for _, r := range c.receivers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].endpoint.Name < out[j].endpoint.Name })
	return out
}

func (c *Connector) makeDispatcher(ctx context.Context, ep endpointpkg.Outbound) (*Dispatcher, error) {
	driver, err := c.factory.NewDispatcher(ep)
	if err != nil {
		return nil, err
	}
	d := newDispatcher(ep, driver, c.observe)
	if err := d.lc.Initialise(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Connector) makeRequester(ctx context.Context, ep endpointpkg.Inbound) (*Requester, error) {
	driver, err := c.factory.NewRequester(ep)
	if err != nil {
		return nil, err
	}
	r := newRequester(ep, driver, c.observe)
	if err := r.lc.Initialise(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// activate starts a pooled instance once the connector runs. Instances
// borrowed from a connector that is not started stay initialised.
func (c *Connector) activate(ctx context.Context, lc *lifecycle.Manager) error {
	if !c.lc.IsStarted() || lc.IsStarted() {
		return nil
	}
	return lc.Start(ctx)
}

func (c *Connector) observe(entity string, phase lifecycle.Phase) {
	c.metrics.RecordTransition(c.name, entity, string(phase))
	if c.logger != nil {
		c.logger.Debug("Lifecycle transition", loggingpkg.LogFields{"entity": entity, "phase": string(phase)})
	}
}

func (c *Connector) doInitialise(context.Context) error {
	c.logger.Info("Initialising connector", nil)
	return nil
}

func (c *Connector) doConnect(ctx context.Context) error {
	if conn, ok := c.factory.(transport.Connectable); ok {
		if err := conn.Connect(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("Connector connected", nil)
	return nil
}

func (c *Connector) doStart(ctx context.Context) error {
	c.mu.Lock()
	c.receiverWM = c.newWorkManager(RoleReceiver, c.cfg.ReceiverWork)
	c.dispatcherWM = c.newWorkManager(RoleDispatcher, c.cfg.DispatcherWork)
	c.requesterWM = c.newWorkManager(RoleRequester, c.cfg.RequesterWork)
	c.scheduler = workmanager.NewScheduler(c.name+".scheduler", c.clock, c.logger)
	scheduler := c.scheduler
	c.mu.Unlock()

	if c.cfg.EvictionInterval > 0 {
		if _, err := scheduler.ScheduleAtFixedRate(c.cfg.EvictionInterval, c.evictIdle); err != nil {
			return multierr.Append(err, c.teardownExecutors(ctx))
		}
	}

	var started []*Receiver
	for _, r := range c.snapshotReceivers() {
		if !r.ownerRunning() || r.lc.IsStarted() {
			continue
		}
		if err := r.lc.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := s.lc.Stop(ctx); stopErr != nil {
					c.logger.Error("Failed to roll back receiver", stopErr, loggingpkg.LogFields{"receiver": s.endpoint.Name})
				}
			}
			return multierr.Append(errspkg.NewResourceError(r.endpoint.Key(), err), c.teardownExecutors(ctx))
		}
		started = append(started, r)
	}

	c.logger.Info("Connector started", loggingpkg.LogFields{"receivers_started": len(started)})
	return nil
}

func (c *Connector) newWorkManager(role string, cfg workmanager.Config) *workmanager.WorkManager {
	return workmanager.New(c.name+"."+role, cfg, c.logger,
		workmanager.WithActiveObserver(func(active int) {
			c.metrics.SetWorkActive(c.name, role, active)
		}),
		workmanager.WithErrorHandler(func(err error) {
			c.logger.Error("Asynchronous work failed", err, loggingpkg.LogFields{"role": role})
		}),
	)
}

func (c *Connector) evictIdle(ctx context.Context) {
	n, err := c.dispatchers.EvictIdle(ctx, c.cfg.MaxIdle)
	m, rerr := c.requesters.EvictIdle(ctx, c.cfg.MaxIdle)
	if err = multierr.Append(err, rerr); err != nil {
		c.logger.Error("Idle eviction failed", err, nil)
	}
	if n+m > 0 {
		c.logger.Debug("Evicted idle pooled instances", loggingpkg.LogFields{"dispatchers": n, "requesters": m})
	}
}

// doStop always completes the teardown so the executors are gone once the
// connector reports Stopped. Failures are logged.
func (c *Connector) doStop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	var err error
	for _, r := range c.snapshotReceivers() {
		if r.lc.IsStarted() {
			err = multierr.Append(err, r.lc.Stop(ctx))
		}
	}
	// Executors drain before the pools are cleared.
	err = multierr.Append(err, c.teardownExecutors(ctx))
	err = multierr.Append(err, c.dispatchers.Clear(ctx))
	err = multierr.Append(err, c.requesters.Clear(ctx))

	if err != nil {
		c.logger.Error("Connector stopped with errors", err, nil)
		return nil
	}
	c.logger.Info("Connector stopped", nil)
	return nil
}

func (c *Connector) teardownExecutors(ctx context.Context) error {
	c.mu.Lock()
	wms := []*workmanager.WorkManager{c.receiverWM, c.dispatcherWM, c.requesterWM}
	scheduler := c.scheduler
	c.receiverWM, c.dispatcherWM, c.requesterWM, c.scheduler = nil, nil, nil, nil
	c.mu.Unlock()

	var err error
	if scheduler != nil {
		scheduler.Shutdown()
		err = multierr.Append(err, scheduler.AwaitTermination(ctx))
	}
	for _, wm := range wms {
		if wm != nil {
			err = multierr.Append(err, wm.Shutdown(ctx))
		}
	}
	return err
}

func (c *Connector) doDisconnect(ctx context.Context) error {
	var err error
	for _, r := range c.snapshotReceivers() {
		if r.lc.IsConnected() && !r.lc.IsStarted() {
			err = multierr.Append(err, r.lc.Disconnect(ctx))
		}
	}
	if conn, ok := c.factory.(transport.Connectable); ok {
		err = multierr.Append(err, conn.Disconnect(ctx))
	}
	if err != nil {
		c.logger.Error("Connector disconnected with errors", err, nil)
		return nil
	}
	c.logger.Info("Connector disconnected", nil)
	return nil
}

// doDispose empties the receiver registry and both pools unconditionally.
func (c *Connector) doDispose(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	c.mu.Lock()
	receivers := c.receivers
	c.receivers = make(map[string]*Receiver)
	c.mu.Unlock()
	c.metrics.SetReceivers(c.name, 0)

	var err error
	for _, r := range receivers {
		if !r.lc.IsDisposed() {
			err = multierr.Append(err, r.lc.Dispose(ctx))
		}
	}
	err = multierr.Append(err, c.dispatchers.Clear(ctx))
	err = multierr.Append(err, c.requesters.Clear(ctx))

	if err != nil {
		c.logger.Error("Connector disposed with errors", err, nil)
		return nil
	}
	c.logger.Info("Connector disposed", nil)
	return nil
}

func (c *Connector) String() string {
	return fmt.Sprintf("connector %s (%s)", c.name, c.lc.State())
}
