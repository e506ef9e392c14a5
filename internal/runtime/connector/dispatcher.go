package connector

import (
	"context"
	"fmt"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/transport"
)

// driverHooks maps the lifecycle phases of an entity onto its transport
// driver.
func driverHooks(d transport.Driver) lifecycle.Hooks {
	return lifecycle.Hooks{
		Connect:    d.Connect,
		Start:      d.Start,
		Stop:       d.Stop,
		Disconnect: d.Disconnect,
		Dispose:    d.Dispose,
	}
}

// Dispatcher sends messages to one outbound endpoint. Dispatchers are pooled
// per endpoint and only send while started.
type Dispatcher struct {
	endpoint endpointpkg.Outbound
	driver   transport.DispatcherDriver
	lc       *lifecycle.Manager
}

func newDispatcher(ep endpointpkg.Outbound, driver transport.DispatcherDriver, observer lifecycle.Observer) *Dispatcher {
	return &Dispatcher{
		endpoint: ep,
		driver:   driver,
		lc:       lifecycle.NewManager("dispatcher "+ep.Name, driverHooks(driver), lifecycle.WithObserver(observer)),
	}
}

func (d *Dispatcher) Endpoint() endpointpkg.Outbound { return d.endpoint }
func (d *Dispatcher) State() lifecycle.State         { return d.lc.State() }
func (d *Dispatcher) Counts() lifecycle.Counts       { return d.lc.Counts() }
func (d *Dispatcher) IsStarted() bool                { return d.lc.IsStarted() }
func (d *Dispatcher) IsConnected() bool              { return d.lc.IsConnected() }

// Send hands msg to the transport and returns its response, if any.
func (d *Dispatcher) Send(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
	if !d.lc.IsStarted() {
		return nil, errspkg.NewLifecycleError("send", d.lc.Entity(), errspkg.ErrNotStarted)
	}
	resp, err := d.driver.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", d.endpoint, err)
	}
	return resp, nil
}

// Requester pulls single messages from one inbound endpoint on demand.
type Requester struct {
	endpoint endpointpkg.Inbound
	driver   transport.RequesterDriver
	lc       *lifecycle.Manager
}

func newRequester(ep endpointpkg.Inbound, driver transport.RequesterDriver, observer lifecycle.Observer) *Requester {
	return &Requester{
		endpoint: ep,
		driver:   driver,
		lc:       lifecycle.NewManager("requester "+ep.Name, driverHooks(driver), lifecycle.WithObserver(observer)),
	}
}

func (r *Requester) Endpoint() endpointpkg.Inbound { return r.endpoint }
func (r *Requester) State() lifecycle.State        { return r.lc.State() }
func (r *Requester) Counts() lifecycle.Counts      { return r.lc.Counts() }
func (r *Requester) IsStarted() bool               { return r.lc.IsStarted() }
func (r *Requester) IsConnected() bool             { return r.lc.IsConnected() }

// Request blocks until a message arrives or ctx ends.
func (r *Requester) Request(ctx context.Context) (*msgpkg.Message, error) {
	if !r.lc.IsStarted() {
		return nil, errspkg.NewLifecycleError("request", r.lc.Entity(), errspkg.ErrNotStarted)
	}
	msg, err := r.driver.Request(ctx)
	if err != nil {
		return nil, fmt.Errorf("request from %s: %w", r.endpoint, err)
	}
	return msg, nil
}
