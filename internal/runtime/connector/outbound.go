package connector

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/internal/runtime/workmanager"
)

// workManagerFor returns the executor of role, or a LifecycleError wrapping
// ErrNotStarted when the connector is not started.
func (c *Connector) workManagerFor(op, role string) (*workmanager.WorkManager, error) {
	notStarted := errspkg.NewLifecycleError(op, c.lc.Entity(), errspkg.ErrNotStarted)
	if !c.lc.IsStarted() {
		return nil, notStarted
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var wm *workmanager.WorkManager
	switch role {
	case RoleReceiver:
		wm = c.receiverWM
	case RoleDispatcher:
		wm = c.dispatcherWM
	case RoleRequester:
		wm = c.requesterWM
	}
	if wm == nil {
		return nil, notStarted
	}
	return wm, nil
}

func (c *Connector) startSpan(ctx context.Context, op string, ep endpointpkg.Endpoint, msg *msgpkg.Message) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("esbflow.connector", c.name),
		attribute.String("esbflow.endpoint", ep.Name),
		attribute.String("esbflow.address", ep.Address),
	}
	if msg != nil {
		attrs = append(attrs, attribute.String("esbflow.message_id", msg.ID()))
	}
	return c.tracer.Start(ctx, "esbflow."+op,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Send delivers msg to the outbound endpoint on the dispatcher work manager
// and waits for the transport's response. One-way transports return a nil
// response.
func (c *Connector) Send(ctx context.Context, ep endpointpkg.Outbound, msg *msgpkg.Message) (*msgpkg.Message, error) {
	wm, err := c.workManagerFor("send", RoleDispatcher)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}

	ctx, span := c.startSpan(ctx, "send", ep.Endpoint, msg)
	start := c.clock.Now()

	var resp *msgpkg.Message
	err = wm.DoWork(ctx, func(ctx context.Context) error {
		var sendErr error
		resp, sendErr = c.send(ctx, ep, msg)
		return sendErr
	})

	c.metrics.RecordMessage(c.name, ep.Name, "send", err, c.clock.Since(start))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Dispatch queues msg for asynchronous delivery. It returns once the
// dispatcher work manager accepted the work; delivery errors are logged.
func (c *Connector) Dispatch(ctx context.Context, ep endpointpkg.Outbound, msg *msgpkg.Message) error {
	wm, err := c.workManagerFor("dispatch", RoleDispatcher)
	if err != nil {
		return err
	}
	if msg == nil {
		return errspkg.ErrMessageRequired
	}

	return wm.ScheduleWork(ctx, func(ctx context.Context) error {
		ctx, span := c.startSpan(ctx, "dispatch", ep.Endpoint, msg)
		start := c.clock.Now()
		_, err := c.send(ctx, ep, msg)
		c.metrics.RecordMessage(c.name, ep.Name, "dispatch", err, c.clock.Since(start))
		endSpan(span, err)
		return err
	})
}

// send borrows a dispatcher for ep, sends and returns it. A dispatcher that
// failed to send is invalidated.
func (c *Connector) send(ctx context.Context, ep endpointpkg.Outbound, msg *msgpkg.Message) (*msgpkg.Message, error) {
	d, err := c.dispatchers.Borrow(ctx, ep)
	if err != nil {
		return nil, err
	}
	resp, err := d.Send(ctx, msg)
	if err != nil {
		if invErr := c.dispatchers.Invalidate(ctx, ep, d); invErr != nil {
			c.logger.Error("Failed to destroy dispatcher", invErr, loggingpkg.LogFields{"endpoint": ep.Name})
		}
		return nil, err
	}
	return resp, c.dispatchers.Return(ctx, ep, d)
}

// Request pulls one message from the inbound endpoint on the requester work
// manager, waiting until one arrives or ctx ends.
func (c *Connector) Request(ctx context.Context, ep endpointpkg.Inbound) (*msgpkg.Message, error) {
	wm, err := c.workManagerFor("request", RoleRequester)
	if err != nil {
		return nil, err
	}

	ctx, span := c.startSpan(ctx, "request", ep.Endpoint, nil)
	start := c.clock.Now()

	var msg *msgpkg.Message
	err = wm.DoWork(ctx, func(ctx context.Context) error {
		r, err := c.requesters.Borrow(ctx, ep)
		if err != nil {
			return err
		}
		msg, err = r.Request(ctx)
		if err != nil {
			if invErr := c.requesters.Invalidate(ctx, ep, r); invErr != nil {
				c.logger.Error("Failed to destroy requester", invErr, loggingpkg.LogFields{"endpoint": ep.Name})
			}
			return err
		}
		return c.requesters.Return(ctx, ep, r)
	})

	c.metrics.RecordMessage(c.name, ep.Name, "request", err, c.clock.Since(start))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// OutboundProcessor returns a processor that forwards messages to ep.
// Request-response endpoints are sent synchronously and the response, when
// the transport returns one, continues down the chain. One-way endpoints are
// dispatched and the original message continues.
func (c *Connector) OutboundProcessor(ep endpointpkg.Outbound) processor.Processor {
	return processor.Func(func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		if ep.ExchangePattern() == endpointpkg.RequestResponse {
			resp, err := c.Send(ctx, ep, msg)
			if err != nil {
				return nil, err
			}
			if resp == nil {
				return msg, nil
			}
			return resp, nil
		}
		if err := c.Dispatch(ctx, ep, msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
}
