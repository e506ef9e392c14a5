package connector

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/transport"
)

// Owner is the service a listener is registered for.
type Owner interface {
	Name() string
	// IsRunning reports whether the owner accepts messages, including while
	// it is starting and registering its listeners.
	IsRunning() bool
}

// Receiver consumes one inbound endpoint and feeds its processor on the
// connector's receiver work manager.
type Receiver struct {
	endpoint  endpointpkg.Inbound
	connector *Connector
	processor processor.Processor
	owner     Owner
	logger    loggingpkg.ServiceLogger

	driver transport.ReceiverDriver
	lc     *lifecycle.Manager
}

func (r *Receiver) Endpoint() endpointpkg.Inbound { return r.endpoint }
func (r *Receiver) Owner() Owner                  { return r.owner }
func (r *Receiver) State() lifecycle.State        { return r.lc.State() }
func (r *Receiver) Counts() lifecycle.Counts      { return r.lc.Counts() }
func (r *Receiver) IsStarted() bool               { return r.lc.IsStarted() }
func (r *Receiver) IsConnected() bool             { return r.lc.IsConnected() }

func (r *Receiver) ownerRunning() bool {
	return r.owner != nil && r.owner.IsRunning()
}

// listen is the transport.Listener handed to the driver.
func (r *Receiver) listen(ctx context.Context, msg *msgpkg.Message) error {
	wm := r.connector.ReceiverWorkManager()
	if wm == nil {
		return errspkg.NewLifecycleError("receive", r.lc.Entity(), errspkg.ErrNotStarted)
	}
	return wm.DoWork(ctx, func(ctx context.Context) error {
		return r.process(ctx, msg)
	})
}

func (r *Receiver) process(ctx context.Context, msg *msgpkg.Message) error {
	c := r.connector
	ctx, span := c.tracer.Start(ctx, "esbflow.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("esbflow.connector", c.name),
			attribute.String("esbflow.endpoint", r.endpoint.Name),
			attribute.String("esbflow.message_id", msg.ID()),
		),
	)
	defer span.End()

	start := c.clock.Now()
	_, err := r.processor.Process(ctx, msg)
	c.metrics.RecordMessage(c.name, r.endpoint.Name, "receive", err, c.clock.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Processing failed", err, loggingpkg.LogFields{"message_id": msg.ID()})
		return err
	}
	return nil
}
