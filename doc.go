// Package esbflow is a connector and flow runtime on top of Watermill. A
// Connector binds one transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP or
// Go channels) to a shared lifecycle: initialise, connect, start, stop,
// disconnect and dispose. Each transition is validated, counted exactly once
// and rejected with an IllegalStateError when it does not apply.
//
// While started, a connector owns three work managers (receivers,
// dispatchers, requesters) and keeps dispatchers and requesters in keyed
// pools so repeated sends to the same endpoint reuse a live instance. Idle
// instances are evicted on a schedule. Stopping drains both pools and shuts
// the work managers down.
//
// A Service routes messages that arrive on its inbound endpoints through a
// Processor chain. Starting a service registers one receiver per inbound
// endpoint on the connector that endpoint names; a receiver only runs while
// both the connector and its owning service are started.
//
// # Deployments
//
// NewApp (or the esbflow command) builds every connector and service from a
// Config loaded with LoadConfig, serves Prometheus metrics when enabled and
// tears everything down in reverse order on shutdown:
//
//	cfg, err := esbflow.LoadConfig("esbflow.yaml")
//	if err != nil {
//		return err
//	}
//	return esbflow.Run(ctx, cfg, esbflow.NewSlogServiceLogger(slog.Default()))
//
// # Transports
//
// Transports register themselves with DefaultTransportRegistry when their
// package is imported. Import github.com/drblury/esbflow/transport/transports
// to register all of them.
package esbflow
