// Package transport defines the capability set connectors drive and the
// registry of transport builders. Each transport implementation (kafka,
// rabbitmq, aws, etc.) lives in its own sub-package and registers itself with
// the default registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
)

// Driver is the lifecycle capability set every transport component exposes.
// The connector calls these in lifecycle order and never concurrently for the
// same driver.
type Driver interface {
	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// DispatcherDriver sends messages to an outbound endpoint. One-way
// transports return a nil response.
type DispatcherDriver interface {
	Driver
	Send(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error)
}

// RequesterDriver pulls a single message from an inbound endpoint on demand.
type RequesterDriver interface {
	Driver
	Request(ctx context.Context) (*msgpkg.Message, error)
}

// ReceiverDriver delivers inbound messages to a Listener while started.
type ReceiverDriver interface {
	Driver
}

// Listener handles a received message. A returned error asks the transport to
// redeliver when it can.
type Listener func(ctx context.Context, msg *msgpkg.Message) error

// Factory creates drivers for a connector's endpoints.
type Factory interface {
	NewDispatcher(ep endpointpkg.Outbound) (DispatcherDriver, error)
	NewRequester(ep endpointpkg.Inbound) (RequesterDriver, error)
	NewReceiver(ep endpointpkg.Inbound, listener Listener) (ReceiverDriver, error)
}

// Connectable is implemented by factories that hold a connection shared by all
// drivers of a connector, such as an AMQP connection or an HTTP server.
type Connectable interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Builder creates a transport factory from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Factory, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by factories that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
