// Package nats provides a NATS Core transport. Receivers of the same inbound
// endpoint join one queue group so replicas share the load.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	"github.com/drblury/esbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	clientName    = "esbflow"
	reconnectWait = 2 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS transport factory.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Factory, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}

	return &transport.PubSub{
		Name:   TransportName,
		Logger: logger,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				wmnats.PublisherConfig{
					URL:         url,
					NatsOptions: connectionOptions(),
					Marshaler:   marshaler,
					JetStream:   wmnats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
		NewSubscriber: func(_ context.Context, ep endpointpkg.Inbound) (message.Subscriber, error) {
			return SubscriberFactory(
				wmnats.SubscriberConfig{
					URL:              url,
					NatsOptions:      connectionOptions(),
					QueueGroupPrefix: ep.Name,
					Unmarshaler:      marshaler,
					JetStream:        wmnats.JetStreamConfig{Disabled: true},
				},
				logger,
			)
		},
		Caps: transport.NATSCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func connectionOptions() []nc.Option {
	return []nc.Option{
		nc.Name(clientName),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
	}
}
