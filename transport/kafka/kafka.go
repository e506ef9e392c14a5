// Package kafka provides a Kafka transport. Each dispatcher owns a producer
// and each receiver or requester joins the configured consumer group.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	"github.com/drblury/esbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the Kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport factory. Brokers are contacted when a
// driver connects, not here.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Factory, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()

	return &transport.PubSub{
		Name:   TransportName,
		Logger: logger,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				kafka.PublisherConfig{
					Brokers:   brokers,
					Marshaler: kafka.DefaultMarshaler{},
				},
				logger,
			)
		},
		NewSubscriber: func(_ context.Context, ep endpointpkg.Inbound) (message.Subscriber, error) {
			group := consumerGroup
			if group == "" {
				group = ep.Name
			}
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:       brokers,
					Unmarshaler:   kafka.DefaultMarshaler{},
					ConsumerGroup: group,
				},
				logger,
			)
		},
		Caps: transport.KafkaCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
