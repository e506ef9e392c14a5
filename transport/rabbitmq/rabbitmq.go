// Package rabbitmq provides a RabbitMQ/AMQP transport. A connector holds one
// AMQP connection, opened on connect and shared by all of its drivers.
package rabbitmq

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	"github.com/drblury/esbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

var errNotConnected = errors.New("rabbitmq connection is not open")

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection allows overriding how the shared connection is closed.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register adds the RabbitMQ transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ transport factory.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Factory, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	conn := &sharedConnection{url: url, logger: logger}

	return &transport.PubSub{
		Name:   TransportName,
		Logger: logger,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			wrapper, err := conn.current()
			if err != nil {
				return nil, err
			}
			return PublisherFactory(amqpConfig, logger, wrapper)
		},
		NewSubscriber: func(context.Context, endpointpkg.Inbound) (message.Subscriber, error) {
			wrapper, err := conn.current()
			if err != nil {
				return nil, err
			}
			return SubscriberFactory(amqpConfig, logger, wrapper)
		},
		OnConnect:    conn.open,
		OnDisconnect: conn.close,
		Caps:         transport.RabbitMQCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

type sharedConnection struct {
	url    string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	wrapper *amqp.ConnectionWrapper
}

func (c *sharedConnection) open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper != nil {
		return nil
	}
	wrapper, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   c.url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, c.logger)
	if err != nil {
		return err
	}
	c.wrapper = wrapper
	return nil
}

func (c *sharedConnection) close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper == nil {
		return nil
	}
	err := CloseConnection(c.wrapper)
	c.wrapper = nil
	return err
}

func (c *sharedConnection) current() (*amqp.ConnectionWrapper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapper == nil {
		return nil, errNotConnected
	}
	return c.wrapper, nil
}
