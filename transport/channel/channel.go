// Package channel provides an in-memory Go channel transport. Every
// dispatcher, receiver and requester of a connector shares one GoChannel,
// created when the connector connects and closed when it disconnects.
// This transport is useful for testing and local development.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	"github.com/drblury/esbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var errNotConnected = errors.New("channel transport is not connected")

// PubSub is the publisher and subscriber pair backing the bus.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// PubSubFactory allows overriding the channel creation for testing.
var PubSubFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) PubSub {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a channel transport factory.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Factory, error) {
	b := &bus{logger: logger}
	return &transport.PubSub{
		Name:   TransportName,
		Logger: logger,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			pubSub, err := b.current()
			if err != nil {
				return nil, err
			}
			return sharedPublisher{pubSub}, nil
		},
		NewSubscriber: func(context.Context, endpointpkg.Inbound) (message.Subscriber, error) {
			pubSub, err := b.current()
			if err != nil {
				return nil, err
			}
			return sharedSubscriber{pubSub}, nil
		},
		OnConnect:    b.connect,
		OnDisconnect: b.disconnect,
		Caps:         transport.ChannelCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type bus struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	pubSub PubSub
}

func (b *bus) connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubSub == nil {
		b.pubSub = PubSubFactory(gochannel.Config{}, b.logger)
	}
	return nil
}

func (b *bus) disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubSub == nil {
		return nil
	}
	err := b.pubSub.Close()
	b.pubSub = nil
	return err
}

func (b *bus) current() (PubSub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubSub == nil {
		return nil, errNotConnected
	}
	return b.pubSub, nil
}

// Drivers close their view of the bus; only the connector closes the bus.
type sharedPublisher struct{ message.Publisher }

func (sharedPublisher) Close() error { return nil }

type sharedSubscriber struct{ message.Subscriber }

func (sharedSubscriber) Close() error { return nil }
