// Package http provides an HTTP webhook transport. Dispatchers POST each
// message to the publisher URL joined with the endpoint resource; receivers
// expose the resource as a path on one server per connector, started when the
// connector connects.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	"github.com/drblury/esbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

var errNotConnected = errors.New("http server is not running")

// Server is the webhook server shared by a connector's receivers.
type Server interface {
	message.Subscriber
	StartHTTPServer() error
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// ServerFactory allows overriding the server creation for testing.
var ServerFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (Server, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates an HTTP transport factory.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Factory, error) {
	publisherURL := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")
	srv := &webhookServer{addr: cfg.GetHTTPServerAddress(), logger: logger}

	return &transport.PubSub{
		Name:   TransportName,
		Logger: logger,
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return PublisherFactory(
				http.PublisherConfig{
					MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
						return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
					},
				},
				logger,
			)
		},
		NewSubscriber: func(context.Context, endpointpkg.Inbound) (message.Subscriber, error) {
			server, err := srv.current()
			if err != nil {
				return nil, err
			}
			return sharedServer{server}, nil
		},
		Topic:        Path,
		OnConnect:    srv.start,
		OnDisconnect: srv.close,
		Caps:         transport.HTTPCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Path maps an endpoint to the URL path it is published to and served on.
func Path(ep endpointpkg.Endpoint) string {
	return "/" + strings.TrimPrefix(ep.Resource(), "/")
}

type webhookServer struct {
	addr   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	server Server
}

func (w *webhookServer) start(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}

	server, err := ServerFactory(
		w.addr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		w.logger,
	)
	if err != nil {
		return err
	}
	w.server = server

	go func() {
		if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			w.logger.Error("HTTP server stopped", err, watermill.LogFields{"addr": w.addr})
		}
	}()
	return nil
}

func (w *webhookServer) close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server == nil {
		return nil
	}
	err := w.server.Close()
	w.server = nil
	return err
}

func (w *webhookServer) current() (Server, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server == nil {
		return nil, errNotConnected
	}
	return w.server, nil
}

// Receivers stop their route by cancelling the subscription; only the
// connector shuts the server down.
type sharedServer struct{ message.Subscriber }

func (sharedServer) Close() error { return nil }
