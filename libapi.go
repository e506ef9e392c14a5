package esbflow

import (
	"context"

	"github.com/drblury/esbflow/internal/runtime/app"
	configpkg "github.com/drblury/esbflow/internal/runtime/config"
	"github.com/drblury/esbflow/internal/runtime/connector"
	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/flow"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/transport"
)

type (
	Config          = configpkg.Config
	ConnectorConfig = configpkg.ConnectorConfig
	ServiceConfig   = configpkg.ServiceConfig
	EndpointConfig  = configpkg.EndpointConfig
	RetryConfig     = configpkg.RetryConfig

	App       = app.App
	AppOption = app.Option

	Connector         = connector.Connector
	ConnectorOption   = connector.Option
	ConnectorSettings = connector.Config
	ConnectorRegistry = connector.Registry
	Owner             = connector.Owner
	Receiver          = connector.Receiver

	Service       = flow.Service
	ServiceOption = flow.Option
	Resolver      = flow.Resolver

	Endpoint = endpointpkg.Endpoint
	Inbound  = endpointpkg.Inbound
	Outbound = endpointpkg.Outbound
	Pattern  = endpointpkg.Pattern

	Message        = msgpkg.Message
	MessageBuilder = msgpkg.Builder
	Metadata       = msgpkg.Metadata

	Processor     = processor.Processor
	ProcessorFunc = processor.Func
	Middleware    = processor.Middleware
	RetryPolicy   = processor.RetryConfig

	State          = lifecycle.State
	LifecycleCount = lifecycle.Counts

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	IllegalStateError     = errspkg.IllegalStateError
	LifecycleError        = errspkg.LifecycleError
	ResourceError         = errspkg.ResourceError
	ConfigValidationError = errspkg.ConfigValidationError

	TransportFactory      = transport.Factory
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	TransportListener     = transport.Listener
)

// Lifecycle states.
const (
	NotInitialised = lifecycle.NotInitialised
	Initialised    = lifecycle.Initialised
	Started        = lifecycle.Started
	Stopped        = lifecycle.Stopped
	Disposed       = lifecycle.Disposed
)

// Exchange patterns.
const (
	OneWay          = endpointpkg.OneWay
	RequestResponse = endpointpkg.RequestResponse
)

const (
	MediaTypeJSON     = msgpkg.MediaTypeJSON
	MediaTypeProtobuf = msgpkg.MediaTypeProtobuf
	MediaTypeText     = msgpkg.MediaTypeText
	CharsetUTF8       = msgpkg.CharsetUTF8

	HeaderCorrelationID = processor.HeaderCorrelationID
)

var (
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewConnector         = connector.New
	NewConnectorRegistry = connector.NewRegistry
	NewService           = flow.New

	NewInbound  = endpointpkg.NewInbound
	NewOutbound = endpointpkg.NewOutbound

	NewMessage        = msgpkg.New
	NewMessageBuilder = msgpkg.NewBuilder
	MessageFromJSON   = msgpkg.FromJSON
	MessageFromProto  = msgpkg.FromProto

	Chain         = processor.Chain
	Wrap          = processor.Wrap
	Identity      = processor.Identity
	Recover       = processor.Recover
	LogMessages   = processor.Log
	CorrelationID = processor.CorrelationID
	Trace         = processor.Trace

	WithTransportRegistry  = app.WithTransportRegistry
	WithPrometheusRegistry = app.WithPrometheusRegistry
	WithTracerProvider     = app.WithTracerProvider
	WithClock              = app.WithClock
	WithShutdownTimeout    = app.WithShutdownTimeout

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	IsIllegalState = errspkg.IsIllegalState
	IsLifecycle    = errspkg.IsLifecycle
	IsResource     = errspkg.IsResource

	ErrNotStarted        = errspkg.ErrNotStarted
	ErrConnectorNotFound = errspkg.ErrConnectorNotFound
	ErrNameRequired      = errspkg.ErrNameRequired
	ErrMessageRequired   = errspkg.ErrMessageRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
)

// NewApp builds a deployment from cfg. See Run for the blocking entry point.
func NewApp(ctx context.Context, cfg *Config, logger ServiceLogger, opts ...AppOption) (*App, error) {
	return app.New(ctx, cfg, logger, opts...)
}

// Run builds the deployment described by cfg and blocks until ctx ends.
func Run(ctx context.Context, cfg *Config, logger ServiceLogger, opts ...AppOption) error {
	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func Retry(cfg RetryPolicy) Middleware {
	return processor.Retry(cfg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
