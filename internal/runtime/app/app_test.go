package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/esbflow/internal/runtime/config"
	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/transport"
	"github.com/drblury/esbflow/transport/channel"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func channelTransports() *transport.Registry {
	r := transport.NewRegistry()
	r.RegisterWithCapabilities(channel.TransportName, channel.Build, channel.Capabilities())
	return r
}

func relayConfig() *configpkg.Config {
	return &configpkg.Config{
		Connectors: []configpkg.ConnectorConfig{{Name: "bus", Transport: "channel"}},
		Services: []configpkg.ServiceConfig{{
			Name:     "relay",
			Inbound:  []configpkg.EndpointConfig{{Name: "in", Address: "channel://in", Connector: "bus"}},
			Outbound: []configpkg.EndpointConfig{{Name: "out", Address: "channel://out", Connector: "bus"}},
			Retry:    configpkg.RetryConfig{MaxRetries: -1},
		}},
	}
}

type testOwner struct{}

func (testOwner) Name() string    { return "test" }
func (testOwner) IsRunning() bool { return true }

func TestNewValidation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, nil, testLogger())
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = New(ctx, relayConfig(), nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = New(ctx, &configpkg.Config{}, testLogger())
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewUnknownTransport(t *testing.T) {
	cfg := relayConfig()
	cfg.Connectors[0].Transport = "carrier-pigeon"

	_, err := New(context.Background(), cfg, testLogger(), WithTransportRegistry(channelTransports()))
	assert.ErrorIs(t, err, transport.ErrUnknownTransport)
	assert.Contains(t, err.Error(), "connector bus")
}

func TestRelayFlow(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, relayConfig(), testLogger(), WithTransportRegistry(channelTransports()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Shutdown(ctx) }()

	bus, err := a.Connectors().Lookup("bus")
	require.NoError(t, err)
	svc, ok := a.Service("relay")
	require.True(t, ok)
	assert.True(t, svc.IsStarted())

	received := make(chan *msgpkg.Message, 1)
	out := endpointpkg.NewInbound("out-tap", "channel://out")
	_, err = bus.RegisterListener(ctx, out, processor.Func(func(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		received <- msg
		return msg, nil
	}), testOwner{})
	require.NoError(t, err)

	in := endpointpkg.NewOutbound("in-feed", "channel://in")
	_, err = bus.Send(ctx, in, msgpkg.New([]byte("hello"), msgpkg.MediaTypeText))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Payload()))
		_, hasCorrelation := msg.Header(processor.HeaderCorrelationID)
		assert.True(t, hasCorrelation)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed message never arrived")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := relayConfig()
	cfg.MetricsEnabled = true
	a, err := New(context.Background(), cfg, testLogger(), WithTransportRegistry(channelTransports()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	svc, _ := a.Service("relay")
	require.Eventually(t, svc.IsStarted, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	bus, err := a.Connectors().Lookup("bus")
	require.NoError(t, err)
	assert.True(t, bus.IsDisposed())
	assert.True(t, svc.IsDisposed())
}

func TestMetricsRegistry(t *testing.T) {
	cfg := relayConfig()
	cfg.MetricsEnabled = true
	ctx := context.Background()

	a, err := New(ctx, cfg, testLogger(), WithTransportRegistry(channelTransports()))
	require.NoError(t, err)
	require.NotNil(t, a.Registry())
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Shutdown(ctx) }()

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["esbflow_connector_lifecycle_transitions_total"])
	assert.True(t, names["go_goroutines"])
}

func TestMetricsDisabled(t *testing.T) {
	a, err := New(context.Background(), relayConfig(), testLogger(), WithTransportRegistry(channelTransports()))
	require.NoError(t, err)
	assert.Nil(t, a.Registry())
	assert.Nil(t, a.metricsServer())
}
