package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
)

type sharedPublisher struct{ message.Publisher }

func (sharedPublisher) Close() error { return nil }

type sharedSubscriber struct{ message.Subscriber }

func (sharedSubscriber) Close() error { return nil }

func newChannelPubSub(t *testing.T) *PubSub {
	t.Helper()
	gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = gc.Close() })
	return &PubSub{
		Name: "test",
		NewPublisher: func(context.Context) (message.Publisher, error) {
			return sharedPublisher{gc}, nil
		},
		NewSubscriber: func(context.Context, endpointpkg.Inbound) (message.Subscriber, error) {
			return sharedSubscriber{gc}, nil
		},
	}
}

func TestPubSubDispatcherToReceiver(t *testing.T) {
	ps := newChannelPubSub(t)
	ctx := context.Background()

	received := make(chan *msgpkg.Message, 1)
	rcv, err := ps.NewReceiver(endpointpkg.NewInbound("in", "channel://orders"), func(_ context.Context, msg *msgpkg.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, rcv.Connect(ctx))
	require.NoError(t, rcv.Start(ctx))
	t.Cleanup(func() { _ = rcv.Dispose(ctx) })

	dsp, err := ps.NewDispatcher(endpointpkg.NewOutbound("out", "channel://orders"))
	require.NoError(t, err)
	require.NoError(t, dsp.Connect(ctx))

	sent := msgpkg.NewBuilder().Payload([]byte("order-1")).MediaType(msgpkg.MediaTypeText).Build()
	reply, err := dsp.Send(ctx, sent)
	require.NoError(t, err)
	assert.Nil(t, reply)

	select {
	case got := <-received:
		assert.Equal(t, sent.ID(), got.ID())
		assert.Equal(t, []byte("order-1"), got.Payload())
		assert.Equal(t, msgpkg.MediaTypeText, got.MediaType())
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, dsp.Disconnect(ctx))
	_, err = dsp.Send(ctx, sent)
	assert.ErrorIs(t, err, ErrDriverNotConnected)
}

func TestPubSubReceiverNacksOnListenerError(t *testing.T) {
	ps := newChannelPubSub(t)
	ctx := context.Background()

	var calls atomic.Int32
	done := make(chan struct{})
	rcv, err := ps.NewReceiver(endpointpkg.NewInbound("in", "channel://retry"), func(context.Context, *msgpkg.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("try again")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, rcv.Connect(ctx))
	require.NoError(t, rcv.Start(ctx))
	t.Cleanup(func() { _ = rcv.Dispose(ctx) })

	dsp, err := ps.NewDispatcher(endpointpkg.NewOutbound("out", "channel://retry"))
	require.NoError(t, err)
	require.NoError(t, dsp.Connect(ctx))
	_, err = dsp.Send(ctx, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, int32(2), calls.Load())
	case <-time.After(time.Second):
		t.Fatal("nacked message was not redelivered")
	}
}

func TestPubSubReceiverStopEndsConsumption(t *testing.T) {
	ps := newChannelPubSub(t)
	ctx := context.Background()

	var calls atomic.Int32
	rcv, err := ps.NewReceiver(endpointpkg.NewInbound("in", "channel://stop"), func(context.Context, *msgpkg.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Error(t, rcv.Start(ctx), "start requires connect")
	require.NoError(t, rcv.Connect(ctx))
	require.NoError(t, rcv.Start(ctx))
	require.NoError(t, rcv.Stop(ctx))
	require.NoError(t, rcv.Stop(ctx), "stop is idempotent at driver level")

	dsp, err := ps.NewDispatcher(endpointpkg.NewOutbound("out", "channel://stop"))
	require.NoError(t, err)
	require.NoError(t, dsp.Connect(ctx))
	_, err = dsp.Send(ctx, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
	require.NoError(t, rcv.Disconnect(ctx))
}

func TestPubSubRequester(t *testing.T) {
	ps := newChannelPubSub(t)
	ctx := context.Background()

	req, err := ps.NewRequester(endpointpkg.NewInbound("poll", "channel://jobs"))
	require.NoError(t, err)
	_, err = req.Request(ctx)
	assert.ErrorIs(t, err, ErrDriverNotConnected)

	require.NoError(t, req.Connect(ctx))
	require.NoError(t, req.Start(ctx))
	t.Cleanup(func() { _ = req.Dispose(ctx) })

	dsp, err := ps.NewDispatcher(endpointpkg.NewOutbound("out", "channel://jobs"))
	require.NoError(t, err)
	require.NoError(t, dsp.Connect(ctx))

	sent := msgpkg.New([]byte("job"), msgpkg.MediaTypeText)
	go func() { _, _ = dsp.Send(ctx, sent) }()

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := req.Request(reqCtx)
	require.NoError(t, err)
	assert.Equal(t, sent.ID(), got.ID())

	emptyCtx, cancelEmpty := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelEmpty()
	_, err = req.Request(emptyCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPubSubFactoryValidation(t *testing.T) {
	empty := &PubSub{Name: "empty"}

	_, err := empty.NewDispatcher(endpointpkg.NewOutbound("out", "x://y"))
	assert.Error(t, err)
	_, err = empty.NewRequester(endpointpkg.NewInbound("in", "x://y"))
	assert.Error(t, err)

	ps := newChannelPubSub(t)
	_, err = ps.NewReceiver(endpointpkg.NewInbound("in", "x://y"), nil)
	assert.Error(t, err)
}

func TestPubSubConnectable(t *testing.T) {
	var connects, disconnects int
	ps := &PubSub{
		OnConnect:    func(context.Context) error { connects++; return nil },
		OnDisconnect: func(context.Context) error { disconnects++; return nil },
		Caps:         ChannelCapabilities,
	}

	var c Connectable = ps
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)

	var provider CapabilitiesProvider = ps
	assert.Equal(t, "channel", provider.Capabilities().Name)

	require.NoError(t, (&PubSub{}).Connect(context.Background()), "hooks are optional")
}

func TestPubSubTopicOverride(t *testing.T) {
	ps := &PubSub{Topic: func(ep endpointpkg.Endpoint) string { return "prefix." + ep.Name }}
	assert.Equal(t, "prefix.orders", ps.topic(endpointpkg.Endpoint{Name: "orders", Address: "kafka://ignored"}))
	assert.Equal(t, "ignored", (&PubSub{}).topic(endpointpkg.Endpoint{Address: "kafka://ignored"}))
}

func TestPubSubDispatcherRejectsOversizedPayload(t *testing.T) {
	ps := newChannelPubSub(t)
	ps.Caps = Capabilities{Name: "test", MaxMessageSize: 4}
	ctx := context.Background()

	dsp, err := ps.NewDispatcher(endpointpkg.NewOutbound("out", "channel://small"))
	require.NoError(t, err)
	require.NoError(t, dsp.Connect(ctx))
	t.Cleanup(func() { _ = dsp.Dispose(ctx) })

	_, err = dsp.Send(ctx, msgpkg.New([]byte("12345"), msgpkg.MediaTypeText))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = dsp.Send(ctx, msgpkg.New([]byte("1234"), msgpkg.MediaTypeText))
	assert.NoError(t, err)
}
