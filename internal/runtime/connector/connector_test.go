package connector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	"github.com/drblury/esbflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/internal/runtime/metrics"
	"github.com/drblury/esbflow/internal/runtime/pool"
	"github.com/drblury/esbflow/internal/runtime/processor"
	"github.com/drblury/esbflow/internal/runtime/workmanager"
)

var (
	outA = endpointpkg.NewOutbound("a", "fake://a")
	outB = endpointpkg.NewOutbound("b", "fake://b")
	inQ  = endpointpkg.NewInbound("q", "fake://q")
)

func TestNewValidation(t *testing.T) {
	factory := newFakeFactory()

	_, err := New("", factory, testLogger())
	assert.ErrorIs(t, err, errspkg.ErrNameRequired)

	_, err = New("c", nil, testLogger())
	assert.ErrorIs(t, err, errspkg.ErrFactoryRequired)

	_, err = New("c", factory, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestLifecycleCounts(t *testing.T) {
	c, factory := newTestConnector(t)
	ctx := context.Background()

	require.NoError(t, c.Initialise(ctx))
	assert.Equal(t, lifecycle.Initialised, c.State())
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Stop(ctx))
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Dispose(ctx))

	assert.Equal(t, lifecycle.Counts{
		Initialise: 1,
		Connect:    2,
		Start:      2,
		Stop:       2,
		Disconnect: 2,
		Dispose:    1,
	}, c.Counts())
	assert.Equal(t, lifecycle.Disposed, c.State())
	assert.Equal(t, 2, factory.connects)
	assert.Equal(t, 2, factory.disconnects)
}

func TestIllegalTransitions(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()

	err := c.Start(ctx)
	assert.True(t, errspkg.IsIllegalState(err))

	require.NoError(t, c.Initialise(ctx))
	assert.True(t, errspkg.IsIllegalState(c.Initialise(ctx)))

	require.NoError(t, c.Start(ctx))
	assert.True(t, errspkg.IsIllegalState(c.Start(ctx)))
	assert.True(t, errspkg.IsIllegalState(c.Disconnect(ctx)))

	counts := c.Counts()
	assert.Equal(t, 1, counts.Initialise)
	assert.Equal(t, 1, counts.Start)

	require.NoError(t, c.Dispose(ctx))
	assert.Equal(t, 1, c.Counts().Stop)
	assert.True(t, errspkg.IsIllegalState(c.Dispose(ctx)))
}

func TestExecutorsExistOnlyWhileStarted(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()

	assert.Nil(t, c.ReceiverWorkManager())
	assert.Nil(t, c.DispatcherWorkManager())
	assert.Nil(t, c.RequesterWorkManager())
	assert.Nil(t, c.Scheduler())

	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))

	first := c.DispatcherWorkManager()
	firstScheduler := c.Scheduler()
	require.NotNil(t, first)
	require.NotNil(t, firstScheduler)
	assert.NotNil(t, c.ReceiverWorkManager())
	assert.NotNil(t, c.RequesterWorkManager())
	assert.False(t, first.IsShutdown())
	assert.False(t, firstScheduler.IsShutdown())
	assert.False(t, firstScheduler.IsTerminated())

	require.NoError(t, c.Stop(ctx))
	assert.Nil(t, c.DispatcherWorkManager())
	assert.Nil(t, c.Scheduler())
	assert.True(t, first.IsShutdown())
	assert.True(t, firstScheduler.IsTerminated())

	require.NoError(t, c.Start(ctx))
	second := c.DispatcherWorkManager()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.NotSame(t, firstScheduler, c.Scheduler())
	assert.False(t, second.IsShutdown())
}

func TestStartRollbackReportsAbandonedWork(t *testing.T) {
	c, factory := newTestConnector(t, WithConfig(Config{
		ReceiverWork: workmanager.Config{Threads: 1, ShutdownTimeout: 20 * time.Millisecond},
	}))
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))

	owner := &fakeOwner{name: "svc"}
	owner.setRunning(true)
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	blocking := processor.Func(func(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		close(entered)
		<-release
		return msg, nil
	})

	_, err := c.RegisterListener(ctx, inQ, blocking, owner)
	require.NoError(t, err)
	_, err = c.RegisterListener(ctx, endpointpkg.NewInbound("r", "fake://r"), processor.Identity(), owner)
	require.NoError(t, err)

	failing := factory.receiver("r")
	failing.failOn = "start"
	failing.beforeStart = func() {
		go func() { _ = factory.receiver("q").deliver(ctx, msgpkg.New([]byte("x"), msgpkg.MediaTypeText)) }()
		<-entered
	}

	err = c.Start(ctx)
	require.Error(t, err)
	assert.True(t, errspkg.IsResource(err))
	assert.ErrorIs(t, err, errspkg.ErrWorkAbandoned)
	assert.Nil(t, c.ReceiverWorkManager())
	assert.Nil(t, c.Scheduler())
	assert.Equal(t, 1, factory.receiver("q").count("stop"))
}

func TestOperationsBeforeStart(t *testing.T) {
	c, factory := newTestConnector(t)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	msg := msgpkg.New([]byte("x"), msgpkg.MediaTypeText)

	_, err := c.Send(ctx, outA, msg)
	assert.True(t, errspkg.IsLifecycle(err))
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)

	err = c.Dispatch(ctx, outA, msg)
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)

	_, err = c.Request(ctx, inQ)
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)

	assert.Zero(t, factory.dispatcherCount())
	assert.Equal(t, pool.Stats{}, c.Dispatchers().Stats())
}

func TestSendReusesDispatcher(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
		require.NoError(t, err)
	}

	stats := c.Dispatchers().Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(2), stats.Reused)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, factory.dispatcherCount())

	d := factory.dispatcher(0)
	assert.Equal(t, 1, d.count("connect"))
	assert.Equal(t, 1, d.count("start"))
	assert.Len(t, factory.sent, 3)
}

func TestSendNilMessage(t *testing.T) {
	c, _ := startedConnector(t)
	_, err := c.Send(context.Background(), outA, nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)
}

func TestSendReturnsResponse(t *testing.T) {
	factory := newFakeFactory()
	factory.reply = msgpkg.New([]byte("pong"), msgpkg.MediaTypeText)
	c, err := New("rr", factory, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Dispose(ctx) }()

	resp, err := c.Send(ctx, outA, msgpkg.New([]byte("ping"), msgpkg.MediaTypeText))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp.Payload())
}

func TestSendFailureInvalidatesDispatcher(t *testing.T) {
	factory := newFakeFactory()
	factory.sendErr = errFake
	c, err := New("failing", factory, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Dispose(ctx) }()

	_, err = c.Send(ctx, outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	assert.ErrorIs(t, err, errFake)

	assert.Zero(t, c.Dispatchers().NumIdle())
	assert.Zero(t, c.Dispatchers().NumActive())
	assert.Equal(t, 1, factory.dispatcher(0).count("dispose"))
}

func TestBorrowFailureLeavesPoolUnchanged(t *testing.T) {
	factory := newFakeFactory()
	factory.dispatcherErr = errFake
	c, err := New("broken", factory, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Dispose(ctx) }()

	_, err = c.Dispatchers().Borrow(ctx, outA)
	assert.True(t, errspkg.IsResource(err))
	assert.ErrorIs(t, err, errFake)

	stats := c.Dispatchers().Stats()
	assert.Zero(t, stats.Created)
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.Active)
}

func TestStopDrainsPools(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()

	for _, ep := range []endpointpkg.Outbound{outA, outB} {
		_, err := c.Send(ctx, ep, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
		require.NoError(t, err)
	}
	borrowed, err := c.Dispatchers().Borrow(ctx, outA)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Dispatchers().NumIdle())
	assert.Equal(t, 1, c.Dispatchers().NumActive())

	require.NoError(t, c.Stop(ctx))

	assert.Zero(t, c.Dispatchers().NumIdle())
	assert.Zero(t, c.Dispatchers().NumActive())
	assert.Empty(t, c.Dispatchers().Keys())
	for i := 0; i < factory.dispatcherCount(); i++ {
		assert.Equal(t, 1, factory.dispatcher(i).count("dispose"))
	}
	assert.Equal(t, lifecycle.Disposed, borrowed.State())

	require.NoError(t, c.Dispatchers().Return(ctx, outA, borrowed))
	assert.Zero(t, c.Dispatchers().NumIdle())
}

func TestStopWaitsForInFlightDispatch(t *testing.T) {
	factory := newFakeFactory()
	factory.hold = make(chan struct{})
	c, err := New("stop", factory, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Dispose(ctx) }()

	require.NoError(t, c.Dispatch(ctx, outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText)))
	require.Eventually(t, func() bool {
		return factory.dispatcherCount() == 1 && factory.dispatcher(0).sending.Load()
	}, 2*time.Second, 5*time.Millisecond)

	time.AfterFunc(50*time.Millisecond, func() { close(factory.hold) })
	require.NoError(t, c.Stop(ctx))

	d := factory.dispatcher(0)
	assert.False(t, d.stoppedMidSend.Load())
	assert.False(t, d.disposedMidSend.Load())
	assert.Equal(t, 1, d.count("dispose"))
	select {
	case <-factory.sent:
	default:
		t.Fatal("in-flight dispatch did not complete")
	}
}

func TestDispatcherBorrowedBeforeStart(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))

	d, err := c.Dispatchers().Borrow(ctx, outA)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Initialised, d.State())
	assert.False(t, d.IsConnected())

	_, err = d.Send(ctx, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)
	require.NoError(t, c.Dispatchers().Return(ctx, outA, d))

	require.NoError(t, c.Start(ctx))
	again, err := c.Dispatchers().Borrow(ctx, outA)
	require.NoError(t, err)
	assert.Same(t, d, again)
	assert.True(t, again.IsStarted())
	assert.True(t, again.IsConnected())
}

func TestDispatch(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	msg := msgpkg.New([]byte("async"), msgpkg.MediaTypeText)

	require.NoError(t, c.Dispatch(ctx, outA, msg))

	select {
	case got := <-factory.sent:
		assert.Equal(t, msg.ID(), got.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never reached the transport")
	}
}

func TestRequest(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	want := msgpkg.New([]byte("pulled"), msgpkg.MediaTypeText)
	factory.requests <- want

	got, err := c.Request(ctx, inQ)
	require.NoError(t, err)
	assert.Equal(t, want.ID(), got.ID())
	assert.Equal(t, 1, c.Requesters().NumIdle())

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Request(timeoutCtx, inQ)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Requesters().NumIdle())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestLogsRequesterDestroyFailure(t *testing.T) {
	var logs lockedBuffer
	factory := newFakeFactory()
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	c, err := New("pull", factory, logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Dispose(ctx) }()

	factory.requests <- msgpkg.New([]byte("first"), msgpkg.MediaTypeText)
	_, err = c.Request(ctx, inQ)
	require.NoError(t, err)

	factory.mu.Lock()
	requester := factory.requesters[0]
	factory.mu.Unlock()
	requester.mu.Lock()
	requester.failOn = "dispose"
	requester.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Request(timeoutCtx, inQ)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "Failed to destroy requester") && strings.Contains(out, "endpoint=q")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOutboundProcessor(t *testing.T) {
	t.Run("one-way", func(t *testing.T) {
		c, factory := startedConnector(t)
		msg := msgpkg.New([]byte("x"), msgpkg.MediaTypeText)

		out, err := c.OutboundProcessor(outA).Process(context.Background(), msg)
		require.NoError(t, err)
		assert.Same(t, msg, out)

		select {
		case <-factory.sent:
		case <-time.After(2 * time.Second):
			t.Fatal("message not dispatched")
		}
	})

	t.Run("request-response", func(t *testing.T) {
		factory := newFakeFactory()
		factory.reply = msgpkg.New([]byte("reply"), msgpkg.MediaTypeText)
		c, err := New("rr", factory, testLogger())
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, c.Initialise(ctx))
		require.NoError(t, c.Start(ctx))
		defer func() { _ = c.Dispose(ctx) }()

		ep := outA
		ep.Pattern = endpointpkg.RequestResponse
		out, err := c.OutboundProcessor(ep).Process(ctx, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
		require.NoError(t, err)
		assert.Equal(t, []byte("reply"), out.Payload())
	})

	t.Run("request-response without reply", func(t *testing.T) {
		c, _ := startedConnector(t)
		ep := outA
		ep.Pattern = endpointpkg.RequestResponse
		msg := msgpkg.New([]byte("x"), msgpkg.MediaTypeText)

		out, err := c.OutboundProcessor(ep).Process(context.Background(), msg)
		require.NoError(t, err)
		assert.Same(t, msg, out)
	})
}

func TestRegisterListenerWithoutOwner(t *testing.T) {
	c, factory := newTestConnector(t)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))

	_, err := c.RegisterListener(ctx, inQ, processor.Func(noopProcessor()), nil)
	require.NoError(t, err)
	_, err = c.RegisterListener(ctx, endpointpkg.NewInbound("r", "fake://r"), processor.Func(noopProcessor()), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.ReceiverCount())
	assert.Equal(t, []string{"q", "r"}, c.ReceiverKeys())

	require.NoError(t, c.Start(ctx))
	r, ok := c.Receiver("q")
	require.True(t, ok)
	assert.False(t, r.IsStarted())
	assert.Zero(t, factory.receiver("q").count("start"))

	require.NoError(t, c.Dispose(ctx))
	assert.Zero(t, c.ReceiverCount())
	assert.Equal(t, 1, factory.receiver("q").count("dispose"))
}

func TestUnownedReceiverRegisteredWhileStarted(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()

	r, err := c.RegisterListener(ctx, inQ, processor.Identity(), nil)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Initialised, r.State())
	assert.False(t, r.IsConnected())
	assert.False(t, r.IsStarted())

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, lifecycle.Initialised, r.State())
	assert.False(t, r.IsConnected())
	assert.False(t, r.IsStarted())

	driver := factory.receiver("q")
	assert.Zero(t, driver.count("connect"))
	assert.Zero(t, driver.count("start"))
	assert.Equal(t, lifecycle.Counts{Initialise: 1}, r.Counts())
}

func TestRegisterListenerWithRunningOwner(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	owner := &fakeOwner{name: "svc"}
	owner.setRunning(true)

	r, err := c.RegisterListener(ctx, inQ, processor.Func(noopProcessor()), owner)
	require.NoError(t, err)
	assert.True(t, r.IsStarted())
	assert.Same(t, owner, r.Owner())

	again, err := c.RegisterListener(ctx, inQ, processor.Func(noopProcessor()), owner)
	require.NoError(t, err)
	assert.Same(t, r, again)

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, c.ReceiverCount())
	assert.False(t, r.IsStarted())
	assert.Equal(t, 1, factory.receiver("q").count("stop"))

	require.NoError(t, c.Start(ctx))
	assert.True(t, r.IsStarted())

	owner.setRunning(false)
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Start(ctx))
	assert.False(t, r.IsStarted())
}

func TestRegisterListenerOwnerNotRunning(t *testing.T) {
	c, _ := startedConnector(t)
	owner := &fakeOwner{name: "svc"}

	r, err := c.RegisterListener(context.Background(), inQ, processor.Func(noopProcessor()), owner)
	require.NoError(t, err)
	assert.False(t, r.IsStarted())
	assert.Equal(t, lifecycle.Initialised, r.State())
}

func TestRegisterListenerValidation(t *testing.T) {
	c, _ := newTestConnector(t)
	ctx := context.Background()

	_, err := c.RegisterListener(ctx, endpointpkg.NewInbound("", "fake://x"), processor.Identity(), nil)
	assert.ErrorIs(t, err, errspkg.ErrEndpointNameRequired)

	_, err = c.RegisterListener(ctx, inQ, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)

	require.NoError(t, c.Dispose(ctx))
	_, err = c.RegisterListener(ctx, inQ, processor.Identity(), nil)
	assert.True(t, errspkg.IsIllegalState(err))
}

func TestRegisterListenerDriverFailure(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	owner := &fakeOwner{name: "svc"}
	owner.setRunning(true)

	factory.mu.Lock()
	factory.receiverErr = errFake
	factory.mu.Unlock()

	_, err := c.RegisterListener(ctx, inQ, processor.Identity(), owner)
	assert.True(t, errspkg.IsResource(err))
	assert.Zero(t, c.ReceiverCount())
}

func TestUnregisterListener(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	owner := &fakeOwner{name: "svc"}
	owner.setRunning(true)

	_, err := c.RegisterListener(ctx, inQ, processor.Identity(), owner)
	require.NoError(t, err)
	require.NoError(t, c.UnregisterListener(ctx, inQ))

	assert.Zero(t, c.ReceiverCount())
	fr := factory.receiver("q")
	assert.Equal(t, 1, fr.count("stop"))
	assert.Equal(t, 1, fr.count("dispose"))

	require.NoError(t, c.UnregisterListener(ctx, inQ))
}

func TestReceiverDelivers(t *testing.T) {
	c, factory := startedConnector(t)
	ctx := context.Background()
	owner := &fakeOwner{name: "svc"}
	owner.setRunning(true)

	got := make(chan *msgpkg.Message, 1)
	proc := processor.Func(func(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		got <- msg
		return msg, nil
	})
	_, err := c.RegisterListener(ctx, inQ, proc, owner)
	require.NoError(t, err)

	msg := msgpkg.New([]byte("in"), msgpkg.MediaTypeText)
	require.NoError(t, factory.receiver("q").deliver(ctx, msg))
	assert.Equal(t, msg.ID(), (<-got).ID())

	failing := errors.New("processing failed")
	_, err = c.RegisterListener(ctx, endpointpkg.NewInbound("bad", "fake://bad"), processor.Func(func(context.Context, *msgpkg.Message) (*msgpkg.Message, error) {
		return nil, failing
	}), owner)
	require.NoError(t, err)
	assert.ErrorIs(t, factory.receiver("bad").deliver(ctx, msg), failing)

	require.NoError(t, c.Stop(ctx))
	err = factory.receiver("q").deliver(ctx, msg)
	assert.True(t, errspkg.IsLifecycle(err))
}

func TestIdleEviction(t *testing.T) {
	mock := clock.NewMock()
	c, factory := startedConnector(t,
		WithClock(mock),
		WithConfig(Config{EvictionInterval: time.Minute, MaxIdle: time.Minute}),
	)
	ctx := context.Background()

	_, err := c.Send(ctx, outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	require.NoError(t, err)
	require.Equal(t, 1, c.Dispatchers().NumIdle())

	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return c.Dispatchers().NumIdle() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return factory.dispatcher(0).count("dispose") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEvictionDisabled(t *testing.T) {
	c, _ := startedConnector(t, WithConfig(Config{EvictionInterval: -1}))
	_, err := c.Send(context.Background(), outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Dispatchers().NumIdle())
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NoError(t, m.Register())

	c, _ := startedConnector(t, WithMetrics(m))
	_, err := c.Send(context.Background(), outA, msgpkg.New([]byte("x"), msgpkg.MediaTypeText))
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "esbflow_connector_messages_total", map[string]string{
		"connector": "test", "endpoint": "a", "operation": "send", "outcome": metrics.OutcomeSuccess,
	}))
	assert.Equal(t, 1.0, counterValue(t, reg, "esbflow_connector_lifecycle_transitions_total", map[string]string{
		"connector": "test", "entity": "connector test", "phase": string(lifecycle.PhaseStart),
	}))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}
