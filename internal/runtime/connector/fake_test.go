package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
	"github.com/drblury/esbflow/transport"
)

var errFake = errors.New("fake transport failure")

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.Discard()
}

type fakeDriver struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn string
}

func (d *fakeDriver) record(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn == op {
		return errFake
	}
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[op]++
	return nil
}

func (d *fakeDriver) count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *fakeDriver) Connect(context.Context) error    { return d.record("connect") }
func (d *fakeDriver) Start(context.Context) error      { return d.record("start") }
func (d *fakeDriver) Stop(context.Context) error       { return d.record("stop") }
func (d *fakeDriver) Disconnect(context.Context) error { return d.record("disconnect") }
func (d *fakeDriver) Dispose(context.Context) error    { return d.record("dispose") }

type fakeDispatcher struct {
	fakeDriver
	endpoint endpointpkg.Outbound
	reply    *msgpkg.Message
	sendErr  error
	sent     chan *msgpkg.Message

	// hold, when set, keeps Send running until it is closed.
	hold            <-chan struct{}
	sending         atomic.Bool
	stoppedMidSend  atomic.Bool
	disposedMidSend atomic.Bool
}

func (d *fakeDispatcher) Send(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	if d.hold != nil {
		d.sending.Store(true)
		defer d.sending.Store(false)
		<-d.hold
	}
	d.sent <- msg
	return d.reply, nil
}

func (d *fakeDispatcher) Stop(ctx context.Context) error {
	if d.sending.Load() {
		d.stoppedMidSend.Store(true)
	}
	return d.fakeDriver.Stop(ctx)
}

func (d *fakeDispatcher) Dispose(ctx context.Context) error {
	if d.sending.Load() {
		d.disposedMidSend.Store(true)
	}
	return d.fakeDriver.Dispose(ctx)
}

type fakeRequester struct {
	fakeDriver
	queue <-chan *msgpkg.Message
}

func (r *fakeRequester) Request(ctx context.Context) (*msgpkg.Message, error) {
	select {
	case msg := <-r.queue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeReceiver struct {
	fakeDriver
	listener    transport.Listener
	beforeStart func()
}

func (r *fakeReceiver) Start(ctx context.Context) error {
	if r.beforeStart != nil {
		r.beforeStart()
	}
	return r.fakeDriver.Start(ctx)
}

func (r *fakeReceiver) deliver(ctx context.Context, msg *msgpkg.Message) error {
	return r.listener(ctx, msg)
}

// fakeFactory records every driver it builds. Its Connect and Disconnect
// stand in for a connector-wide connection.
type fakeFactory struct {
	mu          sync.Mutex
	dispatchers []*fakeDispatcher
	requesters  []*fakeRequester
	receivers   map[string]*fakeReceiver

	reply         *msgpkg.Message
	sendErr       error
	hold          chan struct{}
	dispatcherErr error
	receiverErr   error
	requests      chan *msgpkg.Message
	sent          chan *msgpkg.Message

	connects    int
	disconnects int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		receivers: make(map[string]*fakeReceiver),
		requests:  make(chan *msgpkg.Message, 16),
		sent:      make(chan *msgpkg.Message, 64),
	}
}

func (f *fakeFactory) NewDispatcher(ep endpointpkg.Outbound) (transport.DispatcherDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatcherErr != nil {
		return nil, f.dispatcherErr
	}
	d := &fakeDispatcher{endpoint: ep, reply: f.reply, sendErr: f.sendErr, sent: f.sent, hold: f.hold}
	f.dispatchers = append(f.dispatchers, d)
	return d, nil
}

func (f *fakeFactory) NewRequester(endpointpkg.Inbound) (transport.RequesterDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRequester{queue: f.requests}
	f.requesters = append(f.requesters, r)
	return r, nil
}

func (f *fakeFactory) NewReceiver(ep endpointpkg.Inbound, listener transport.Listener) (transport.ReceiverDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiverErr != nil {
		return nil, f.receiverErr
	}
	r := &fakeReceiver{listener: listener}
	f.receivers[ep.Name] = r
	return r, nil
}

func (f *fakeFactory) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeFactory) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeFactory) dispatcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatchers)
}

func (f *fakeFactory) dispatcher(i int) *fakeDispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatchers[i]
}

func (f *fakeFactory) receiver(name string) *fakeReceiver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receivers[name]
}

type fakeOwner struct {
	name string

	mu      sync.Mutex
	running bool
}

func (o *fakeOwner) Name() string { return o.name }

func (o *fakeOwner) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *fakeOwner) setRunning(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = v
}

func newTestConnector(t *testing.T, opts ...Option) (*Connector, *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	c, err := New("test", factory, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !c.IsDisposed() {
			_ = c.Dispose(context.Background())
		}
	})
	return c, factory
}

func startedConnector(t *testing.T, opts ...Option) (*Connector, *fakeFactory) {
	t.Helper()
	c, factory := newTestConnector(t, opts...)
	ctx := context.Background()
	require.NoError(t, c.Initialise(ctx))
	require.NoError(t, c.Start(ctx))
	return c, factory
}

func noopProcessor() func(context.Context, *msgpkg.Message) (*msgpkg.Message, error) {
	return func(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		return msg, nil
	}
}
