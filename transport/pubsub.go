package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	endpointpkg "github.com/drblury/esbflow/internal/runtime/endpoint"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
)

var (
	// ErrDriverNotConnected is returned when a driver is used before Connect.
	ErrDriverNotConnected = errors.New("esbflow: transport driver is not connected")
	// ErrMessageTooLarge is returned when a payload exceeds the transport's
	// MaxMessageSize.
	ErrMessageTooLarge = errors.New("esbflow: message exceeds transport size limit")
)

// PubSub adapts Watermill publisher and subscriber constructors into a
// Factory. Dispatchers publish through a publisher created on Connect,
// receivers subscribe on Start and ack or nack per listener result, and
// requesters pull one message per Request.
type PubSub struct {
	Name   string
	Logger watermill.LoggerAdapter

	// NewPublisher creates the publisher of one dispatcher.
	NewPublisher func(ctx context.Context) (message.Publisher, error)
	// NewSubscriber creates the subscriber of one receiver or requester.
	NewSubscriber func(ctx context.Context, ep endpointpkg.Inbound) (message.Subscriber, error)
	// Topic maps an endpoint to a Watermill topic. Defaults to its resource.
	Topic func(ep endpointpkg.Endpoint) string

	// OnConnect and OnDisconnect manage connector-wide resources.
	OnConnect    func(ctx context.Context) error
	OnDisconnect func(ctx context.Context) error

	Caps Capabilities
}

var (
	_ Factory              = (*PubSub)(nil)
	_ Connectable          = (*PubSub)(nil)
	_ CapabilitiesProvider = (*PubSub)(nil)
)

func (p *PubSub) Connect(ctx context.Context) error {
	if p.OnConnect == nil {
		return nil
	}
	return p.OnConnect(ctx)
}

func (p *PubSub) Disconnect(ctx context.Context) error {
	if p.OnDisconnect == nil {
		return nil
	}
	return p.OnDisconnect(ctx)
}

func (p *PubSub) Capabilities() Capabilities {
	return p.Caps
}

func (p *PubSub) topic(ep endpointpkg.Endpoint) string {
	if p.Topic != nil {
		return p.Topic(ep)
	}
	return ep.Resource()
}

func (p *PubSub) logger() watermill.LoggerAdapter {
	if p.Logger == nil {
		return watermill.NopLogger{}
	}
	return p.Logger
}

func (p *PubSub) NewDispatcher(ep endpointpkg.Outbound) (DispatcherDriver, error) {
	if p.NewPublisher == nil {
		return nil, fmt.Errorf("esbflow: transport %s cannot dispatch", p.Name)
	}
	return &pubSubDispatcher{ps: p, ep: ep, topic: p.topic(ep.Endpoint)}, nil
}

func (p *PubSub) NewRequester(ep endpointpkg.Inbound) (RequesterDriver, error) {
	if p.NewSubscriber == nil {
		return nil, fmt.Errorf("esbflow: transport %s cannot request", p.Name)
	}
	return &pubSubRequester{ps: p, ep: ep, topic: p.topic(ep.Endpoint)}, nil
}

func (p *PubSub) NewReceiver(ep endpointpkg.Inbound, listener Listener) (ReceiverDriver, error) {
	if p.NewSubscriber == nil {
		return nil, fmt.Errorf("esbflow: transport %s cannot receive", p.Name)
	}
	if listener == nil {
		return nil, fmt.Errorf("esbflow: receiver %s requires a listener", ep.Name)
	}
	return &pubSubReceiver{ps: p, ep: ep, topic: p.topic(ep.Endpoint), listener: listener}, nil
}

type pubSubDispatcher struct {
	ps    *PubSub
	ep    endpointpkg.Outbound
	topic string

	mu  sync.Mutex
	pub message.Publisher
}

func (d *pubSubDispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pub, err := d.ps.NewPublisher(ctx)
	if err != nil {
		return fmt.Errorf("create publisher for %s: %w", d.ep, err)
	}
	d.pub = pub
	return nil
}

func (d *pubSubDispatcher) Start(context.Context) error { return nil }
func (d *pubSubDispatcher) Stop(context.Context) error  { return nil }

func (d *pubSubDispatcher) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *pubSubDispatcher) Dispose(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *pubSubDispatcher) closeLocked() error {
	if d.pub == nil {
		return nil
	}
	err := d.pub.Close()
	d.pub = nil
	return err
}

func (d *pubSubDispatcher) Send(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
	d.mu.Lock()
	pub := d.pub
	d.mu.Unlock()
	if pub == nil {
		return nil, fmt.Errorf("%s: %w", d.ep, ErrDriverNotConnected)
	}
	if size := len(msg.Payload()); !d.ps.Caps.Accepts(size) {
		return nil, fmt.Errorf("%s: %d bytes over %d: %w", d.ep, size, d.ps.Caps.MaxMessageSize, ErrMessageTooLarge)
	}

	wm := msg.ToWatermill()
	wm.SetContext(ctx)
	if err := pub.Publish(d.topic, wm); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", d.topic, err)
	}
	return nil, nil
}

type pubSubReceiver struct {
	ps       *PubSub
	ep       endpointpkg.Inbound
	topic    string
	listener Listener

	mu     sync.Mutex
	sub    message.Subscriber
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *pubSubReceiver) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, err := r.ps.NewSubscriber(ctx, r.ep)
	if err != nil {
		return fmt.Errorf("create subscriber for %s: %w", r.ep, err)
	}
	r.sub = sub
	return nil
}

func (r *pubSubReceiver) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return fmt.Errorf("%s: %w", r.ep, ErrDriverNotConnected)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	msgs, err := r.sub.Subscribe(runCtx, r.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", r.topic, err)
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.consume(runCtx, msgs, r.done)
	return nil
}

func (r *pubSubReceiver) consume(ctx context.Context, msgs <-chan *message.Message, done chan struct{}) {
	defer close(done)
	logger := r.ps.logger().With(watermill.LogFields{"endpoint": r.ep.Name, "topic": r.topic})
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-msgs:
			if !ok {
				return
			}
			if err := r.listener(ctx, msgpkg.FromWatermill(wm)); err != nil {
				logger.Error("Listener failed, nacking message", err, watermill.LogFields{"message_uuid": wm.UUID})
				wm.Nack()
				continue
			}
			wm.Ack()
		}
	}
}

func (r *pubSubReceiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *pubSubReceiver) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *pubSubReceiver) Dispose(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *pubSubReceiver) closeLocked() error {
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

type pubSubRequester struct {
	ps    *PubSub
	ep    endpointpkg.Inbound
	topic string

	mu     sync.Mutex
	sub    message.Subscriber
	msgs   <-chan *message.Message
	cancel context.CancelFunc
}

func (q *pubSubRequester) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	sub, err := q.ps.NewSubscriber(ctx, q.ep)
	if err != nil {
		return fmt.Errorf("create subscriber for %s: %w", q.ep, err)
	}
	q.sub = sub
	return nil
}

func (q *pubSubRequester) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub == nil {
		return fmt.Errorf("%s: %w", q.ep, ErrDriverNotConnected)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	msgs, err := q.sub.Subscribe(runCtx, q.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", q.topic, err)
	}
	q.msgs, q.cancel = msgs, cancel
	return nil
}

func (q *pubSubRequester) Request(ctx context.Context) (*msgpkg.Message, error) {
	q.mu.Lock()
	msgs := q.msgs
	q.mu.Unlock()
	if msgs == nil {
		return nil, fmt.Errorf("%s: %w", q.ep, ErrDriverNotConnected)
	}

	select {
	case wm, ok := <-msgs:
		if !ok {
			return nil, fmt.Errorf("esbflow: subscription to %s closed", q.topic)
		}
		wm.Ack()
		return msgpkg.FromWatermill(wm), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *pubSubRequester) Stop(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cancel, q.msgs = nil, nil
	return nil
}

func (q *pubSubRequester) Disconnect(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

func (q *pubSubRequester) Dispose(ctx context.Context) error {
	_ = q.Stop(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

func (q *pubSubRequester) closeLocked() error {
	if q.sub == nil {
		return nil
	}
	err := q.sub.Close()
	q.sub = nil
	return err
}
