package transport

// Capabilities describes what a transport offers to the connectors built on
// it. Connectors consult it before dispatching and the CLI lists it.
type Capabilities struct {
	Name string

	// SupportsAck and SupportsNack report whether receivers can settle a
	// delivery. Without nack a failed listener cannot trigger redelivery.
	SupportsAck  bool
	SupportsNack bool

	SupportsOrdering     bool
	SupportsPartitioning bool
	SupportsDelay        bool
	SupportsNativeDLQ    bool

	// SupportsTracing means trace context survives the broker hop in
	// message metadata.
	SupportsTracing bool

	// SharedConnection means the factory holds one connector-wide
	// connection opened on Connect.
	SharedConnection bool

	// MaxMessageSize bounds the payload in bytes. Zero means unbounded.
	MaxMessageSize int64
}

// RedeliversOnFailure reports whether a listener error leads to another
// delivery attempt instead of a dropped message.
func (c Capabilities) RedeliversOnFailure() bool {
	return c.SupportsAck && c.SupportsNack
}

// Accepts reports whether a payload of size bytes fits the transport.
func (c Capabilities) Accepts(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Features lists the optional features in a fixed order.
func (c Capabilities) Features() []string {
	var features []string
	if c.RedeliversOnFailure() {
		features = append(features, "ack/nack")
	} else if c.SupportsAck {
		features = append(features, "ack")
	}
	if c.SupportsOrdering {
		features = append(features, "ordering")
	}
	if c.SupportsPartitioning {
		features = append(features, "partitioning")
	}
	if c.SupportsDelay {
		features = append(features, "delay")
	}
	if c.SupportsNativeDLQ {
		features = append(features, "dlq")
	}
	if c.SupportsTracing {
		features = append(features, "tracing")
	}
	if c.SharedConnection {
		features = append(features, "shared-connection")
	}
	return features
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
		SharedConnection:  true,
	}

	// Core NATS is fire-and-forget.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
		MaxMessageSize:    256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsTracing:  true,
		SharedConnection: true,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
