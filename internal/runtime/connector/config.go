package connector

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/esbflow/internal/runtime/metrics"
	"github.com/drblury/esbflow/internal/runtime/pool"
	"github.com/drblury/esbflow/internal/runtime/workmanager"
)

const (
	DefaultEvictionInterval = 30 * time.Second
	DefaultMaxIdle          = 2 * time.Minute
	DefaultStopTimeout      = 10 * time.Second
)

// Config tunes a connector's executors and pools. Zero values fall back to
// defaults.
type Config struct {
	ReceiverWork   workmanager.Config
	DispatcherWork workmanager.Config
	RequesterWork  workmanager.Config

	Pool pool.Config

	// EvictionInterval is how often idle pooled dispatchers and requesters
	// are checked. A negative value disables eviction.
	EvictionInterval time.Duration
	// MaxIdle is how long a pooled instance may stay idle before eviction.
	MaxIdle time.Duration

	// StopTimeout bounds the teardown of a stop or dispose.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EvictionInterval == 0 {
		c.EvictionInterval = DefaultEvictionInterval
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Option customises a Connector.
type Option func(*Connector)

// WithConfig sets executor and pool tuning.
func WithConfig(cfg Config) Option {
	return func(c *Connector) {
		c.cfg = cfg
	}
}

// WithClock sets the clock used by the scheduler and pool idle tracking.
func WithClock(clk clock.Clock) Option {
	return func(c *Connector) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMetrics records connector activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

// WithTracerProvider sets the provider spans are started from. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Connector) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

const tracerName = "github.com/drblury/esbflow/connector"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
