// Package processor defines message processors and the decorators services
// compose into chains.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
	msgpkg "github.com/drblury/esbflow/internal/runtime/message"
)

// HeaderCorrelationID is the header CorrelationID fills in.
const HeaderCorrelationID = "correlation_id"

// Processor transforms a message. Returning a nil message with a nil error
// stops the chain without failing it.
type Processor interface {
	Process(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error)

func (f Func) Process(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
	return f(ctx, msg)
}

// Middleware decorates a Processor.
type Middleware func(Processor) Processor

type chain []Processor

// Chain runs processors in order, feeding each result to the next. A nil
// result ends the chain early.
func Chain(processors ...Processor) Processor {
	flat := make(chain, 0, len(processors))
	for _, p := range processors {
		if p == nil {
			continue
		}
		if nested, ok := p.(chain); ok {
			flat = append(flat, nested...)
			continue
		}
		flat = append(flat, p)
	}
	return flat
}

func (c chain) Process(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
	current := msg
	for _, p := range c {
		next, err := p.Process(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// Wrap applies middlewares so the first one is outermost.
func Wrap(p Processor, middlewares ...Middleware) Processor {
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i](p)
	}
	return p
}

// Identity passes messages through unchanged.
func Identity() Processor {
	return Func(func(_ context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
		return msg, nil
	})
}

// Recover converts panics into errors.
func Recover() Middleware {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, msg *msgpkg.Message) (out *msgpkg.Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					out, err = nil, fmt.Errorf("esbflow: processor panicked on message %s: %v", msg.ID(), r)
				}
			}()
			return next.Process(ctx, msg)
		})
	}
}

// Log logs each message passing through at debug level.
func Log(logger loggingpkg.ServiceLogger) Middleware {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":   msg.ID(),
				"content_type": msg.ContentType(),
				"payload":      string(msg.Payload()),
				"metadata":     msg.Metadata(),
			})
			return next.Process(ctx, msg)
		})
	}
}

// CorrelationID sets a correlation header on messages that lack one.
func CorrelationID() Middleware {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
			if _, ok := msg.Header(HeaderCorrelationID); !ok {
				msg = msg.ToBuilder().Header(HeaderCorrelationID, msgpkg.NewID()).Build()
			}
			return next.Process(ctx, msg)
		})
	}
}

// Trace wraps processing in an OpenTelemetry span.
func Trace(name string) Middleware {
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
			ctx, span := otel.Tracer("esbflow/processor").Start(ctx, name)
			defer span.End()
			span.SetAttributes(
				attribute.String("message.id", msg.ID()),
				attribute.String("message.content_type", msg.ContentType()),
			)
			out, err := next.Process(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		})
	}
}

// RetryConfig tunes Retry. Zero values fall back to defaults.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// Retry re-runs failed processing with exponential backoff.
func Retry(cfg RetryConfig) Middleware {
	cfg = cfg.withDefaults()
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, msg *msgpkg.Message) (*msgpkg.Message, error) {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.InitialInterval
			policy.MaxInterval = cfg.MaxInterval

			return backoff.Retry(ctx, func() (*msgpkg.Message, error) {
				out, err := next.Process(ctx, msg)
				if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
					return nil, backoff.Permanent(err)
				}
				return out, err
			}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(cfg.MaxRetries)+1))
		})
	}
}
