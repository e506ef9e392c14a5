// Package logging defines the logger every connector, receiver, work manager
// and service writes through, plus adapters from slog, zap, Watermill and
// entry-style loggers.
package logging

import "github.com/ThreeDotsLabs/watermill"

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract of the runtime. It mirrors
// Watermill's LoggerAdapter so transports and runtime components share one
// logger.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Field keys used to scope loggers to one runtime component.
const (
	FieldConnector   = "connector"
	FieldService     = "service"
	FieldReceiver    = "receiver"
	FieldEndpoint    = "endpoint"
	FieldTransport   = "transport"
	FieldWorkManager = "work_manager"
	FieldScheduler   = "scheduler"
)

// Scoped returns logger with key set to name.
func Scoped(logger ServiceLogger, key, name string) ServiceLogger {
	return logger.With(LogFields{key: name})
}

// Discard returns a ServiceLogger that drops everything.
func Discard() ServiceLogger { return discard{} }

type discard struct{}

func (d discard) With(LogFields) ServiceLogger { return d }
func (discard) Debug(string, LogFields)        {}
func (discard) Info(string, LogFields)         {}
func (discard) Error(string, error, LogFields) {}
func (discard) Trace(string, LogFields)        {}

// NewWatermillAdapter exposes a ServiceLogger as a Watermill LoggerAdapter
// for the publishers and subscribers built by transports.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("esbflow: ServiceLogger cannot be nil")
	}
	return &watermillAdapter{base: log}
}

type watermillAdapter struct {
	base ServiceLogger
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, LogFields(fields))
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.base.Info(msg, LogFields(fields))
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.base.Debug(msg, LogFields(fields))
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.base.Trace(msg, LogFields(fields))
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{base: a.base.With(LogFields(fields))}
}
