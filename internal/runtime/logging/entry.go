package logging

// EntryLogger is the non-generic form of EntryLoggerAdapter.
type EntryLogger interface {
	EntryLoggerAdapter[EntryLogger]
}

// EntryLoggerAdapter is satisfied by logrus-style entries whose WithField and
// WithError return their own type.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger logs through an entry-style logger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("esbflow: entry logger cannot be nil")
	}
	return &entryLogger[T]{entry: entry}
}

type entryLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryLogger[T]{entry: withFields(e.entry, fields)}
}

func (e *entryLogger[T]) Debug(msg string, fields LogFields) {
	withFields(e.entry, fields).Debug(msg)
}

func (e *entryLogger[T]) Info(msg string, fields LogFields) {
	withFields(e.entry, fields).Info(msg)
}

func (e *entryLogger[T]) Error(msg string, err error, fields LogFields) {
	entry := withFields(e.entry, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (e *entryLogger[T]) Trace(msg string, fields LogFields) {
	withFields(e.entry, fields).Trace(msg)
}

func withFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	return entry
}
