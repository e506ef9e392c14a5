package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrNotStarted           = sterrors.New("esbflow: connector is not started")
	ErrConnectorRequired    = sterrors.New("esbflow: connector is required")
	ErrConnectorNotFound    = sterrors.New("esbflow: connector not found")
	ErrFactoryRequired      = sterrors.New("esbflow: transport factory is required")
	ErrNameRequired         = sterrors.New("esbflow: name is required")
	ErrEndpointNameRequired = sterrors.New("esbflow: endpoint name is required")
	ErrEndpointAddrRequired = sterrors.New("esbflow: endpoint address is required")
	ErrProcessorRequired    = sterrors.New("esbflow: message processor is required")
	ErrMessageRequired      = sterrors.New("esbflow: message is required")
	ErrConfigRequired       = sterrors.New("esbflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("esbflow: logger is required")
	ErrResolverRequired     = sterrors.New("esbflow: connector resolver is required")
	ErrInboundRequired      = sterrors.New("esbflow: service needs at least one inbound endpoint")
	ErrWorkManagerShutdown  = sterrors.New("esbflow: work manager is shut down")
	ErrWorkAbandoned        = sterrors.New("esbflow: work abandoned during shutdown")
	ErrSchedulerShutdown    = sterrors.New("esbflow: scheduler is shut down")
)

// IllegalStateError reports a lifecycle transition attempted from a state that
// does not allow it. The entity is left untouched.
type IllegalStateError struct {
	Entity string
	Op     string
	State  string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("esbflow: illegal state: cannot %s %s while %s", e.Op, e.Entity, e.State)
}

// NewIllegalStateError builds an IllegalStateError.
func NewIllegalStateError(entity, op, state string) error {
	return &IllegalStateError{Entity: entity, Op: op, State: state}
}

// LifecycleError wraps the cause of an operation attempted outside the
// window in which the entity accepts it, typically a send on a stopped
// connector.
type LifecycleError struct {
	Op     string
	Entity string
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("esbflow: lifecycle: %s on %s: %v", e.Op, e.Entity, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// NewLifecycleError wraps err in a LifecycleError.
func NewLifecycleError(op, entity string, err error) error {
	return &LifecycleError{Op: op, Entity: entity, Err: err}
}

// ResourceError reports a failure while building or activating a pooled or
// listening resource.
type ResourceError struct {
	Key string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("esbflow: resource %q: %v", e.Key, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// NewResourceError wraps err in a ResourceError. A nil err yields nil.
func NewResourceError(key string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Key: key, Err: err}
}

// ConfigValidationError wraps configuration problems reported by Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "esbflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err. A nil err yields nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsIllegalState reports whether err carries an IllegalStateError.
func IsIllegalState(err error) bool {
	var target *IllegalStateError
	return sterrors.As(err, &target)
}

// IsLifecycle reports whether err carries a LifecycleError.
func IsLifecycle(err error) bool {
	var target *LifecycleError
	return sterrors.As(err, &target)
}

// IsResource reports whether err carries a ResourceError.
func IsResource(err error) bool {
	var target *ResourceError
	return sterrors.As(err, &target)
}
