// Package slgerrors defines the error taxonomy shared by every component:
// sentinel business errors mapped through Classify into typed wrapper
// structs, plus two persistence-specific types (TransientError,
// PermanentError) that the SQL executor and writeback manager use to decide
// whether a failed task is worth retrying.
package slgerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components compare against these with errors.Is; Classify
// maps them to a typed, user-presentable error.
var (
	ErrEntityNotFound       = errors.New("E0001")
	ErrEntityConflict       = errors.New("E0002")
	ErrValidation           = errors.New("E0003")
	ErrChannelClosed        = errors.New("E0101")
	ErrConnectFailed        = errors.New("E0102")
	ErrSerializeFailed      = errors.New("E0103")
	ErrFrameMalformed       = errors.New("E0104")
	ErrServiceNotFound      = errors.New("E0201")
	ErrMethodNotFound       = errors.New("E0202")
	ErrParamTypeMismatch    = errors.New("E0203")
	ErrTimeout              = errors.New("E0301")
	ErrCancelled            = errors.New("E0302")
	ErrPersistenceTransient = errors.New("E0401")
	ErrPersistencePermanent = errors.New("E0402")
)

// EntityNotFoundError indicates a lookup by primary key found nothing.
type EntityNotFoundError struct {
	EntityType string
	Message    string
	Code       string
	Err        error
}

func (e EntityNotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.EntityType != "" {
		return fmt.Sprintf("entity %s not found", e.EntityType)
	}

	return "entity not found"
}

func (e EntityNotFoundError) Unwrap() error { return e.Err }

// EntityConflictError indicates a uniqueness or state conflict (e.g. a
// serviceKey already registered, or a duplicate primary key on insert).
type EntityConflictError struct {
	EntityType string
	Message    string
	Code       string
	Err        error
}

func (e EntityConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return fmt.Sprintf("conflict on %s", e.EntityType)
}

func (e EntityConflictError) Unwrap() error { return e.Err }

// ValidationError indicates malformed input rejected before any I/O.
type ValidationError struct {
	EntityType string
	Message    string
	Code       string
	Err        error
}

func (e ValidationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return e.Message
}

func (e ValidationError) Unwrap() error { return e.Err }

// TransportError covers channel-closed, connect-failed, serialize-failed and
// frame-malformed conditions. Always retryable at the RPC client.
type TransportError struct {
	Op      string
	Message string
	Err     error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Message)
}

func (e TransportError) Unwrap() error        { return e.Err }
func (e TransportError) Is(target error) bool { return target == ErrConnectFailed }

// ChannelClosedError completes every pending future on a connection once
// its channel closes (heartbeat timeout, remote reset, local close).
type ChannelClosedError struct {
	Address string
}

func (e ChannelClosedError) Error() string {
	return fmt.Sprintf("rpc: channel to %s closed", e.Address)
}
func (e ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }

// ProtocolError covers unknown service/method/paramTypes. Never retryable.
type ProtocolError struct {
	ServiceKey string
	Method     string
	Message    string
	Err        error
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s#%s: %s", e.ServiceKey, e.Method, e.Message)
}

func (e ProtocolError) Unwrap() error { return e.Err }

// BusinessError wraps an error thrown by a server-side handler. Only the
// class name, message, and a truncated stack cross the wire (see wire
// package docs); it is never retried.
type BusinessError struct {
	ClassName string
	Message   string
	Stack     string
}

func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.ClassName, e.Message)
}

// TimeoutError is returned when a pending RPC future was not completed
// within its configured timeout.
type TimeoutError struct {
	ReqID     uint64
	TimeoutMs int64
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("rpc call reqId=%d timed out after %dms", e.ReqID, e.TimeoutMs)
}

func (e TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TransientError wraps a persistence failure caused by connection issues,
// timeouts or deadlocks — C3 retries these up to maxRetries.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string        { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e TransientError) Unwrap() error        { return e.Err }
func (e TransientError) Is(target error) bool { return target == ErrPersistenceTransient }

// PermanentError wraps a persistence failure caused by a constraint
// violation or type mismatch — C3 never retries these; they count as a
// final failure and are dropped from the dirty cache.
type PermanentError struct {
	Op  string
	Err error
}

func (e PermanentError) Error() string        { return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err) }
func (e PermanentError) Unwrap() error        { return e.Err }
func (e PermanentError) Is(target error) bool { return target == ErrPersistencePermanent }

// IsRetryable reports whether err should be retried by the writeback
// manager: true for TransientError, false for PermanentError and anything
// else (fail closed — unknown errors are not blindly retried).
func IsRetryable(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

// Classify maps a sentinel error to its typed, user-presentable form. Errors
// that are not one of the known sentinels pass through unchanged.
func Classify(err error, entityType string) error {
	switch {
	case errors.Is(err, ErrEntityNotFound):
		return EntityNotFoundError{EntityType: entityType, Code: ErrEntityNotFound.Error(), Err: err}
	case errors.Is(err, ErrEntityConflict):
		return EntityConflictError{EntityType: entityType, Code: ErrEntityConflict.Error(), Err: err}
	case errors.Is(err, ErrValidation):
		return ValidationError{EntityType: entityType, Code: ErrValidation.Error(), Err: err}
	default:
		return err
	}
}
