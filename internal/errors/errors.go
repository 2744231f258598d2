package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMalformed        = errors.New("malformed request")
	ErrReservation      = errors.New("reservation failed")
	ErrSpawnFailed      = errors.New("spawn failed")
	ErrArchiveIO        = errors.New("archive i/o error")
)

// ErrorKind represents the category of error
type ErrorKind string

const (
	KindMalformed   ErrorKind = "malformed"
	KindReservation ErrorKind = "reservation"
	KindNotFound    ErrorKind = "not_found"
	KindPermission  ErrorKind = "permission"
	KindSpawn       ErrorKind = "spawn"
	KindSampling    ErrorKind = "sampling"
	KindParser      ErrorKind = "parser"
	KindIO          ErrorKind = "io"
	KindInternal    ErrorKind = "internal"
)

// ServiceError is a structured error for orchestration operations. Error()
// returns the bare message because dispatch surfaces it on the wire; the
// kind and operation ride along as structured fields for logs and metrics.
type ServiceError struct {
	Kind      ErrorKind
	Op        string // operation that failed (e.g. "verify", "create_workspace")
	Workspace string // workspace ID if applicable
	Err       error  // underlying error carrying the client-facing message
	Timestamp time.Time
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ServiceError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrPermissionDenied:
		return e.Kind == KindPermission
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrReservation:
		return e.Kind == KindReservation
	case ErrSpawnFailed:
		return e.Kind == KindSpawn
	case ErrArchiveIO:
		return e.Kind == KindIO
	}

	return errors.Is(e.Err, target)
}

// New creates a ServiceError with the given kind and message.
func New(kind ErrorKind, op, format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Kind:      kind,
		Op:        op,
		Err:       fmt.Errorf(format, args...),
		Timestamp: time.Now(),
	}
}

// Wrap attaches a kind and operation to an existing error.
func Wrap(kind ErrorKind, op string, err error) *ServiceError {
	return &ServiceError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithWorkspace adds workspace information to the error
func (e *ServiceError) WithWorkspace(id string) *ServiceError {
	e.Workspace = id
	return e
}

// Helper constructors

func NotFound(op, format string, args ...interface{}) *ServiceError {
	return New(KindNotFound, op, format, args...)
}

func Permission(op, format string, args ...interface{}) *ServiceError {
	return New(KindPermission, op, format, args...)
}

func Malformed(op, format string, args ...interface{}) *ServiceError {
	return New(KindMalformed, op, format, args...)
}

func Reservation(op, format string, args ...interface{}) *ServiceError {
	return New(KindReservation, op, format, args...)
}

func Spawn(op string, err error) *ServiceError {
	return Wrap(KindSpawn, op, err)
}

func IO(op string, err error) *ServiceError {
	return Wrap(KindIO, op, err)
}

// KindOf classifies an error for metrics labels.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}

	return KindInternal
}
