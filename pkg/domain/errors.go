package domain

import (
	"errors"
	"fmt"
)

// Status classifies platform errors surfaced to clients.
type Status string

// Error statuses.
const (
	StatusForbidden           Status = "platform:status:Forbidden"
	StatusBadRequest          Status = "platform:status:BadRequest"
	StatusResourceNotFound    Status = "platform:status:ResourceNotFound"
	StatusInternalServerError Status = "platform:status:InternalServerError"
	StatusConnectionClosed    Status = "platform:status:ConnectionClosed"
)

// PlatformError is a typed error carrying a client-visible status.
type PlatformError struct {
	Status  Status
	Message string
	Params  map[string]any
	Err     error
}

func (e *PlatformError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Status, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return string(e.Status)
}

// Unwrap exposes the underlying cause.
func (e *PlatformError) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same status. A sentinel carries no
// message.
func (e *PlatformError) Is(target error) bool {
	t, ok := target.(*PlatformError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Status == e.Status
}

// Sentinels for errors.Is checks against a status.
var (
	ErrForbidden        = &PlatformError{Status: StatusForbidden}
	ErrBadRequest       = &PlatformError{Status: StatusBadRequest}
	ErrNotFound         = &PlatformError{Status: StatusResourceNotFound}
	ErrInternal         = &PlatformError{Status: StatusInternalServerError}
	ErrConnectionClosed = &PlatformError{Status: StatusConnectionClosed}
)

// ErrDocExists reports a create for an id that is already stored.
var ErrDocExists = errors.New("document already exists")

// Forbidden builds a Forbidden error.
func Forbidden(format string, args ...any) error {
	return &PlatformError{Status: StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// BadRequest builds a BadRequest error.
func BadRequest(format string, args ...any) error {
	return &PlatformError{Status: StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a ResourceNotFound error for a missing document.
func NotFound(class, id Ref) error {
	return &PlatformError{
		Status:  StatusResourceNotFound,
		Message: fmt.Sprintf("%s %s not found", class, id),
		Params:  map[string]any{"_class": string(class), "_id": string(id)},
	}
}

// Internal wraps err as InternalServerError unless it already carries a
// platform status.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return err
	}
	return &PlatformError{Status: StatusInternalServerError, Err: err}
}

// ConnectionClosed builds a ConnectionClosed error.
func ConnectionClosed(reason string) error {
	return &PlatformError{Status: StatusConnectionClosed, Message: reason}
}

// StatusOf returns the platform status of err, InternalServerError for
// untyped errors and "" for nil.
func StatusOf(err error) Status {
	if err == nil {
		return ""
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return StatusInternalServerError
}
