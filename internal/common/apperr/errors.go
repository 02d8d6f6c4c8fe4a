// Package apperr holds the error taxonomy shared by the integration engine and its
// HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is a malformed request or configuration. Fields maps JSON field
// names to a human readable message.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func NewValidation(message string, fields map[string]string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// Field builds a ValidationError for a single field.
func Field(field, message string) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf("%s: %s", field, message),
		Fields:  map[string]string{field: message},
	}
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "validation failed"
}

type NotFoundError struct {
	Resource string
	ID       string
}

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// MappingError aborts a single sync task when a record cannot be translated.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Field == "" {
		return "mapping error: " + e.Reason
	}
	return fmt.Sprintf("mapping error: field %q %s", e.Field, e.Reason)
}

// ConnectionError is a failed call to an external system. StatusCode is zero for
// transport failures.
type ConnectionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("connection error: %s: %v", msg, e.Err)
	}
	return "connection error: " + msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PersistenceError is a failed durable write. It is the one failure surfaced as
// a 5xx to webhook senders.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// IsRetryable reports whether a failed task run may be attempted again
// automatically. Mapping and validation failures are deterministic.
func IsRetryable(err error) bool {
	var me *MappingError
	var ve *ValidationError
	var nf *NotFoundError
	return !errors.As(err, &me) && !errors.As(err, &ve) && !errors.As(err, &nf)
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UnauthorizedError
		fe *ForbiddenError
		me *MappingError
		ce *ConnectionError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ue):
		return http.StatusUnauthorized
	case errors.As(err, &fe):
		return http.StatusForbidden
	case errors.As(err, &me):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ce):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Fields returns the field-level detail of a ValidationError, if any.
func Fields(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}
