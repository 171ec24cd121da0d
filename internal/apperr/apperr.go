package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindNotFound     Kind = "NOT_FOUND"
	KindInvalidState Kind = "INVALID_STATE"
	KindDependency   Kind = "DEPENDENCY_ERROR"
	KindRender       Kind = "RENDER_ERROR"
	KindConflict     Kind = "CONFLICT"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// Error is the typed error returned by services. Status is the HTTP status the
// error maps to at the API boundary.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details interface{}
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" && e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, status int, message string, details interface{}, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Details: details, Err: err}
}

func Validation(message string, details interface{}) *Error {
	return New(KindValidation, http.StatusBadRequest, message, details, nil)
}

func NotFound(entity, id string) *Error {
	return New(KindNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", entity), map[string]string{"id": id}, nil)
}

// StateDetails names the stage or status an operation required and the one found.
type StateDetails struct {
	Required []string `json:"required"`
	Actual   string   `json:"actual"`
}

func InvalidState(message string, actual string, required ...string) *Error {
	return New(KindInvalidState, http.StatusBadRequest, message, StateDetails{Required: required, Actual: actual}, nil)
}

// UnmetDependency reports prerequisites the caller must complete first, such as
// scenes that have not rendered successfully.
func UnmetDependency(message string, details interface{}) *Error {
	return New(KindDependency, http.StatusBadRequest, message, details, nil)
}

// ProviderFailure reports an external collaborator that could not serve the request.
func ProviderFailure(message string, details interface{}, err error) *Error {
	return New(KindDependency, http.StatusInternalServerError, message, details, err)
}

func Render(message string, err error) *Error {
	return New(KindRender, http.StatusInternalServerError, message, nil, err)
}

func Conflict(message string, details interface{}) *Error {
	return New(KindConflict, http.StatusConflict, message, details, nil)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, http.StatusInternalServerError, message, nil, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
