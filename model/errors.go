package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared with the frontend.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendRejected    = "BACKEND_REJECTED"
	ErrMoveFailed         = "MOVE_FAILED"
	ErrNoLossReason       = "NO_LOSS_REASON"
	ErrDealNotFound       = "OPPORTUNITY_NOT_FOUND"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
)

type codeInfo struct {
	status  int
	message string
}

var codes = map[string]codeInfo{
	ErrBadRequest:         {http.StatusBadRequest, "The request is invalid"},
	ErrUnauthorized:       {http.StatusUnauthorized, "Authentication required"},
	ErrForbidden:          {http.StatusForbidden, "You may not perform this operation"},
	ErrNotFound:           {http.StatusNotFound, "Not found"},
	ErrConflict:           {http.StatusConflict, "The request conflicts with the current state"},
	ErrValidationError:    {http.StatusUnprocessableEntity, "One or more fields are invalid"},
	ErrRateLimited:        {http.StatusTooManyRequests, "Rate limit exceeded. Please try again later."},
	ErrInternalError:      {http.StatusInternalServerError, "An unexpected error occurred"},
	ErrBackendUnavailable: {http.StatusBadGateway, "The pipeline service is temporarily unavailable"},
	ErrBackendTimeout:     {http.StatusGatewayTimeout, "The pipeline service did not respond in time"},
	ErrBackendRejected:    {http.StatusUnprocessableEntity, "The pipeline service rejected the request"},
	ErrMoveFailed:         {http.StatusConflict, "The opportunity could not be moved; the board was restored"},
	ErrNoLossReason:       {http.StatusUnprocessableEntity, "No loss reason is configured"},
	ErrDealNotFound:       {http.StatusNotFound, "Opportunity not found"},
	ErrPayloadTooLarge:    {http.StatusRequestEntityTooLarge, "The request body is too large"},
}

// ErrorEnvelope is the error body the BFF answers with, and the error type
// the invoker returns for pipeline service failures.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	// Status is the upstream HTTP status for errors from the pipeline
	// service, and zero otherwise.
	Status int `json:"-"`
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError returns an envelope for code. An empty msg takes the code's
// default message.
func NewError(code, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = codes[code].message
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus is the status the BFF answers with for e. Unknown codes map
// to 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if info, ok := codes[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err wraps an ErrorEnvelope carrying code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return NewError(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return NewError(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return NewError(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return NewError(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return NewError(ErrConflict, msg) }

func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := NewError(ErrValidationError, "")
	e.Details = details
	return e
}

func NewInternalError() *ErrorEnvelope           { return NewError(ErrInternalError, "") }
func NewBackendUnavailableError() *ErrorEnvelope { return NewError(ErrBackendUnavailable, "") }
func NewBackendTimeoutError() *ErrorEnvelope     { return NewError(ErrBackendTimeout, "") }
func NewRateLimitedError() *ErrorEnvelope        { return NewError(ErrRateLimited, "") }

// NewBackendRejectedError wraps an envelope whose success flag was false.
// The upstream message is passed through unchanged.
func NewBackendRejectedError(status int, msg string) *ErrorEnvelope {
	e := NewError(ErrBackendRejected, msg)
	e.Status = status
	return e
}
