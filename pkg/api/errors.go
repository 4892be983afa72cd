package api

import (
	"fmt"
	"net/http"
)

// Error type values used in the error envelope. They follow the OpenAI
// naming so existing SDKs classify them correctly.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeInsufficient   = "insufficient_quota"
	TypeRateLimit      = "rate_limit_error"
	TypeNotFound       = "not_found_error"
	TypeAPI            = "api_error"
)

// Error is the HTTP-facing error returned by the gateway. Only Status and the
// envelope fields reach the client; Log is kept for server-side logging.
type Error struct {
	Status  int
	Message string
	Type    string
	Code    interface{}

	Log error
}

func (e *Error) Error() string {
	if e.Log != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Status, e.Message, e.Log)
	}
	return fmt.Sprintf("[%d] %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Log
}

// Envelope renders the error into the wire shape.
func (e *Error) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
	}}
}

// ErrorEnvelope is the body of every non-2xx JSON response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

type ErrorOption func(*Error)

// WithLog attaches an internal error for server-side logging
func WithLog(err error) ErrorOption {
	return func(e *Error) {
		e.Log = err
	}
}

// NewError creates an Error with the given status and envelope fields.
func NewError(status int, message, errType string, code interface{}, opts ...ErrorOption) *Error {
	e := &Error{
		Status:  status,
		Message: message,
		Type:    errType,
		Code:    code,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unauthorized is deliberately generic so callers cannot tell a malformed,
// unknown, inactive or expired key apart.
func Unauthorized(opts ...ErrorOption) *Error {
	return NewError(http.StatusUnauthorized, "Invalid API key", TypeAuthentication, "invalid_api_key", opts...)
}

func RateLimited(window string, limit int) *Error {
	return NewError(
		http.StatusTooManyRequests,
		fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window),
		TypeRateLimit,
		"rate_limit_exceeded",
	)
}

// InsufficientCredits reports the exact shortfall in USD.
func InsufficientCredits(requiredUSD, availableUSD float64) *Error {
	return NewError(
		http.StatusPaymentRequired,
		fmt.Sprintf("Insufficient credits. Required: $%.6f, Available: $%.6f", requiredUSD, availableUSD),
		TypeInsufficient,
		"insufficient_credits",
	)
}

func BadRequest(message string) *Error {
	return NewError(http.StatusBadRequest, message, TypeInvalidRequest, http.StatusBadRequest)
}

func NotFound() *Error {
	return NewError(http.StatusNotFound, "Not found", TypeNotFound, http.StatusNotFound)
}

// InternalError hides err from the client and keeps it for the logs.
func InternalError(err error) *Error {
	return NewError(http.StatusInternalServerError, "Internal server error", TypeAPI, http.StatusInternalServerError, WithLog(err))
}

// BadGateway is used when the upstream could not be reached at all.
func BadGateway(message string, err error) *Error {
	return NewError(http.StatusBadGateway, message, TypeAPI, http.StatusBadGateway, WithLog(err))
}
