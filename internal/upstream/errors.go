package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnavailable wraps network-level failures: the upstream never produced
// a response.
var ErrUnavailable = errors.New("upstream unavailable")

const defaultErrorMessage = "Upstream request failed"

// Error is an error reported by the upstream itself.
type Error struct {
	Status  int
	Message string
	Type    string
	Code    interface{}
	Body    []byte
	URL     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.Status, e.URL, e.Message)
}

type errorResponse struct {
	Error json.RawMessage `json:"error"`
}

type errorObject struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

// newError normalizes a non-2xx upstream response. The OpenAI error shape is
// unwrapped when present, a bare string error is used as the message, and
// anything that is not JSON is passed through as raw text.
func newError(status int, body []byte, url string) *Error {
	e := &Error{
		Status:  ClampStatus(status),
		Message: defaultErrorMessage,
		Type:    "api_error",
		Body:    body,
		URL:     url,
	}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			e.Message = text
		}
	} else if len(resp.Error) > 0 {
		var msg string
		var obj errorObject
		switch {
		case json.Unmarshal(resp.Error, &msg) == nil:
			e.Message = msg
		case json.Unmarshal(resp.Error, &obj) == nil && obj.Message != "":
			e.Message = obj.Message
			if obj.Type != "" {
				e.Type = obj.Type
			}
			if obj.Code != nil && obj.Code != "" {
				e.Code = obj.Code
			}
		}
	}

	if e.Code == nil {
		e.Code = status
	}
	return e
}

// ClampStatus keeps passthrough statuses inside the error range.
func ClampStatus(status int) int {
	if status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}
