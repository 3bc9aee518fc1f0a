package direct

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes returned in the JSON error envelope.
const (
	CodeAuthServerUnavailable = 52
	CodeAuthFailed            = 53
	CodeNoRights              = 54
	CodeRequestLimit          = 56
	CodeNotEnoughUnits        = 152
	CodeConnectionLimit       = 506
	CodeServiceUnavailable    = 1000
	CodeInternalError         = 1001
	CodeOperationTimeout      = 1002
)

// APIError is a failed call. HTTPStatus is always set; Code is set when the
// body carried an error envelope.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Detail     string
	RequestID  string
	// RetryAfter is the server-requested delay, when one was given.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("direct: api error %d: %s (%s) [http %d, request %s]",
			e.Code, e.Message, e.Detail, e.HTTPStatus, e.RequestID)
	}
	return fmt.Sprintf("direct: unexpected status %d [request %s]", e.HTTPStatus, e.RequestID)
}

// Unauthorized reports whether the token was rejected.
func (e *APIError) Unauthorized() bool {
	return e.Code == CodeAuthFailed || e.Code == CodeNoRights ||
		e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden
}

// Throttled reports whether the account ran out of points or connections.
func (e *APIError) Throttled() bool {
	switch e.Code {
	case CodeRequestLimit, CodeNotEnoughUnits, CodeConnectionLimit:
		return true
	}
	return e.HTTPStatus == http.StatusTooManyRequests
}

// Temporary reports whether the platform itself failed.
func (e *APIError) Temporary() bool {
	switch e.Code {
	case CodeAuthServerUnavailable, CodeServiceUnavailable, CodeInternalError, CodeOperationTimeout:
		return true
	}
	return e.HTTPStatus >= http.StatusInternalServerError
}
