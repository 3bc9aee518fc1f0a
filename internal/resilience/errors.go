package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrFetchFailed marks an upstream call that was given up on after the
// retry policy ran out. Match with errors.Is; the last cause stays in the
// chain for errors.As.
var ErrFetchFailed = eris.New("fetch failed")

// TransientError is an Unreachable failure: network errors, 5xx answers and
// per-call deadline expiry. Safe to retry with backoff.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// AuthExpiredError reports rejected or expired credentials. It is never
// retried; credentials must be refreshed outside the pipeline.
type AuthExpiredError struct {
	Service string
	Account string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s: credentials for %q rejected: %v", e.Service, e.Account, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// RateLimitedError reports a throttled call. RetryAfter is the delay the
// server asked for, zero when it gave none.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// FetchFailedError is the terminal form of a retried upstream call.
type FetchFailedError struct {
	Service  string
	Op       string
	Attempts int
	Err      error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Service, e.Op, e.Attempts, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrFetchFailed) match.
func (e *FetchFailedError) Is(target error) bool { return target == ErrFetchFailed }

// IsTransient reports whether err is an Unreachable failure: an explicit
// TransientError, a deadline expiry, or a recognisable network error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsAuthExpired reports whether err carries an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// RetryAfter returns the server-requested delay carried by err.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRetryable is the default retry predicate: Unreachable and RateLimited
// failures are retried, everything else is final.
func IsRetryable(err error) bool {
	if err == nil || IsAuthExpired(err) {
		return false
	}
	if _, ok := RetryAfter(err); ok {
		return true
	}
	return IsTransient(err)
}

// IsTransientHTTPStatus reports whether an HTTP status is an Unreachable
// answer. 429 is handled separately as RateLimited.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Class is a coarse failure category used for report retry decisions and
// metric labels.
type Class string

const (
	ClassAuth        Class = "auth_expired"
	ClassRateLimited Class = "rate_limited"
	ClassUnreachable Class = "unreachable"
	ClassCancelled   Class = "cancelled"
	ClassPermanent   Class = "permanent"
)

// Retryable reports whether another automated attempt can succeed.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassUnreachable, ClassCancelled:
		return true
	default:
		return false
	}
}

// ClassifyError maps err onto a Class. A FetchFailed error keeps the class of
// its last cause.
func ClassifyError(err error) Class {
	switch {
	case err == nil:
		return ""
	case IsAuthExpired(err):
		return ClassAuth
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrCircuitOpen):
		return ClassUnreachable
	}
	if _, ok := RetryAfter(err); ok {
		return ClassRateLimited
	}
	if IsTransient(err) {
		return ClassUnreachable
	}
	return ClassPermanent
}
