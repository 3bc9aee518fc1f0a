package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/resilience"
	"github.com/sells-group/adreport-cli/pkg/direct"
	"github.com/sells-group/adreport-cli/pkg/wordstat"
)

// apiError is the classification surface shared by the upstream clients.
type apiError interface {
	error
	Unauthorized() bool
	Throttled() bool
	Temporary() bool
}

// classify maps a client error onto the resilience taxonomy: AuthExpired,
// RateLimited or Unreachable. Anything else is returned unchanged and is
// treated as permanent.
func classify(service, account string, err error) error {
	if err == nil {
		return nil
	}

	var (
		api        apiError
		status     int
		retryAfter time.Duration
		de         *direct.APIError
		we         *wordstat.APIError
	)
	switch {
	case errors.As(err, &de):
		api, status, retryAfter = de, de.HTTPStatus, de.RetryAfter
	case errors.As(err, &we):
		api, status, retryAfter = we, we.StatusCode, we.RetryAfter
	}

	if api != nil {
		switch {
		case api.Unauthorized():
			return &resilience.AuthExpiredError{Service: service, Account: account, Err: err}
		case api.Throttled():
			return &resilience.RateLimitedError{RetryAfter: retryAfter, Err: err}
		case api.Temporary():
			return resilience.NewTransientError(err, status)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrapf(err, "%s: call deadline exceeded", service), 0)
	}
	return err
}
