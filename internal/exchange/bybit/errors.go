package bybit

import (
	"context"
	"errors"
	"net"
)

// ErrOrderNotFound is returned by GetOrderStatus when the exchange has no
// record of the client order id.
var ErrOrderNotFound = errors.New("bybit: order not found")

// ErrReconnect wraps the disconnect cause a stream reports on its error
// channel before redialing. Consumers match on it to count reconnects.
var ErrReconnect = errors.New("bybit: stream reconnecting")

// APIError is a response the exchange answered but refused. Whether it is
// worth retrying depends on the code: rate-limit and server-side codes are
// transient, everything else (insufficient balance, bad params, auth) is a
// business error that a retry cannot fix.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return "bybit: " + e.Msg
}

// Transient exchange return codes: too many visits, IP rate limit,
// internal server error, timeout.
var retryableCodes = map[int]bool{
	10006: true,
	10016: true,
	10018: true,
	10002: true,
}

// Retryable reports whether the error may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return retryableCodes[e.Code]
}

// httpError is a non-2xx transport-level response.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return "bybit: http " + e.body
}

func (e *httpError) retryable() bool {
	return e.status == 429 || e.status >= 500
}

// IsRetryable classifies an error per the gateway retry policy: network
// timeouts, 5xx and explicit rate-limit signals retry; business errors are
// fatal and propagate immediately.
//
// A context error is NOT fatal here: the HTTP client's per-request timeout
// surfaces as context.DeadlineExceeded, and a timed-out request is exactly
// the ambiguous case that must go through the status-check path rather than
// be assumed failed. Call sites that hold the caller's context check
// ctx.Err() themselves to stop retrying on shutdown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.retryable()
	}

	// Timeouts, refused connections and other transport failures arrive as
	// net.Error (resty wraps them in *url.Error, which satisfies it;
	// context.DeadlineExceeded satisfies it too).
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
