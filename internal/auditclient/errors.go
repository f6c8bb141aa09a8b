package auditclient

import (
	"errors"
	"fmt"
	"net"
)

// AuthenticationError means the credential exchange did not succeed.
// StatusCode is zero when no HTTP response was received.
type AuthenticationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthenticationError) Error() string {
	return describe("authenticate", e.StatusCode, e.Body, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// FetchError means the audit download did not succeed or timed out.
// StatusCode is zero when no HTTP response was received.
type FetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	return describe("fetch audits", e.StatusCode, e.Body, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the download was cut off by the client timeout.
func (e *FetchError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// StatusCode extracts the HTTP status carried by an audit client error, or
// zero when err carries none.
func StatusCode(err error) int {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.StatusCode
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode
	}
	return 0
}

func describe(op string, status int, body string, err error) string {
	switch {
	case err != nil && status != 0:
		return fmt.Sprintf("%s: status %d: %v", op, status, err)
	case err != nil:
		return fmt.Sprintf("%s: %v", op, err)
	case body != "":
		return fmt.Sprintf("%s: status %d: %s", op, status, body)
	default:
		return fmt.Sprintf("%s: status %d", op, status)
	}
}
