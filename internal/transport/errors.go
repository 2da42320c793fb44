package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is returned for any failed backend request: transport
// failures, timeouts and non-2xx responses. It is recoverable; callers fall
// back to cached or empty state.
type NetworkError struct {
	Op         string
	StatusCode int
	// Rejected is set when the backend answered but refused the request.
	Rejected bool
	Err      error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejection reports whether the backend actively refused the request,
// as opposed to the request not getting through. Timeouts and rate
// limiting are not rejections.
func IsRejection(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	if ne.Rejected {
		return true
	}
	switch ne.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return ne.StatusCode >= 400 && ne.StatusCode < 500
}
