package registry

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned for unexpected registry responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("registry %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPStatusCode exposes the status for throttle classification.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Throttled reports whether the registry asked the client to slow down.
func (e *StatusError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func newStatusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
}
