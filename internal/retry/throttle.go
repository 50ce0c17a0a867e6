package retry

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
)

// throttleCodes are AWS error codes that signal rate limiting.
var throttleCodes = map[string]struct{}{
	"Throttling":                {},
	"ThrottlingException":       {},
	"RequestLimitExceeded":      {},
	"TooManyRequestsException":  {},
	"RequestThrottled":          {},
	"RequestThrottledException": {},
	"SlowDown":                  {},
}

// statusCoder is implemented by SDK response errors and registry.StatusError.
type statusCoder interface {
	HTTPStatusCode() int
}

// IsThrottle reports whether err signals rate limiting by the remote side.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := throttleCodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}

	return strings.Contains(err.Error(), "RequestLimitExceeded")
}
